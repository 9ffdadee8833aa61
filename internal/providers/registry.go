package providers

import (
	"fmt"
	"sort"
	"strings"

	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

// Registry maps provider codes to drivers. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Driver{}}
}

// Register binds a driver to a provider code.
func (r *Registry) Register(code string, driver Driver) error {
	key := normalizeCode(code)
	if key == "" {
		return fmt.Errorf("provider code required")
	}
	if driver == nil {
		return fmt.Errorf("driver for %q is nil", key)
	}
	if _, exists := r.drivers[key]; exists {
		return fmt.Errorf("driver for %q already registered", key)
	}
	r.drivers[key] = driver
	return nil
}

// Driver resolves the implementation for a provider code.
func (r *Registry) Driver(code string) (Driver, error) {
	driver, ok := r.drivers[normalizeCode(code)]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeProviderRejected, fmt.Sprintf("no driver registered for provider %q", code))
	}
	return driver, nil
}

// Codes lists registered provider codes in sorted order.
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.drivers))
	for code := range r.drivers {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

package env

import (
	"os"
	"strings"
)

// Prefix namespaces every process setting read outside the config loader.
const Prefix = "VOUCHERZ_"

// Get returns the prefixed environment variable or a fallback. It serves the
// few settings needed before config.Load runs, such as the log format.
func Get(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(Prefix + key)); val != "" {
		return val
	}
	return fallback
}

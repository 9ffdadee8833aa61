package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

const migrationTemplate = `-- +goose Up
-- +goose StatementBegin
-- %[1]s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %[1]s
-- +goose StatementEnd
`

// CreateSQLMigration writes an empty <dir>/<YYYYMMDDHHMMSS>_<name>.sql.
func CreateSQLMigration(dir, name string, now time.Time) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}

	safe := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
	safe = strings.Trim(nameSanitizeRe.ReplaceAllString(safe, "_"), "_")
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	version := now.UTC().Format("20060102150405")
	existing, err := filepath.Glob(filepath.Join(dir, version+"_*.sql"))
	if err != nil {
		return "", fmt.Errorf("scan %q: %w", dir, err)
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("migration version %s already used by %s", version, filepath.Base(existing[0]))
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", version, safe))
	if err := os.WriteFile(path, []byte(fmt.Sprintf(migrationTemplate, safe)), 0o644); err != nil {
		return "", fmt.Errorf("write migration %q: %w", path, err)
	}
	return path, nil
}

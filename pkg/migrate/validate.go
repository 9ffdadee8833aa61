package migrate

import (
	"fmt"
	"io/fs"
	"regexp"
	"strings"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// Validate checks file names, version uniqueness and the goose section markers.
func Validate(fsys fs.FS) error {
	if fsys == nil {
		return fmt.Errorf("migrations are required")
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	versions := map[string]string{}
	count := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, ok := versions[m[1]]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		versions[m[1]] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read %q: %w", name, err)
		}
		txt := string(body)
		up := strings.Index(txt, "-- +goose Up")
		down := strings.Index(txt, "-- +goose Down")
		switch {
		case up < 0:
			return fmt.Errorf("migration %q missing \"-- +goose Up\"", name)
		case down < 0:
			return fmt.Errorf("migration %q missing \"-- +goose Down\"", name)
		case down < up:
			return fmt.Errorf("migration %q has Down before Up", name)
		}
		count++
	}

	if count == 0 {
		return fmt.Errorf("no migrations found")
	}
	return nil
}

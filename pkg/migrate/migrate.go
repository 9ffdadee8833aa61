package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

// DefaultDir is where new migrations are written and validated from a checkout.
const DefaultDir = "pkg/migrate/migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the schema files in dir, or the set compiled into the
// binary when dir is empty.
func Migrations(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(embedded, "migrations")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("migrations dir %q: %w", dir, err)
	}
	return os.DirFS(dir), nil
}

// Status is one migration and whether it has been applied.
type Status struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// Runner applies the Postgres schema. SQLite databases are built from the
// GORM models instead, see MaybeRunDev.
type Runner struct {
	provider *goose.Provider
	logg     *logger.Logger
}

func NewRunner(db *sql.DB, fsys fs.FS, logg *logger.Logger) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if fsys == nil {
		return nil, fmt.Errorf("migrations are required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Runner{provider: provider, logg: logg}, nil
}

func (r *Runner) Up(ctx context.Context) error {
	results, err := r.provider.Up(ctx)
	r.report(ctx, results...)
	if err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down(ctx context.Context) error {
	result, err := r.provider.Down(ctx)
	if result != nil {
		r.report(ctx, result)
	}
	if err != nil {
		return fmt.Errorf("goose down: %w", err)
	}
	return nil
}

// To moves the schema up or down to the given YYYYMMDDHHMMSS version.
func (r *Runner) To(ctx context.Context, version string) error {
	target, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q (expected YYYYMMDDHHMMSS): %w", version, err)
	}

	current, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}

	var results []*goose.MigrationResult
	switch {
	case current == target:
		return nil
	case current < target:
		results, err = r.provider.UpTo(ctx, target)
	default:
		results, err = r.provider.DownTo(ctx, target)
	}
	r.report(ctx, results...)
	if err != nil {
		return fmt.Errorf("goose to %d: %w", target, err)
	}
	return nil
}

func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	rows, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("goose status: %w", err)
	}
	out := make([]Status, 0, len(rows))
	for _, row := range rows {
		out = append(out, Status{
			Version:   row.Source.Version,
			Path:      row.Source.Path,
			Applied:   row.State == goose.StateApplied,
			AppliedAt: row.AppliedAt,
		})
	}
	return out, nil
}

func (r *Runner) report(ctx context.Context, results ...*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		fields := map[string]any{
			"version":     res.Source.Version,
			"direction":   res.Direction,
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.Error != nil {
			r.logg.Error(r.logg.WithFields(ctx, fields), "migration failed", res.Error)
			continue
		}
		r.logg.Info(r.logg.WithFields(ctx, fields), "migration applied")
	}
}

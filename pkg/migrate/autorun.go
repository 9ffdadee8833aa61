package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

// MaybeRunDev brings the schema up to date when running in dev mode with the
// auto-migrate flag. SQLite databases are migrated from the GORM models,
// Postgres from the embedded goose files.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}

	if cfg.FeatureFlags.UseSQLite {
		ctx = logg.WithField(ctx, "dialect", "sqlite")
		logg.Info(ctx, "auto-migrating models")
		if err := client.DB().WithContext(ctx).AutoMigrate(models.All()...); err != nil {
			return fmt.Errorf("auto-migrate models: %w", err)
		}
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	fsys, err := Migrations("")
	if err != nil {
		return err
	}
	runner, err := NewRunner(sqlDB, fsys, logg)
	if err != nil {
		return err
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "dialect": "postgres"})
	logg.Info(ctx, "running embedded migrations")
	return runner.Up(ctx)
}

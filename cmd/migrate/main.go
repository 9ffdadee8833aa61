package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
	"github.com/angelmondragon/voucherz-backend/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "up|down|status|to|create|validate")
	dir := flag.String("dir", "", "migrations directory; empty uses the embedded set")
	name := flag.String("name", "", "migration name for -cmd=create")
	version := flag.String("version", "", "target YYYYMMDDHHMMSS for -cmd=to")
	flag.Parse()

	// create and validate work on files only
	switch *cmd {
	case "create":
		target := *dir
		if target == "" {
			target = migrate.DefaultDir
		}
		path, err := migrate.CreateSQLMigration(target, *name, time.Now())
		exitOn(err, "create migration")
		fmt.Println("created migration:", path)
		return
	case "validate":
		fsys, err := migrate.Migrations(*dir)
		exitOn(err, "open migrations")
		exitOn(migrate.Validate(fsys), "validate migrations")
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := config.Load()
	exitOn(err, "load config")
	if cfg.FeatureFlags.UseSQLite {
		exitOn(errors.New("goose migrations target postgres; sqlite is auto-migrated from models"), "select database")
	}

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{"env": cfg.App.Env, "cmd": *cmd})

	dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags, logg)
	exitOn(err, "connect database")
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	exitOn(err, "sql database")
	fsys, err := migrate.Migrations(*dir)
	exitOn(err, "open migrations")
	runner, err := migrate.NewRunner(sqlDB, fsys, logg)
	exitOn(err, "migration runner")

	switch *cmd {
	case "up":
		err = runner.Up(ctx)
	case "down":
		err = runner.Down(ctx)
	case "to":
		if *version == "" {
			err = errors.New("missing -version")
			break
		}
		err = runner.To(ctx, *version)
	case "status":
		err = printStatus(ctx, runner)
	default:
		err = fmt.Errorf("unknown -cmd value %q", *cmd)
	}
	if err != nil {
		logg.Error(ctx, "migration command failed", err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, runner *migrate.Runner) error {
	rows, err := runner.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, row := range rows {
		state, at := "pending", "-"
		if row.Applied {
			state, at = "applied", row.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", row.Version, state, at, row.Path)
	}
	return tw.Flush()
}

func exitOn(err error, step string) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", step, err)
	os.Exit(1)
}

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"StabilityPool/internal/config"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", os.Getenv("SP_CONFIG"), "path to TOML config file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config file] <up|down|pending>")
		fmt.Fprintln(os.Stderr, "  up      - apply all pending migrations")
		fmt.Fprintln(os.Stderr, "  down    - roll back the last migration")
		fmt.Fprintln(os.Stderr, "  pending - list migrations not yet applied")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment overrides: SP_POSTGRES_DSN, SP_MIGRATIONS_DIR")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "pending":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("list pending")
		}
		for _, v := range pending {
			fmt.Println(v)
		}
		logger.Info().Int("count", len(pending)).Msg("pending migrations")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}

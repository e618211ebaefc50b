package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wolfman30/clinic-assistant/cmd/mainconfig"
	appconfig "github.com/wolfman30/clinic-assistant/internal/config"
	"github.com/wolfman30/clinic-assistant/migrations"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// Usage:
//
//	migrate            apply all pending migrations
//	migrate down N     roll back N migrations
//	migrate force V    mark version V as clean
func main() {
	mainconfig.LoadEnv()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("migrate")

	if err := run(cfg.DatabaseURL, os.Args[1:]); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete")
}

func run(databaseURL string, args []string) error {
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	cmd, n, err := parseArgs(args)
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("db driver: %w", err)
	}
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch cmd {
	case "force":
		return m.Force(n)
	case "down":
		err = m.Steps(-n)
	default:
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", cmd, err)
	}
	return nil
}

func parseArgs(args []string) (string, int, error) {
	if len(args) == 0 || args[0] == "up" {
		return "up", 0, nil
	}
	cmd := args[0]
	if cmd != "down" && cmd != "force" {
		return "", 0, fmt.Errorf("unknown command %q", cmd)
	}
	if len(args) < 2 {
		return "", 0, fmt.Errorf("%s needs a number", cmd)
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || (cmd == "down" && n <= 0) {
		return "", 0, fmt.Errorf("invalid %s argument %q", cmd, args[1])
	}
	return cmd, n, nil
}

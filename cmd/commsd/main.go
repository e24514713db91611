// Package main is the entrypoint for commsd, the module communication service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/morezero/module-comms/internal/config"
	"github.com/morezero/module-comms/internal/server"
	"github.com/morezero/module-comms/pkg/bootstrap"
	"github.com/morezero/module-comms/pkg/db"
)

const usage = `Usage: commsd [command]
       commsd serve               Start the comms service (NATS, HTTP health, message and event buses).
       commsd migrate up          Run Postgres migrations.
       commsd migrate status      Show applied and pending migrations.
       commsd clear               Delete all stored events, snapshots and dead letters; schema is preserved.
       commsd manifest [file]     Validate a module manifest and print a summary.

Commands:
  serve           (default) Start the comms service.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  clear           Truncate the backing store (Postgres or SQLite, per STORE_DRIVER).
  manifest [file] Validate the manifest (default: MANIFEST_FILE, config/manifest.json, manifest.json).

Environment: COMMS_URL, STORE_DRIVER (memory, postgres, sqlite), DATABASE_URL, SQLITE_PATH,
MIGRATION_PATH, MANIFEST_FILE, COMMS_HTTP_ADDR (default :8080). See README.
`

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n%s", err, usage)
			os.Exit(1)
		}
		log.Fatalf("commsd: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "serve", "":
		return server.Run()
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("%w: migrate requires a subcommand (up, status)", errUsage)
		}
		switch args[1] {
		case "up":
			return runMigrateUp()
		case "status":
			return runMigrateStatus(out)
		default:
			return fmt.Errorf("%w: unknown migrate subcommand %q", errUsage, args[1])
		}
	case "clear":
		return runClear()
	case "manifest":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		return runManifest(file, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func loadDBConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMigrateUp() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus(out io.Writer) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	state, err := db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	if err != nil {
		return err
	}
	printMigrationState(out, state)
	return nil
}

func printMigrationState(out io.Writer, state db.MigrationState) {
	fmt.Fprintf(out, "Applied (%d):\n", len(state.Applied))
	for _, name := range state.Applied {
		fmt.Fprintf(out, "  %s\n", name)
	}
	fmt.Fprintf(out, "Pending (%d):\n", len(state.Pending))
	for _, name := range state.Pending {
		fmt.Fprintf(out, "  %s\n", name)
	}
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	if cfg.StoreDriver == config.DriverSQLite {
		s, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer s.Close()
		return s.Clear(ctx)
	}

	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.ClearStore(ctx, pool); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}

func runManifest(file string, out io.Writer) error {
	m, err := bootstrap.LoadManifest(file)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Manifest %s %s: %d modules, %d capabilities\n", m.Name, m.Version, len(m.Modules), m.CapabilityCount())
	for _, mod := range m.Modules {
		ids := make([]string, 0, len(mod.Capabilities))
		for _, c := range mod.Capabilities {
			ids = append(ids, c.ID)
		}
		fmt.Fprintf(out, "  %-20s %-10s %-13s %s\n", mod.ID, statusOrActive(string(mod.Status)), mod.SecurityLevel, strings.Join(ids, ","))
	}
	return nil
}

func statusOrActive(s string) string {
	if s == "" {
		return "active"
	}
	return s
}

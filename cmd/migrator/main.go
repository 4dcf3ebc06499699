// Package main provides the database migration CLI tool for TestWatch.
//
// This migrator implements embedded migrations with golang-migrate, supporting
// up/down/status/version/drop commands for zero-config deployment: the binary
// carries its own schema via go:embed.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
)

const (
	version = "1.0.0-dev"
	name    = "migrator"
)

// ErrUnknownCommand is returned for an unrecognized CLI command.
var ErrUnknownCommand = errors.New("unknown command")

// ErrDropRequiresForce is returned when drop is used without --force.
var ErrDropRequiresForce = errors.New("drop command requires --force flag for safety (this will destroy all data)")

func main() {
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		force       = flag.Bool("force", false, "Force dangerous operations without confirmation")
	)
	flag.Parse()

	if *showVersion {
		printVersionInfo()
		os.Exit(0)
	}

	if *configHelp {
		printUsage()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := executeCommand(command, runner, *force); err != nil {
		log.Printf("Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// executeCommand runs the specified migration command.
func executeCommand(command string, runner MigrationRunner, force bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !force {
			return ErrDropRequiresForce
		}

		return runner.Drop()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func printVersionInfo() {
	embeddedMigration := NewEmbeddedMigration(nil)

	maxSchema := 0

	if files, err := embeddedMigration.ListEmbeddedMigrations(); err == nil {
		for _, filename := range files {
			if migration, err := embeddedMigration.parseMigrationFilename(filename); err == nil {
				if migration.Sequence > maxSchema {
					maxSchema = migration.Sequence
				}
			}
		}
	}

	log.Printf("%s v%s", name, version)
	log.Printf("Max Schema Version: v%03d", maxSchema)
	log.Printf("Database Migration Tool for TestWatch")
}

func printUsage() {
	log.Printf(`%s v%s - Database Migration Tool for TestWatch

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all tables (DESTRUCTIVE - requires --force flag)

OPTIONS:
    --help     Show this help message
    --version  Show version information
    --force    Force dangerous operations without confirmation

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (REQUIRED)
    MIGRATION_TABLE  Name of migration tracking table (default: schema_migrations)

EXAMPLES:
    %s up                   # Apply all pending migrations
    %s status                # Show current migration status
    %s down                  # Rollback last migration
    %s drop --force          # Drop all tables (DESTRUCTIVE)
    %s --version              # Show version information
`, name, version, name, name, name, name, name, name)
}

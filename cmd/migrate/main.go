// Command migrate applies or rolls back the Postgres room store schema.
//
//	migrate up
//	migrate down [steps]
//	migrate version
//
// The database comes from store.postgres_url (CHAT_STORE_POSTGRES_URL or
// DATABASE_URL). CHAT_CONFIG names an optional config file.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/jummah/chat-server/internal/config"
	"github.com/jummah/chat-server/internal/logging"
	"github.com/jummah/chat-server/internal/store"
)

func main() {
	logger := logging.Init(logging.Config{Level: "info", ServiceName: "chat-migrate"})

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up | down [steps] | version")
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv("CHAT_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Store.PostgresURL == "" {
		logger.Fatal().Msg("store.postgres_url is not set")
	}

	db, err := sql.Open("postgres", cfg.Store.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	if err := run(db, os.Args[1], os.Args[2:], logger); err != nil {
		logger.Error().Err(err).Str("command", os.Args[1]).Msg("migration failed")
		db.Close()
		os.Exit(1)
	}
}

func run(db *sql.DB, cmd string, args []string, logger zerolog.Logger) error {
	switch cmd {
	case "up":
		if err := store.Migrate(db); err != nil {
			return err
		}
	case "down":
		steps := 1
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("migrate: invalid step count %q", args[0])
			}
			steps = n
		}
		if err := store.MigrateDown(db, steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("migrate: unknown command %q", cmd)
	}

	v, dirty, err := store.SchemaVersion(db)
	if err != nil {
		return err
	}
	logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema version")
	return nil
}

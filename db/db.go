package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

// Open opens (or creates) the controller database and applies the schema.
func Open(dbPath string) (*sql.DB, error) {
	handle, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(handle); err != nil {
		handle.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("Database opened")
	return handle, nil
}

// ApplyMigrations creates the schema and seeds one row per relay channel.
func ApplyMigrations(handle *sql.DB) error {
	tx, err := handle.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`CREATE TABLE IF NOT EXISTS module (
		id INTEGER PRIMARY KEY CHECK(id=1),
		device_type INTEGER NOT NULL DEFAULT 0,
		fw_major INTEGER NOT NULL DEFAULT 0,
		fw_minor INTEGER NOT NULL DEFAULT 0,
		address INTEGER NOT NULL DEFAULT 0,
		baud_rate INTEGER NOT NULL DEFAULT 0,
		parity TEXT NOT NULL DEFAULT 'none',
		reply_delay_units INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create module table: %w", err)
	}

	_, err = tx.Exec(`CREATE TABLE IF NOT EXISTS relay_channels (
		channel INTEGER PRIMARY KEY CHECK(channel BETWEEN 1 AND 8),
		is_on BOOLEAN NOT NULL DEFAULT FALSE,
		mode TEXT NOT NULL DEFAULT 'normal',
		state_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		last_command_success BOOLEAN NOT NULL DEFAULT TRUE,
		last_update TEXT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create relay_channels table: %w", err)
	}

	_, err = tx.Exec(`CREATE TABLE IF NOT EXISTS command_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		channel INTEGER NOT NULL,
		action TEXT NOT NULL,
		delay_seconds INTEGER NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL,
		error TEXT
	)`)
	if err != nil {
		return fmt.Errorf("failed to create command_log table: %w", err)
	}

	_, err = tx.Exec(`INSERT OR IGNORE INTO module (id) VALUES (1)`)
	if err != nil {
		return fmt.Errorf("failed to seed module record: %w", err)
	}

	for ch := 1; ch <= model.NumChannels; ch++ {
		_, err = tx.Exec(`INSERT OR IGNORE INTO relay_channels (channel) VALUES (?)`, ch)
		if err != nil {
			return fmt.Errorf("failed to seed channel %d: %w", ch, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	return nil
}

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

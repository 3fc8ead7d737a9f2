package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Each migration is applied exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "relay outcomes",
		SQL: `
		CREATE TABLE IF NOT EXISTS relays (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id      TEXT NOT NULL,
			sender          TEXT NOT NULL DEFAULT '',
			business_phone  TEXT NOT NULL DEFAULT '',
			bot_id          TEXT NOT NULL DEFAULT '',
			stage           TEXT NOT NULL,
			status          TEXT NOT NULL,
			kind            TEXT NOT NULL,
			error           TEXT NOT NULL DEFAULT '',
			text_segments   INTEGER NOT NULL DEFAULT 0,
			image_segments  INTEGER NOT NULL DEFAULT 0,
			error_segments  INTEGER NOT NULL DEFAULT 0,
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_relays_time ON relays(created_at);
		`,
	},
	{
		Version:     2,
		Description: "delivery report columns",
		SQL: `
		ALTER TABLE relays ADD COLUMN images_sent INTEGER NOT NULL DEFAULT 0;
		ALTER TABLE relays ADD COLUMN images_failed INTEGER NOT NULL DEFAULT 0;
		ALTER TABLE relays ADD COLUMN read_marked INTEGER NOT NULL DEFAULT 0;
		CREATE INDEX IF NOT EXISTS idx_relays_kind ON relays(kind, created_at);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying journal migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// GetSchemaVersion returns the highest applied migration, 0 for a fresh DB.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

package database

import "fmt"

// Migration represents a database migration
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all database migrations
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Folder tree known from LIST, with server-side counters
			CREATE TABLE folders (
				name TEXT PRIMARY KEY,
				separator TEXT NOT NULL DEFAULT '/',
				subscribed INTEGER NOT NULL DEFAULT 0,
				uidvalidity INTEGER NOT NULL DEFAULT 0,
				uidnext INTEGER NOT NULL DEFAULT 0,
				highestmodseq INTEGER NOT NULL DEFAULT 0,
				exists_on_server INTEGER NOT NULL DEFAULT 0,
				unread_on_server INTEGER NOT NULL DEFAULT 0,

				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);

			-- Per-folder message summary, ordered by UID
			CREATE TABLE messages (
				folder TEXT NOT NULL REFERENCES folders(name) ON DELETE CASCADE,
				uid INTEGER NOT NULL,
				size INTEGER NOT NULL DEFAULT 0,
				flags INTEGER NOT NULL DEFAULT 0,
				user_flags TEXT NOT NULL DEFAULT '',
				server_flags INTEGER NOT NULL DEFAULT 0,
				server_user_flags TEXT NOT NULL DEFAULT '',
				folder_flagged INTEGER NOT NULL DEFAULT 0,
				modseq INTEGER NOT NULL DEFAULT 0,
				internal_date TEXT NOT NULL DEFAULT '',

				subject TEXT NOT NULL DEFAULT '',
				from_addr TEXT NOT NULL DEFAULT '',
				to_addr TEXT NOT NULL DEFAULT '',
				date TEXT NOT NULL DEFAULT '',
				message_id TEXT NOT NULL DEFAULT '',
				in_reply_to TEXT NOT NULL DEFAULT '',

				PRIMARY KEY (folder, uid)
			);

			CREATE INDEX idx_messages_dirty ON messages(folder, folder_flagged);
		`,
	},
}

// migrate applies any migrations newer than the stored schema version.
func (db *DB) migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

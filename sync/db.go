package sync

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS file_index (
    namespace    TEXT NOT NULL,
    path         TEXT NOT NULL,
    basename     TEXT NOT NULL,
    is_dir       INTEGER NOT NULL DEFAULT 0,
    mtime        INTEGER NOT NULL DEFAULT 0,
    size         INTEGER NOT NULL DEFAULT 0,
    etag         TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    last_synced  INTEGER NOT NULL DEFAULT 0,
    parent_path  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (namespace, path)
);

CREATE INDEX IF NOT EXISTS idx_file_index_parent ON file_index (namespace, parent_path);
CREATE INDEX IF NOT EXISTS idx_file_index_mtime  ON file_index (namespace, mtime);

CREATE TABLE IF NOT EXISTS dir_mtime (
    namespace    TEXT NOT NULL,
    path         TEXT NOT NULL,
    mtime        INTEGER NOT NULL DEFAULT 0,
    last_checked INTEGER NOT NULL DEFAULT 0,
    child_count  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (namespace, path)
);

CREATE TABLE IF NOT EXISTS sync_progress (
    namespace       TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    start_time      INTEGER NOT NULL,
    phase           TEXT NOT NULL,
    processed_count INTEGER NOT NULL DEFAULT 0,
    total_count     INTEGER NOT NULL DEFAULT 0,
    current_path    TEXT NOT NULL DEFAULT '',
    pending         TEXT NOT NULL DEFAULT '[]',
    completed       TEXT NOT NULL DEFAULT '[]',
    failed          TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// OpenDB opens (or creates) the index cache database at the given path.
// All namespaces share one database file; per-namespace isolation is a
// key prefix, not a separate file.
func OpenDB(dbPath string) (*sql.DB, error) {
	l := sub("db")
	l.Info("opening index database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	// modernc.org/sqlite applies busy_timeout per connection, so a pool of
	// more than one connection can hand a writer a fresh connection that
	// never saw the pragma and fails immediately with SQLITE_BUSY instead
	// of waiting. Pin the pool to a single connection to serialize access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l.Debug("PRAGMA journal_mode=WAL")

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	l.Debug("PRAGMA busy_timeout=5000")

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	l := sub("db")
	var version int
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		// meta table doesn't exist or no row — fresh database
		if _, execErr := db.Exec(schema); execErr != nil {
			return fmt.Errorf("create schema: %w", execErr)
		}
		_, execErr := db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
		if execErr != nil {
			return fmt.Errorf("set schema version: %w", execErr)
		}
		l.Info("schema created", "version", schemaVersion)
		return nil
	}

	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	l.Debug("schema up to date", slog.Int("version", version))
	return nil
}

package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// dsnOptions enables WAL so scan writes do not block readers of the same
// file, waits out short lock contention, and enforces foreign keys.
const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// DB is a wrapper around sql.DB
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, err
	}

	// Test the connection
	if err = db.Ping(); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Initialize sets up the database tables
func (db *DB) Initialize() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS artists (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			musicbrainz_artist_id TEXT,
			spotify_artist_id TEXT,
			discogs_artist_id TEXT,
			spotify_popularity INTEGER,
			genres TEXT, -- JSON array
			tags TEXT, -- JSON array
			last_scanned_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS albums (
			id TEXT PRIMARY KEY,
			artist_id TEXT NOT NULL,
			artist TEXT NOT NULL,
			title TEXT NOT NULL,
			normalized_title TEXT NOT NULL,
			album_type TEXT NOT NULL DEFAULT 'unknown',
			release_year INTEGER,
			total_tracks INTEGER NOT NULL DEFAULT 0,
			is_compilation BOOLEAN NOT NULL DEFAULT 0,
			is_live BOOLEAN NOT NULL DEFAULT 0,
			is_unplugged BOOLEAN NOT NULL DEFAULT 0,
			cover_art_url TEXT,
			last_scanned_at TIMESTAMP,
			FOREIGN KEY (artist_id) REFERENCES artists(id)
		)`,
		`CREATE TABLE IF NOT EXISTS tracks (
			id TEXT PRIMARY KEY,
			album_id TEXT NOT NULL,
			artist TEXT NOT NULL,
			album TEXT NOT NULL,
			title TEXT NOT NULL,
			track_number INTEGER NOT NULL DEFAULT 0,
			disc_number INTEGER NOT NULL DEFAULT 0,
			duration_seconds INTEGER,
			genre TEXT,
			isrc TEXT,
			musicbrainz_recording_id TEXT,
			spotify_track_id TEXT,
			spotify_artist_id TEXT,
			spotify_album_type TEXT,
			discogs_release_id INTEGER,
			popularity_score REAL,
			global_popularity REAL,
			album_zscore REAL,
			stars INTEGER,
			is_single BOOLEAN NOT NULL DEFAULT 0,
			single_confidence TEXT,
			single_sources TEXT, -- JSON array
			is_compilation BOOLEAN NOT NULL DEFAULT 0,
			user_override_mask INTEGER NOT NULL DEFAULT 0,
			last_scanned_at TIMESTAMP,
			metadata_last_updated TIMESTAMP,
			FOREIGN KEY (album_id) REFERENCES albums(id)
		)`,
		`CREATE TABLE IF NOT EXISTS scan_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			artist_id TEXT NOT NULL,
			artist TEXT NOT NULL,
			album_id TEXT NOT NULL,
			album TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			outcome TEXT NOT NULL,
			tracks_scanned INTEGER NOT NULL DEFAULT 0,
			singles_detected INTEGER NOT NULL DEFAULT 0,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS signal_cache (
			provider TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT, -- NULL marks a cached negative result
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (provider, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_artist_album ON tracks(artist, album)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_isrc ON tracks(isrc)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_spotify_track_id ON tracks(spotify_track_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_stars ON tracks(stars)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_is_single ON tracks(is_single)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_album ON scan_history(artist_id, album_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_cache_expiry ON signal_cache(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return nil
}

// columnSpec is one column that may be missing from a database created by an
// older build.
type columnSpec struct {
	table  string
	column string
	ddl    string
}

// migrations lists columns added after the original schema. Initialize
// creates current-shape tables, so these only fire against older files.
var migrations = []columnSpec{
	{"artists", "tags", "TEXT"},
	{"albums", "is_unplugged", "BOOLEAN NOT NULL DEFAULT 0"},
	{"tracks", "album_zscore", "REAL"},
	{"tracks", "single_sources", "TEXT"},
	{"tracks", "user_override_mask", "INTEGER NOT NULL DEFAULT 0"},
	{"tracks", "metadata_last_updated", "TIMESTAMP"},
}

// Migrate adds any missing columns to existing tables. It is safe to run on
// every startup.
func (db *DB) Migrate() error {
	for _, m := range migrations {
		exists, err := db.hasColumn(m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.ddl)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (db *DB) hasColumn(table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// execer is satisfied by both *sql.DB and *sql.Tx so entity writes can run
// standalone or inside the per-album transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// encodeStrings stores a slice as a JSON array, or NULL when empty.
func encodeStrings(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// decodeStrings reverses encodeStrings.
func decodeStrings(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil, err
	}
	return values, nil
}

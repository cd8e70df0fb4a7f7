package db

import (
	"database/sql"
	"time"
)

// CacheGet looks up a cached provider payload. ok is false when the entry is
// absent or expired. A present entry with a nil payload is a cached negative
// result: the provider was asked and had nothing.
func (db *DB) CacheGet(provider, key string) (payload []byte, ok bool, err error) {
	var raw sql.NullString
	var expiresAt time.Time

	err = db.QueryRow(`
	SELECT payload_json, expires_at FROM signal_cache
	WHERE provider = ? AND key = ?`, provider, key).Scan(&raw, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !expiresAt.After(time.Now().UTC()) {
		return nil, false, nil
	}

	if !raw.Valid {
		return nil, true, nil
	}
	return []byte(raw.String), true, nil
}

// CachePut stores a provider payload under (provider, key) for ttl. A nil
// payload records a negative result.
func (db *DB) CachePut(provider, key string, payload []byte, ttl time.Duration) error {
	var raw any
	if payload != nil {
		raw = string(payload)
	}
	expiresAt := time.Now().UTC().Add(ttl)

	_, err := db.Exec(`
	INSERT INTO signal_cache (provider, key, payload_json, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(provider, key) DO UPDATE SET
		payload_json = excluded.payload_json,
		expires_at = excluded.expires_at`,
		provider, key, raw, expiresAt)

	return err
}

// CachePurgeExpired deletes entries past their expiry and reports how many
// went. Intended to run once per scan pass.
func (db *DB) CachePurgeExpired() (int64, error) {
	result, err := db.Exec(`DELETE FROM signal_cache WHERE expires_at <= ?`,
		time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

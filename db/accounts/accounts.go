package accounts

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/starling-fm/starling/db"
)

// Account is one user's provider credential set. Empty fields mean the
// provider is not configured for that user.
type Account struct {
	ID                  int64
	Name                string
	LastFMAPIKey        string
	LastFMSessionKey    string
	ListenBrainzToken   string
	DiscogsToken        string
	SpotifyClientID     string
	SpotifyClientSecret string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Manager stores accounts in the database with an in-memory cache in front.
type Manager struct {
	db       *db.DB
	accounts map[string]*Account
	mu       sync.RWMutex
}

// NewManager creates an account manager
func NewManager(database *db.DB) *Manager {
	// Initialize accounts table if it doesn't exist
	_, err := database.Exec(`
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		lastfm_api_key TEXT,
		lastfm_session_key TEXT,
		listenbrainz_token TEXT,
		discogs_token TEXT,
		spotify_client_id TEXT,
		spotify_client_secret TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)`)

	if err != nil {
		log.Printf("Error creating accounts table: %v", err)
	}

	return &Manager{
		db:       database,
		accounts: make(map[string]*Account),
	}
}

// Save upserts an account by name and refreshes the cache entry.
func (m *Manager) Save(account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	_, err := m.db.Exec(`
	INSERT INTO accounts (name, lastfm_api_key, lastfm_session_key, listenbrainz_token,
		discogs_token, spotify_client_id, spotify_client_secret, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		lastfm_api_key = excluded.lastfm_api_key,
		lastfm_session_key = excluded.lastfm_session_key,
		listenbrainz_token = excluded.listenbrainz_token,
		discogs_token = excluded.discogs_token,
		spotify_client_id = excluded.spotify_client_id,
		spotify_client_secret = excluded.spotify_client_secret,
		updated_at = excluded.updated_at`,
		account.Name, account.LastFMAPIKey, account.LastFMSessionKey,
		account.ListenBrainzToken, account.DiscogsToken, account.SpotifyClientID,
		account.SpotifyClientSecret, now, now)
	if err != nil {
		return err
	}

	stored, err := m.load(account.Name)
	if err != nil {
		return err
	}
	m.accounts[account.Name] = stored
	return nil
}

// Get retrieves an account by name, checking the in-memory cache first.
func (m *Manager) Get(name string) (*Account, bool) {
	m.mu.RLock()
	account, exists := m.accounts[name]
	m.mu.RUnlock()

	if exists {
		return account, true
	}

	account, err := m.load(name)
	if err != nil || account == nil {
		return nil, false
	}

	m.mu.Lock()
	m.accounts[name] = account
	m.mu.Unlock()

	return account, true
}

func (m *Manager) load(name string) (*Account, error) {
	account := &Account{}

	err := m.db.QueryRow(`
	SELECT id, name, lastfm_api_key, lastfm_session_key, listenbrainz_token,
		discogs_token, spotify_client_id, spotify_client_secret, created_at, updated_at
	FROM accounts WHERE name = ?`, name).Scan(
		&account.ID, &account.Name, &account.LastFMAPIKey, &account.LastFMSessionKey,
		&account.ListenBrainzToken, &account.DiscogsToken, &account.SpotifyClientID,
		&account.SpotifyClientSecret, &account.CreatedAt, &account.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return account, nil
}

// Delete removes an account.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	delete(m.accounts, name)
	m.mu.Unlock()

	_, err := m.db.Exec("DELETE FROM accounts WHERE name = ?", name)
	return err
}

// List retrieves all accounts ordered by name.
func (m *Manager) List() ([]*Account, error) {
	rows, err := m.db.Query(`
	SELECT id, name, lastfm_api_key, lastfm_session_key, listenbrainz_token,
		discogs_token, spotify_client_id, spotify_client_secret, created_at, updated_at
	FROM accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account := &Account{}
		err := rows.Scan(
			&account.ID, &account.Name, &account.LastFMAPIKey, &account.LastFMSessionKey,
			&account.ListenBrainzToken, &account.DiscogsToken, &account.SpotifyClientID,
			&account.SpotifyClientSecret, &account.CreatedAt, &account.UpdatedAt)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

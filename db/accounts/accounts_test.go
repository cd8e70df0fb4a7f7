package accounts

import (
	"testing"

	"github.com/starling-fm/starling/db"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return NewManager(database)
}

func TestSaveAndGet(t *testing.T) {
	manager := newTestManager(t)

	account := &Account{
		Name:              "alice",
		LastFMAPIKey:      "lfm-key",
		ListenBrainzToken: "lb-token",
		DiscogsToken:      "dc-token",
		SpotifyClientID:   "sp-id",
	}
	if err := manager.Save(account); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, ok := manager.Get("alice")
	if !ok {
		t.Fatal("Expected account, got none")
	}
	if got.LastFMAPIKey != "lfm-key" || got.ListenBrainzToken != "lb-token" {
		t.Errorf("Unexpected credentials: %+v", got)
	}
	if got.ID == 0 {
		t.Error("Expected assigned ID")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}
}

func TestSaveUpdatesExisting(t *testing.T) {
	manager := newTestManager(t)

	if err := manager.Save(&Account{Name: "alice", DiscogsToken: "old"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := manager.Save(&Account{Name: "alice", DiscogsToken: "new"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, ok := manager.Get("alice")
	if !ok {
		t.Fatal("Expected account, got none")
	}
	if got.DiscogsToken != "new" {
		t.Errorf("Expected updated token, got %q", got.DiscogsToken)
	}

	all, err := manager.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 account after upsert, got %d", len(all))
	}
}

func TestGetMissing(t *testing.T) {
	manager := newTestManager(t)

	if _, ok := manager.Get("nobody"); ok {
		t.Error("Expected no account")
	}
}

func TestGetBypassesCacheAfterDirectInsert(t *testing.T) {
	manager := newTestManager(t)

	if err := manager.Save(&Account{Name: "alice"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A second manager over the same handle starts with a cold cache and
	// must fall back to the table.
	fresh := &Manager{db: manager.db, accounts: map[string]*Account{}}
	if _, ok := fresh.Get("alice"); !ok {
		t.Error("Expected cold-cache lookup to hit the table")
	}
}

func TestDelete(t *testing.T) {
	manager := newTestManager(t)

	if err := manager.Save(&Account{Name: "alice"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := manager.Delete("alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := manager.Get("alice"); ok {
		t.Error("Expected account gone after delete")
	}
}

func TestList(t *testing.T) {
	manager := newTestManager(t)

	for _, name := range []string{"carol", "alice", "bob"} {
		if err := manager.Save(&Account{Name: name}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	all, err := manager.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 accounts, got %d", len(all))
	}
	if all[0].Name != "alice" || all[2].Name != "carol" {
		t.Errorf("Expected name order, got %s %s %s", all[0].Name, all[1].Name, all[2].Name)
	}
}

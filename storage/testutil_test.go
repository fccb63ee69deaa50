package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddSession(t *testing.T, store *Store, sessionID, role string) {
	t.Helper()

	err := store.UpsertSession(Session{
		SessionID: sessionID,
		Role:      role,
		Status:    "connecting",
	})
	if err != nil {
		t.Fatalf("add session %q: %v", sessionID, err)
	}
}

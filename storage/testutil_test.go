package storage

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, "")
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

func mustInsertPeer(t *testing.T, store *Store, guid, id string) {
	t.Helper()

	err := store.InsertPeer(context.Background(), Peer{
		GUID: []byte(guid),
		ID:   id,
		UUID: []byte("uuid-" + id),
		PK:   []byte("pk-" + id),
		Info: `{"ip":"10.0.0.1"}`,
	})
	if err != nil {
		t.Fatalf("insert peer %q: %v", id, err)
	}
}

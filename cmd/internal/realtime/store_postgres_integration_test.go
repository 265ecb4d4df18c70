package realtime

import (
	"testing"

	"livedesk/cmd/internal/pgdb/pgtest"
)

func TestPostgresStore_Contract(t *testing.T) {
	pool, schema := pgtest.Open(t)

	testStoreContract(t, func(t *testing.T) MessageStore {
		s, err := NewPostgresStore(pool, schema)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		return s
	})
}

func TestNewPostgresStore_Validation(t *testing.T) {
	if _, err := NewPostgresStore(nil, ""); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) Repository {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "concierge.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runRepositoryContract(t, newTestSQLite)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestSQLite(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSQLiteStore_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "concierge.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	mustCreate(t, s, "persisted", 11)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetConciergeSession(context.Background(), "persisted")
	if err != nil {
		t.Fatalf("GetConciergeSession: %v", err)
	}
	if got == nil || got.ContractorID != 11 {
		t.Fatalf("expected persisted row, got %+v", got)
	}
}

func TestOpen(t *testing.T) {
	repo, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "c.db")})
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer repo.Close()
	if _, ok := repo.(*SQLiteStore); !ok {
		t.Fatalf("expected *SQLiteStore, got %T", repo)
	}

	if _, err := Open(Config{Driver: "mysql"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for postgres without DATABASE_URL")
	}
}

package storage

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestStore(t *testing.T, dek []byte) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", dek)
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_PutGetUpdateDelete(t *testing.T) {
	s := newTestStore(t, nil)

	if err := s.Put("p1", "binding", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Second Put on the same key must fail
	if err := s.Put("p1", "binding", []byte("v2")); err != ErrExists {
		t.Errorf("Expected ErrExists on duplicate Put, got %v", err)
	}

	got, err := s.Get("p1", "binding")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Errorf("Expected v1, got %q", got)
	}

	if err := s.Update("p1", "binding", []byte("v3")); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = s.Get("p1", "binding")
	if !bytes.Equal(got, []byte("v3")) {
		t.Errorf("Expected v3 after update, got %q", got)
	}

	// Update on an absent key must fail
	if err := s.Update("p1", "missing", []byte("x")); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound on update of missing key, got %v", err)
	}

	if err := s.Delete("p1", "binding"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get("p1", "binding"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	// Delete is idempotent
	if err := s.Delete("p1", "binding"); err != nil {
		t.Errorf("Second delete failed: %v", err)
	}
}

func TestSQLiteStore_PartitionIsolation(t *testing.T) {
	s := newTestStore(t, nil)

	if err := s.Put("alice", "k", []byte("a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put("bob", "k", []byte("b")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("alice", "k")
	if err != nil || !bytes.Equal(got, []byte("a")) {
		t.Errorf("alice/k = %q, %v; want a", got, err)
	}

	if err := s.DeletePartition("alice"); err != nil {
		t.Fatalf("DeletePartition failed: %v", err)
	}
	if _, err := s.Get("alice", "k"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound in cleared partition, got %v", err)
	}
	if got, err := s.Get("bob", "k"); err != nil || !bytes.Equal(got, []byte("b")) {
		t.Errorf("bob/k = %q, %v; want b untouched", got, err)
	}
}

func TestSQLiteStore_EncryptedValues(t *testing.T) {
	dek := make([]byte, 32)
	rand.Read(dek)
	s := newTestStore(t, dek)

	plain := []byte("device binding record")
	if err := s.Put("p", "binding", plain); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("p", "binding")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Round trip mismatch: got %q", got)
	}

	// The raw row must not contain the plaintext
	var raw []byte
	err = s.db.QueryRow(`SELECT value FROM blobs WHERE partition = 'p' AND key = 'binding'`).Scan(&raw)
	if err != nil {
		t.Fatalf("Raw read failed: %v", err)
	}
	if bytes.Contains(raw, plain) {
		t.Error("Stored value contains plaintext despite DEK")
	}
}

func TestMemoryStore_Semantics(t *testing.T) {
	s := NewMemoryStore()

	if err := s.Put("p", "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put("p", "k", []byte("v")); err != ErrExists {
		t.Errorf("Expected ErrExists, got %v", err)
	}
	if err := s.Update("p", "missing", nil); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := s.Delete("p", "missing"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

package storage

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single SQLite table. When created with
// a 32-byte DEK (data encryption key), values are encrypted at rest with
// XChaCha20-Poly1305; keys and partitions stay in plaintext so lookups do
// not require decryption.
type SQLiteStore struct {
	db  *sql.DB
	dek []byte

	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for an ephemeral store. dek must be nil or exactly 32 bytes.
func NewSQLiteStore(path string, dek []byte) (*SQLiteStore, error) {
	if dek != nil && len(dek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("storage: DEK must be %d bytes", chacha20poly1305.KeySize)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, dek: dek}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		partition  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (partition, key)
	);
	CREATE INDEX IF NOT EXISTS idx_blobs_partition ON blobs(partition);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("storage: failed to create schema: %w", err)
	}
	return nil
}

// Get retrieves and (if a DEK is set) decrypts the value.
func (s *SQLiteStore) Get(partition, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow(`
		SELECT value FROM blobs WHERE partition = ? AND key = ?
	`, partition, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", partition, key, err)
	}
	return s.decrypt(value)
}

// Put inserts a new entry, failing if one already exists.
func (s *SQLiteStore) Put(partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(value)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO blobs (partition, key, value, updated_at)
		VALUES (?, ?, ?, ?)
	`, partition, key, enc, time.Now().Unix())
	if err != nil {
		if isConstraintErr(err) {
			return ErrExists
		}
		return fmt.Errorf("storage: put %s/%s: %w", partition, key, err)
	}
	return nil
}

// Update replaces an existing entry, failing if it is absent.
func (s *SQLiteStore) Update(partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(value)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE blobs SET value = ?, updated_at = ?
		WHERE partition = ? AND key = ?
	`, enc, time.Now().Unix(), partition, key)
	if err != nil {
		return fmt.Errorf("storage: update %s/%s: %w", partition, key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update %s/%s: %w", partition, key, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an entry. Deleting an absent entry is not an error.
func (s *SQLiteStore) Delete(partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		DELETE FROM blobs WHERE partition = ? AND key = ?
	`, partition, key); err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", partition, key, err)
	}
	return nil
}

// DeletePartition removes every entry in a partition.
func (s *SQLiteStore) DeletePartition(partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM blobs WHERE partition = ?`, partition); err != nil {
		return fmt.Errorf("storage: delete partition %s: %w", partition, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// encrypt seals value with XChaCha20-Poly1305 under the DEK, prepending the
// random nonce. Pass-through when no DEK is configured.
func (s *SQLiteStore) encrypt(value []byte) ([]byte, error) {
	if s.dek == nil {
		return value, nil
	}
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, value, nil), nil
}

func (s *SQLiteStore) decrypt(value []byte) ([]byte, error) {
	if s.dek == nil {
		return value, nil
	}
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(value) < nonceSize {
		return nil, fmt.Errorf("storage: ciphertext too short")
	}
	return aead.Open(nil, value[:nonceSize], value[nonceSize:], nil)
}

// isConstraintErr reports whether err is a primary-key violation. The
// modernc driver surfaces these as sqlite.Error with code 1555/2067; the
// string check keeps this driver-agnostic.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

package vm

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/naerbnic/loon/bytecode"
)

// ErrArtifactNotFound is returned by ArtifactStore.Get for unknown keys.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore is a content-addressed bytecode cache backed by sqlite.
// Keys are the hex SHA-256 of the serialized artifact, so identical
// bytecode stored twice occupies one row and a fetched blob can be
// re-hashed to detect corruption. Only artifacts that pass validation
// are admitted; a Get therefore never hands back bytes that Load would
// reject for structural reasons.
//
// The store is safe for concurrent use; database/sql serializes access
// and the busy timeout covers writer contention.
type ArtifactStore struct {
	db *sql.DB
}

const artifactSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// OpenArtifactStore opens (creating if needed) a store at path. Use
// ":memory:" for an ephemeral store.
func OpenArtifactStore(path string) (*ArtifactStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure artifact store: %w", err)
	}
	if _, err := db.Exec(artifactSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize artifact store: %w", err)
	}
	return &ArtifactStore{db: db}, nil
}

// Put validates and stores a serialized artifact, returning its key.
// Storing the same bytes again is a no-op with the same key.
func (s *ArtifactStore) Put(data []byte) (string, error) {
	if _, err := bytecode.Load(data); err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedBytecode, err)
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	_, err := s.db.Exec(
		"INSERT INTO artifacts (key, data) VALUES (?, ?) ON CONFLICT(key) DO NOTHING",
		key, data)
	if err != nil {
		return "", fmt.Errorf("store artifact %s: %w", key, err)
	}
	return key, nil
}

// Get returns the serialized artifact under key.
func (s *ArtifactStore) Get(key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM artifacts WHERE key = ?", key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", key, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != key {
		return nil, fmt.Errorf("%w: artifact %s content digest mismatch", ErrMalformedBytecode, key)
	}
	return data, nil
}

// Has reports whether an artifact is stored under key.
func (s *ArtifactStore) Has(key string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM artifacts WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check artifact %s: %w", key, err)
	}
	return true, nil
}

// List returns every stored key in insertion order.
func (s *ArtifactStore) List() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM artifacts ORDER BY created_at, key")
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Delete removes the artifact under key. Deleting an absent key is not
// an error.
func (s *ArtifactStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM artifacts WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *ArtifactStore) Close() error {
	return s.db.Close()
}

// Package offsets persists engine resume positions on the local disk.
//
// Each task gets its own badger directory under the node's data dir, so a
// restarted engine on the same node resumes where it stopped. Positions are
// opaque strings owned by the engine (a binlog file:pos, an LSN, ...).
package offsets

import (
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

const positionKey = "position"

// Store is a small key/value file for one task's offsets
type Store struct {
	db *badger.DB
}

// Open opens or creates the offset store at dir
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create offset dir %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offset store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Get returns the value stored under key and whether it exists
func (s *Store) Get(key string) (string, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read offset %s: %w", key, err)
	}
	return string(value), true, nil
}

// Put stores value under key
func (s *Store) Put(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("write offset %s: %w", key, err)
	}
	return nil
}

// Position returns the last committed resume position, if any
func (s *Store) Position() (string, bool, error) {
	return s.Get(positionKey)
}

// SavePosition commits the resume position
func (s *Store) SavePosition(pos string) error {
	return s.Put(positionKey, pos)
}

// Reset forgets every stored offset
func (s *Store) Reset() error {
	return s.db.DropAll()
}

// Close flushes and closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

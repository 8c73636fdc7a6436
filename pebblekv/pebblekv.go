// Package pebblekv persists the device cache in a Pebble database.
package pebblekv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"
)

const keyPrefix = "kv:"

// Storage is a chatsync.KeyValueStorage backed by Pebble. Every write is
// synced before it returns.
type Storage struct {
	db *pebble.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) GetItem(key string) (string, bool, error) {
	v, closer, err := s.db.Get([]byte(keyPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	// v is only valid until closer is closed.
	return string(v), true, nil
}

func (s *Storage) SetItem(key, value string) error {
	return s.db.Set([]byte(keyPrefix+key), []byte(value), pebble.Sync)
}

func (s *Storage) RemoveItem(key string) error {
	return s.db.Delete([]byte(keyPrefix+key), pebble.Sync)
}

// Keys returns the stored keys in order.
func (s *Storage) Keys() ([]string, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("kv;"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	prefix := []byte(keyPrefix)
	var keys []string
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, string(k[len(prefix):]))
	}
	return keys, it.Error()
}

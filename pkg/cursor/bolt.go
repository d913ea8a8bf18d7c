package cursor

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dbFileName       = "cursors.db"
	dbFilePermission = 0600
	cursorsBucket    = "cursors"
)

// byteOrder matches the teacher's convention (channeldb/db.go): big
// endian, so that raw key/value bytes sort the same way the integers do,
// which is convenient for anyone inspecting the file with a generic bolt
// browser.
var byteOrder = binary.BigEndian

// BoltStore is the default, zero-external-dependency Cursor Store backend:
// a single embedded bbolt file with one bucket, keyed by Key(name, chain).
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt-backed cursor store rooted
// at dataDir.
func OpenBolt(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create cursor data dir: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)

	db, err := bolt.Open(path, dbFilePermission, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt cursor store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cursorsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cursor bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Read implements Store.
func (s *BoltStore) Read(_ context.Context, name string, chain ChainKey, def uint64) (uint64, error) {
	var value uint64
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cursorsBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(Key(name, chain)))
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("corrupt cursor value for %s: %d bytes", Key(name, chain), len(raw))
		}
		value = byteOrder.Uint64(raw)
		found = true
		return nil
	})
	if err != nil {
		// Per spec.md §4.5, a read failure just falls back to the
		// configured default rather than propagating.
		return def, nil
	}
	if !found {
		return def, nil
	}
	return value, nil
}

// Write implements Store.
func (s *BoltStore) Write(_ context.Context, name string, chain ChainKey, block uint64) error {
	raw := make([]byte, 8)
	byteOrder.PutUint64(raw, block)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cursorsBucket))
		if b == nil {
			return fmt.Errorf("cursors bucket missing")
		}
		return b.Put([]byte(Key(name, chain)), raw)
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Package bolt implements store.Store on an embedded BoltDB file, one bucket per table.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/capitalize-ai/caddy-supervisor/internal/store"
)

// Store keeps each record as an 8 byte revision followed by the value.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file and its table buckets.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range store.Tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func encode(rev uint64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, rev)
	copy(buf[8:], value)
	return buf
}

func decode(raw []byte) (uint64, []byte) {
	if len(raw) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), append([]byte(nil), raw[8:]...)
}

func bucket(tx *bolt.Tx, table string) (*bolt.Bucket, error) {
	if tx.Writable() {
		return tx.CreateBucketIfNotExists([]byte(table))
	}
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) Get(_ context.Context, table string, key store.Key) (*store.Record, error) {
	var rec *store.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		raw := b.Get([]byte(key.String()))
		if raw == nil {
			return store.ErrNotFound
		}
		rev, value := decode(raw)
		rec = &store.Record{Key: key, Value: value, Revision: rev}
		return nil
	})
	return rec, err
}

func (s *Store) Put(_ context.Context, table string, key store.Key, value []byte) (uint64, error) {
	var rev uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		k := []byte(key.String())
		if raw := b.Get(k); raw != nil {
			rev, _ = decode(raw)
		}
		rev++
		return b.Put(k, encode(rev, value))
	})
	return rev, err
}

func (s *Store) Create(_ context.Context, table string, key store.Key, value []byte) (uint64, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		k := []byte(key.String())
		if b.Get(k) != nil {
			return store.ErrExists
		}
		return b.Put(k, encode(1, value))
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *Store) Update(_ context.Context, table string, key store.Key, value []byte, revision uint64) (uint64, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		k := []byte(key.String())
		raw := b.Get(k)
		if raw == nil {
			return store.ErrNotFound
		}
		if rev, _ := decode(raw); rev != revision {
			return store.ErrRevisionMismatch
		}
		return b.Put(k, encode(revision+1, value))
	})
	if err != nil {
		return 0, err
	}
	return revision + 1, nil
}

func (s *Store) Delete(_ context.Context, table string, key store.Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key.String()))
	})
}

func (s *Store) List(_ context.Context, table string, prefix store.Key) ([]store.Record, error) {
	var out []store.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, table)
		if err != nil {
			return nil
		}
		start := []byte(prefix.String())
		c := b.Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, start); k, v = c.Next() {
			key := store.ParseKey(string(k))
			if !key.HasPrefix(prefix) {
				continue
			}
			rev, value := decode(v)
			out = append(out, store.Record{Key: key, Value: value, Revision: rev})
		}
		return nil
	})
	return out, err
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

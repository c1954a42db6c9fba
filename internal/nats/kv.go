package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/caddy-supervisor/internal/store"
)

// BucketPrefix prefixes the KeyValue bucket created for each table.
const BucketPrefix = "CADDY_"

// KVStore implements store.Store with one JetStream KeyValue bucket per table.
// KeyValue revisions back the conditional Create and Update operations.
type KVStore struct {
	buckets map[string]jetstream.KeyValue
}

// NewKVStore ensures a bucket exists for every table.
func NewKVStore(ctx context.Context, client *Client) (*KVStore, error) {
	js := client.JetStream()
	s := &KVStore{buckets: make(map[string]jetstream.KeyValue, len(store.Tables))}

	for _, table := range store.Tables {
		name := BucketPrefix + strings.ToUpper(table)
		kv, err := js.KeyValue(ctx, name)
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
				Bucket:      name,
				Description: "caddy " + table + " records",
				History:     1,
				Storage:     jetstream.FileStorage,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
		}
		s.buckets[table] = kv
	}
	return s, nil
}

// encodeKey maps each segment to a KeyValue-safe token.
func encodeKey(k store.Key) string {
	parts := make([]string, len(k))
	for i, seg := range k {
		if seg == "" {
			parts[i] = "_"
			continue
		}
		parts[i] = base64.RawURLEncoding.EncodeToString([]byte(seg))
	}
	return strings.Join(parts, ".")
}

func decodeKey(s string) store.Key {
	parts := strings.Split(s, ".")
	k := make(store.Key, len(parts))
	for i, p := range parts {
		if p == "_" {
			continue
		}
		b, err := base64.RawURLEncoding.DecodeString(p)
		if err != nil {
			k[i] = p
			continue
		}
		k[i] = string(b)
	}
	return k
}

func (s *KVStore) bucket(table string) (jetstream.KeyValue, error) {
	kv, ok := s.buckets[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return kv, nil
}

func (s *KVStore) Get(ctx context.Context, table string, key store.Key) (*store.Record, error) {
	kv, err := s.bucket(table)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s record: %w", table, err)
	}
	return &store.Record{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (s *KVStore) Put(ctx context.Context, table string, key store.Key, value []byte) (uint64, error) {
	kv, err := s.bucket(table)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Put(ctx, encodeKey(key), value)
	if err != nil {
		return 0, fmt.Errorf("failed to put %s record: %w", table, err)
	}
	return rev, nil
}

func (s *KVStore) Create(ctx context.Context, table string, key store.Key, value []byte) (uint64, error) {
	kv, err := s.bucket(table)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Create(ctx, encodeKey(key), value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, store.ErrExists
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create %s record: %w", table, err)
	}
	return rev, nil
}

func (s *KVStore) Update(ctx context.Context, table string, key store.Key, value []byte, revision uint64) (uint64, error) {
	kv, err := s.bucket(table)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Update(ctx, encodeKey(key), value, revision)
	if err == nil {
		return rev, nil
	}

	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		if _, getErr := s.Get(ctx, table, key); errors.Is(getErr, store.ErrNotFound) {
			return 0, store.ErrNotFound
		}
		return 0, store.ErrRevisionMismatch
	}
	return 0, fmt.Errorf("failed to update %s record: %w", table, err)
}

func (s *KVStore) Delete(ctx context.Context, table string, key store.Key) error {
	kv, err := s.bucket(table)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, encodeKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s record: %w", table, err)
	}
	return nil
}

// List returns every record nested under prefix.
func (s *KVStore) List(ctx context.Context, table string, prefix store.Key) ([]store.Record, error) {
	kv, err := s.bucket(table)
	if err != nil {
		return nil, err
	}
	filter := ">"
	if len(prefix) > 0 {
		filter = encodeKey(prefix) + ".>"
	}

	w, err := kv.Watch(ctx, filter, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s records: %w", table, err)
	}
	defer w.Stop()

	var out []store.Record
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry := <-w.Updates():
			// A nil entry marks the end of the initial values.
			if entry == nil {
				return out, nil
			}
			out = append(out, store.Record{
				Key:      decodeKey(entry.Key()),
				Value:    entry.Value(),
				Revision: entry.Revision(),
			})
		}
	}
}

// Close is a no-op; the connection is owned by Client.
func (s *KVStore) Close() error { return nil }

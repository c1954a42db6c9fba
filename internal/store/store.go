// Package store defines the durable key/value contract the workflow relies on.
//
// Every operation is atomic for a single key only. Create and Update are the
// conditional-write primitives: Create succeeds only when the key is absent and
// Update succeeds only when the stored revision matches.
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned by Create when the key is already present.
	ErrExists = errors.New("record already exists")
	// ErrRevisionMismatch is returned by Update when the record changed since it was read.
	ErrRevisionMismatch = errors.New("record revision mismatch")
)

// Tables used by the workflow.
const (
	TableUsers       = "users"
	TableOffices     = "offices"
	TableThreads     = "threads"
	TableResponses   = "responses"
	TableEvaluations = "evaluations"
	TableSupervision = "supervision"
	TableApprovals   = "approvals"
)

// Tables lists every table so backends can prepare them up front.
var Tables = []string{
	TableUsers, TableOffices, TableThreads, TableResponses,
	TableEvaluations, TableSupervision, TableApprovals,
}

// Key is a composite key. Segments may contain any characters.
type Key []string

// K builds a key from its segments.
func K(segments ...string) Key { return Key(segments) }

// Separator joins key segments in backends that store flat string keys.
const Separator = "\x1f"

// String joins the segments with a separator that does not occur in ids.
func (k Key) String() string { return strings.Join(k, Separator) }

// HasPrefix reports whether k starts with every segment of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ParseKey reverses Key.String.
func ParseKey(s string) Key { return Key(strings.Split(s, Separator)) }

// Record is a stored value and its revision.
type Record struct {
	Key      Key
	Value    []byte
	Revision uint64
}

// Store is the durable table storage used by the repository.
type Store interface {
	Get(ctx context.Context, table string, key Key) (*Record, error)
	Put(ctx context.Context, table string, key Key, value []byte) (uint64, error)
	Create(ctx context.Context, table string, key Key, value []byte) (uint64, error)
	Update(ctx context.Context, table string, key Key, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, table string, key Key) error
	List(ctx context.Context, table string, prefix Key) ([]Record, error)
	Close() error
}

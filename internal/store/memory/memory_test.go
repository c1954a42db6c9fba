package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/capitalize-ai/caddy-supervisor/internal/store"
)

func TestCreateIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Create(ctx, store.TableApprovals, store.K("r1"), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create(ctx, store.TableApprovals, store.K("r1"), []byte(`{"a":2}`)); !errors.Is(err, store.ErrExists) {
		t.Fatalf("second create err = %v, want ErrExists", err)
	}
	rec, err := s.Get(ctx, store.TableApprovals, store.K("r1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Value) != `{"a":1}` {
		t.Fatalf("value = %s, want first write", rec.Value)
	}
}

func TestUpdateChecksRevision(t *testing.T) {
	ctx := context.Background()
	s := New()

	rev, err := s.Create(ctx, store.TableThreads, store.K("t1"), []byte("v1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	next, err := s.Update(ctx, store.TableThreads, store.K("t1"), []byte("v2"), rev)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := s.Update(ctx, store.TableThreads, store.K("t1"), []byte("v3"), rev); !errors.Is(err, store.ErrRevisionMismatch) {
		t.Fatalf("stale update err = %v, want ErrRevisionMismatch", err)
	}
	if _, err := s.Update(ctx, store.TableThreads, store.K("missing"), []byte("v"), next); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing update err = %v, want ErrNotFound", err)
	}
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.Put(ctx, store.TableResponses, store.K("spaces/a/threads/1", "r1"), []byte("1"))
	s.Put(ctx, store.TableResponses, store.K("spaces/a/threads/1", "r2"), []byte("2"))
	s.Put(ctx, store.TableResponses, store.K("spaces/a/threads/10", "r3"), []byte("3"))

	recs, err := s.List(ctx, store.TableResponses, store.K("spaces/a/threads/1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}

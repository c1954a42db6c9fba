package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "caddy.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConditionalWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rev, err := s.Create(ctx, store.TableEvaluations, store.K("thread-1"), []byte(`{"state":"pending"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, store.TableEvaluations, store.K("thread-1"), []byte(`{}`)); !errors.Is(err, store.ErrExists) {
		t.Fatalf("duplicate create err = %v, want ErrExists", err)
	}

	next, err := s.Update(ctx, store.TableEvaluations, store.K("thread-1"), []byte(`{"state":"complete"}`), rev)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next != rev+1 {
		t.Fatalf("revision = %d, want %d", next, rev+1)
	}
	if _, err := s.Update(ctx, store.TableEvaluations, store.K("thread-1"), []byte(`{}`), rev); !errors.Is(err, store.ErrRevisionMismatch) {
		t.Fatalf("stale update err = %v, want ErrRevisionMismatch", err)
	}
	if _, err := s.Update(ctx, store.TableEvaluations, store.K("nope"), []byte(`{}`), 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing update err = %v, want ErrNotFound", err)
	}

	rec, err := s.Get(ctx, store.TableEvaluations, store.K("thread-1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Value) != `{"state":"complete"}` {
		t.Fatalf("value = %s", rec.Value)
	}
}

func TestPutListDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []store.Key{
		store.K("spaces/x/threads/1", "a"),
		store.K("spaces/x/threads/1", "b"),
		store.K("spaces/x/threads/12", "c"),
	} {
		if _, err := s.Put(ctx, store.TableResponses, k, []byte(k[1])); err != nil {
			t.Fatalf("put %v: %v", k, err)
		}
	}
	rev, err := s.Put(ctx, store.TableResponses, store.K("spaces/x/threads/1", "a"), []byte("a2"))
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if rev != 2 {
		t.Fatalf("overwrite revision = %d, want 2", rev)
	}

	recs, err := s.List(ctx, store.TableResponses, store.K("spaces/x/threads/1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Key[1] != "a" || string(recs[0].Value) != "a2" {
		t.Fatalf("first record = %v %s", recs[0].Key, recs[0].Value)
	}

	if err := s.Delete(ctx, store.TableResponses, store.K("spaces/x/threads/1", "a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, store.TableResponses, store.K("spaces/x/threads/1", "a")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
}

package chat_test

import (
	"testing"

	"github.com/capitalize-ai/caddy-supervisor/internal/chat"
	"github.com/capitalize-ai/caddy-supervisor/internal/chat/local"
)

func TestRegistry(t *testing.T) {
	r := chat.NewRegistry()
	if _, err := r.Get("google-chat"); err == nil {
		t.Fatal("expected error for unknown client")
	}

	a := local.New(nil, "adviser")
	r.Register("local", chat.Client{Adviser: a})
	if _, err := r.Get("local"); err == nil {
		t.Fatal("expected error for half-registered client")
	}

	r.Register("local", chat.Client{Adviser: a, Supervisor: local.New(nil, "supervisor")})
	c, err := r.Get("local")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Adviser != a {
		t.Fatal("wrong adviser adapter")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "local" {
		t.Fatalf("names = %v", names)
	}
}

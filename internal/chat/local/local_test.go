package local

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
)

type capture struct {
	subjects []string
	bodies   [][]byte
	err      error
}

func (c *capture) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.bodies = append(c.bodies, data)
	return nil
}

func TestSendAndUpdate(t *testing.T) {
	pub := &capture{}
	a := New(pub, "adviser")
	ctx := context.Background()

	thread, msg, err := a.SendCard(ctx, "spaces/a", "", card.Status("q", card.StatusProcessing))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if thread == "" || msg == "" {
		t.Fatalf("thread=%q message=%q", thread, msg)
	}
	if err := a.UpdateCard(ctx, msg, card.Status("q", card.StatusCompleted)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := a.UpdateCard(ctx, "spaces/a/messages/missing", card.Notice("x")); err == nil {
		t.Fatal("expected error updating unknown message")
	}

	got, _ := a.Card(msg).Section(card.SlotStatus)
	if got.Widgets[0].Text != "<b>Status:</b> "+card.StatusCompleted {
		t.Fatalf("latest = %q", got.Widgets[0].Text)
	}
	if len(a.Sent()) != 1 || len(a.Posts()) != 2 {
		t.Fatalf("sent=%d posts=%d", len(a.Sent()), len(a.Posts()))
	}

	if len(pub.subjects) != 2 || pub.subjects[1] != "caddy.outbound.adviser.update" {
		t.Fatalf("subjects = %v", pub.subjects)
	}
	var p Post
	if err := json.Unmarshal(pub.bodies[0], &p); err != nil || p.ThreadID != thread {
		t.Fatalf("published post = %+v, err = %v", p, err)
	}
}

func TestPublishFailure(t *testing.T) {
	a := New(&capture{err: errors.New("no responders")}, "supervisor")
	if _, _, err := a.SendCard(context.Background(), "s", "t", card.Notice("x")); err == nil {
		t.Fatal("expected publish error")
	}
	if len(a.Posts()) != 0 {
		t.Fatal("failed post should not be recorded")
	}
}

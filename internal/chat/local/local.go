// Package local is a chat adapter for development and tests. It keeps every
// card it is given and, when a publisher is set, also publishes them as JSON
// on NATS so a local client can render them.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
)

// Name is the client name the local adapters are registered under.
const Name = "local"

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Post is one card sent or updated through the adapter.
type Post struct {
	Op        string     `json:"op"`
	Role      string     `json:"role"`
	SpaceID   string     `json:"space_id,omitempty"`
	ThreadID  string     `json:"thread_id,omitempty"`
	MessageID string     `json:"message_id"`
	Card      *card.Card `json:"card"`
	At        time.Time  `json:"at"`
}

// Adapter implements chat.Adapter.
type Adapter struct {
	pub  Publisher
	role string

	mu      sync.Mutex
	posts   []Post
	latest  map[string]*card.Card
	dialogs []*card.Dialog
}

// New creates an adapter. pub may be nil.
func New(pub Publisher, role string) *Adapter {
	return &Adapter{pub: pub, role: role, latest: make(map[string]*card.Card)}
}

// Subject is where posts for role are published.
func Subject(role, op string) string {
	return fmt.Sprintf("caddy.outbound.%s.%s", role, op)
}

// Name implements chat.Adapter.
func (a *Adapter) Name() string { return Name }

// SendCard implements chat.Adapter.
func (a *Adapter) SendCard(_ context.Context, space, thread string, c *card.Card) (string, string, error) {
	if thread == "" {
		thread = space + "/threads/" + uuid.NewString()
	}
	p := Post{Op: "send", Role: a.role, SpaceID: space, ThreadID: thread,
		MessageID: space + "/messages/" + uuid.NewString(), Card: c.Clone(), At: time.Now().UTC()}
	if err := a.record(p); err != nil {
		return "", "", err
	}
	return p.ThreadID, p.MessageID, nil
}

// UpdateCard implements chat.Adapter.
func (a *Adapter) UpdateCard(_ context.Context, messageID string, c *card.Card) error {
	a.mu.Lock()
	_, ok := a.latest[messageID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("message %q not found", messageID)
	}
	return a.record(Post{Op: "update", Role: a.role, MessageID: messageID, Card: c.Clone(), At: time.Now().UTC()})
}

// OpenDialog implements chat.Adapter. The dialog itself is the response body.
func (a *Adapter) OpenDialog(_ context.Context, d *card.Dialog) (any, error) {
	a.mu.Lock()
	a.dialogs = append(a.dialogs, d)
	a.mu.Unlock()
	return map[string]any{"dialog": d}, nil
}

func (a *Adapter) record(p Post) error {
	if a.pub != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal post: %w", err)
		}
		if err := a.pub.Publish(Subject(a.role, p.Op), data); err != nil {
			return fmt.Errorf("failed to publish post: %w", err)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posts = append(a.posts, p)
	a.latest[p.MessageID] = p.Card
	return nil
}

// Posts returns every send and update in order.
func (a *Adapter) Posts() []Post {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Post(nil), a.posts...)
}

// Sent returns the cards posted as new messages.
func (a *Adapter) Sent() []Post {
	var out []Post
	for _, p := range a.Posts() {
		if p.Op == "send" {
			out = append(out, p)
		}
	}
	return out
}

// Card returns the current card in a message.
func (a *Adapter) Card(messageID string) *card.Card {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest[messageID]
}

// Dialogs returns every dialog opened.
func (a *Adapter) Dialogs() []*card.Dialog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*card.Dialog(nil), a.dialogs...)
}

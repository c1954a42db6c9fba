// Package chat defines the contract between the conversation workflow and a
// chat platform, and the registry that maps client names to adapters.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
)

// Adapter posts and updates cards in one chat platform.
type Adapter interface {
	// Name identifies the platform.
	Name() string

	// SendCard posts c into space, replying in thread when it is set. It
	// returns the thread and message the card landed in.
	SendCard(ctx context.Context, space, thread string, c *card.Card) (threadID, messageID string, err error)

	// UpdateCard replaces the card in an existing message.
	UpdateCard(ctx context.Context, messageID string, c *card.Card) error

	// OpenDialog returns the platform's synchronous response body that opens d.
	OpenDialog(ctx context.Context, d *card.Dialog) (any, error)
}

// Client is the adapter pair for one client: advisers talk in one space,
// supervisors review in another.
type Client struct {
	Adviser    Adapter
	Supervisor Adapter
}

// Registry maps client names to adapters. It is populated at startup.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces a client.
func (r *Registry) Register(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
}

// Get returns the adapters for name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok || c.Adviser == nil || c.Supervisor == nil {
		return Client{}, fmt.Errorf("chat client %q is not registered", name)
	}
	return c, nil
}

// Names lists the registered clients.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

package llm

import (
	"context"
	"sync"
)

// Scripted is a Client that answers from a function. It is used by tests and
// by local runs without provider credentials.
type Scripted struct {
	mu       sync.Mutex
	Respond  func(req *CompletionRequest) (string, error)
	Requests []*CompletionRequest
}

// Echo returns a client that always answers with reply.
func Echo(reply string) *Scripted {
	return &Scripted{Respond: func(*CompletionRequest) (string, error) { return reply, nil }}
}

// Name returns the provider name.
func (s *Scripted) Name() string { return "scripted" }

// Complete records the request and returns the scripted reply.
func (s *Scripted) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := s.Respond(req)
	if err != nil {
		return nil, err
	}
	return &CompletionResponse{Content: text, Model: "scripted"}, nil
}

// Calls returns how many requests were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

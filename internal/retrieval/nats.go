package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// SearchSubject is the request subject served by the vector search service.
const SearchSubject = "caddy.search"

type searchRequest struct {
	Query  string `json:"query"`
	Filter Filter `json:"filter"`
}

type searchResponse struct {
	Documents []Document `json:"documents"`
	Error     string     `json:"error,omitempty"`
}

// NATSRetriever queries a search service over NATS request/reply.
type NATSRetriever struct {
	conn    *nats.Conn
	subject string
}

// NewNATSRetriever creates a retriever sending requests to subject.
func NewNATSRetriever(conn *nats.Conn, subject string) *NATSRetriever {
	if subject == "" {
		subject = SearchSubject
	}
	return &NATSRetriever{conn: conn, subject: subject}
}

// Search implements Retriever.
func (r *NATSRetriever) Search(ctx context.Context, query string, filter Filter) ([]Document, error) {
	data, err := json.Marshal(searchRequest{Query: query, Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	msg, err := r.conn.RequestWithContext(ctx, r.subject, data)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}

	var resp searchResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("search service: %s", resp.Error)
	}
	for i := range resp.Documents {
		if resp.Documents[i].Metadata == nil {
			resp.Documents[i].Metadata = map[string]string{}
		}
		if resp.Documents[i].Metadata["domain"] == "" {
			resp.Documents[i].Metadata["domain"] = filter.Domain
		}
	}
	return resp.Documents, nil
}

// ServeStatic answers search requests on subject from a StaticRetriever, for
// local runs without a search service.
func ServeStatic(conn *nats.Conn, subject string, s *StaticRetriever) (*nats.Subscription, error) {
	if subject == "" {
		subject = SearchSubject
	}
	return conn.Subscribe(subject, func(msg *nats.Msg) {
		var req searchRequest
		var resp searchResponse
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Documents, _ = s.Search(context.Background(), req.Query, req.Filter)
		}
		data, _ := json.Marshal(resp)
		_ = msg.Respond(data)
	})
}

package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/llm"
	"github.com/capitalize-ai/caddy-supervisor/pkg/metrics"
	"github.com/capitalize-ai/caddy-supervisor/pkg/tracing"
)

const (
	DefaultMaxDocuments      = 6
	DefaultMaxDocumentLength = 500
)

var (
	errEmptyRanking = errors.New("ranking is empty")
	errOutOfRange   = errors.New("ranking index out of range")
)

// Ranker merges per-domain results into one candidate pool and asks a model
// to order it. Whenever the ranking cannot be used the Alternative's result
// is returned instead.
type Ranker struct {
	Backend     Retriever
	Reranker    llm.Client
	Alternative DomainRetriever

	Model             string
	MaxDocuments      int
	MaxDocumentLength int
	PerDomain         int
	Timeout           time.Duration

	logger *zap.Logger
}

// NewRanker creates a ranker with default limits and a MergeRetriever alternative.
func NewRanker(backend Retriever, reranker llm.Client, log *zap.Logger) *Ranker {
	return &Ranker{
		Backend:           backend,
		Reranker:          reranker,
		Alternative:       &MergeRetriever{Backend: backend, PerDomain: 5, Max: DefaultMaxDocuments},
		MaxDocuments:      DefaultMaxDocuments,
		MaxDocumentLength: DefaultMaxDocumentLength,
		PerDomain:         5,
		Timeout:           30 * time.Second,
		logger:            log,
	}
}

// Retrieve implements DomainRetriever.
func (r *Ranker) Retrieve(ctx context.Context, query string, domains []string) ([]Document, error) {
	return r.Rank(ctx, query, domains)
}

// Rank returns at most MaxDocuments documents for the query. Ranking failures
// are never returned; only a failing alternative produces an error.
func (r *Ranker) Rank(ctx context.Context, query string, domains []string) ([]Document, error) {
	ctx, span := tracing.Start(ctx, "retrieval.Rank")
	defer span.End()

	pool, err := r.pool(ctx, query, domains)
	if err != nil {
		return r.fallback(ctx, query, domains, "search", err)
	}
	if len(pool) <= 1 {
		return pool, nil
	}

	rctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	resp, err := r.Reranker.Complete(rctx, &llm.CompletionRequest{
		Model:       r.Model,
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: r.prompt(query, pool)}},
		MaxTokens:   200,
		Temperature: 0,
	})
	if err != nil {
		reason := "call"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return r.fallback(ctx, query, domains, reason, err)
	}

	order, err := ParseRanking(resp.Content)
	if err != nil {
		return r.fallback(ctx, query, domains, "parse", err)
	}
	docs, err := r.pick(pool, order)
	if err != nil {
		return r.fallback(ctx, query, domains, "range", err)
	}
	return docs, nil
}

// pool concatenates each domain's results in domain order, dropping exact duplicates.
func (r *Ranker) pool(ctx context.Context, query string, domains []string) ([]Document, error) {
	var pool []Document
	for _, d := range domains {
		docs, err := r.Backend.Search(ctx, query, Filter{Domain: d, Limit: r.PerDomain})
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", d, err)
		}
		for _, doc := range docs {
			pool = appendUnique(pool, doc)
		}
	}
	return pool, nil
}

func (r *Ranker) prompt(query string, pool []Document) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Please read the documents below, and rank them in order of relevance to this query: %q.\n", query)
	sb.WriteString("Rank them with 1 being the most relevant. Refer to documents by their number. ")
	sb.WriteString("Return only a JSON list of document numbers, most relevant first, for example [3, 1, 2].\n\nDocuments:\n")
	for i, d := range pool {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, truncate(d.Content, r.MaxDocumentLength))
	}
	sb.WriteString("\nRemember to return only your list, with no other output or context.")
	return sb.String()
}

// pick selects pool entries named by 1-based indices.
func (r *Ranker) pick(pool []Document, order []int) ([]Document, error) {
	if len(order) == 0 {
		return nil, errEmptyRanking
	}
	for _, i := range order {
		if i < 1 || i > len(pool) {
			return nil, fmt.Errorf("%w: %d of %d", errOutOfRange, i, len(pool))
		}
	}
	seen := make(map[int]bool, len(order))
	var out []Document
	for _, i := range order {
		if seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, pool[i-1])
		if len(out) == r.MaxDocuments {
			break
		}
	}
	return out, nil
}

func (r *Ranker) fallback(ctx context.Context, query string, domains []string, reason string, cause error) ([]Document, error) {
	metrics.RerankFallbacks.WithLabelValues(reason).Inc()
	r.logger.Warn("discarding ranking, using alternative retriever",
		zap.String("reason", reason),
		zap.Error(cause),
	)
	docs, err := r.Alternative.Retrieve(ctx, query, domains)
	if err != nil {
		return nil, fmt.Errorf("alternative retriever failed: %w", err)
	}
	return docs, nil
}

// ParseRanking reads a literal list of integers, optionally inside a code fence.
func ParseRanking(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	var order []int
	if err := json.Unmarshal([]byte(s), &order); err != nil {
		return nil, fmt.Errorf("ranking is not a list of integers: %w", err)
	}
	return order, nil
}

// truncate clips s to n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Package router classifies an adviser query into an advice area and returns
// the prompt augmentation for that area.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/llm"
	"github.com/capitalize-ai/caddy-supervisor/pkg/tracing"
)

// Fallback is the route name used when no advice area matches.
const Fallback = "fallback"

// DefaultFallbackAugmentation is used when the workspace configures none.
const DefaultFallbackAugmentation = `The query does not map to a single advice area.
Answer from the supplied documents only and ask the adviser for the detail you would need to narrow the issue down.`

// Route is one advice area.
type Route struct {
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description" json:"description"`
	Augmentation string `yaml:"augmentation" json:"augmentation"`
}

// Router asks a model to pick one route by name.
type Router struct {
	client   llm.Client
	routes   map[string]Route
	order    []string
	fallback string
	Model    string
	Timeout  time.Duration
	logger   *zap.Logger
}

// New creates a router. An empty fallback uses DefaultFallbackAugmentation.
func New(client llm.Client, routes []Route, fallback string, log *zap.Logger) *Router {
	if fallback == "" {
		fallback = DefaultFallbackAugmentation
	}
	r := &Router{
		client:   client,
		routes:   make(map[string]Route, len(routes)),
		fallback: fallback,
		Timeout:  10 * time.Second,
		logger:   log,
	}
	for _, rt := range routes {
		name := normalise(rt.Name)
		if name == "" || name == Fallback {
			continue
		}
		if _, ok := r.routes[name]; !ok {
			r.order = append(r.order, name)
		}
		rt.Name = name
		r.routes[name] = rt
	}
	return r
}

// Routes returns the configured route names in configuration order.
func (r *Router) Routes() []string {
	return append([]string(nil), r.order...)
}

// Route returns the advice area for query and its augmentation. It never
// fails: classifier errors, timeouts and unknown names all map to Fallback.
func (r *Router) Route(ctx context.Context, query string) (string, string) {
	if len(r.order) == 0 || r.client == nil {
		return Fallback, r.fallback
	}

	ctx, span := tracing.Start(ctx, "router.Route")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	resp, err := r.client.Complete(ctx, &llm.CompletionRequest{
		Model:       r.Model,
		System:      r.systemPrompt(),
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: query}},
		MaxTokens:   20,
		Temperature: 0,
	})
	if err != nil {
		r.logger.Warn("route classification failed", zap.Error(err))
		return Fallback, r.fallback
	}

	name := normalise(resp.Content)
	rt, ok := r.routes[name]
	if !ok {
		r.logger.Debug("no matching route", zap.String("reply", resp.Content))
		return Fallback, r.fallback
	}
	if rt.Augmentation == "" {
		return rt.Name, r.fallback
	}
	return rt.Name, rt.Augmentation
}

func (r *Router) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("Classify the adviser's query into exactly one advice area. ")
	sb.WriteString("Reply with the area name only, or \"" + Fallback + "\" if none applies.\n\nAdvice areas:\n")
	for _, name := range r.order {
		fmt.Fprintf(&sb, "- %s: %s\n", name, r.routes[name].Description)
	}
	return sb.String()
}

func normalise(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, "`\"'.")
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}

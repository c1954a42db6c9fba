package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/llm"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/retrieval"
	"github.com/capitalize-ai/caddy-supervisor/pkg/tracing"
)

// Generation defaults.
const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 2000
)

// ErrEmptyAnswer is returned when the model produces no usable text.
var ErrEmptyAnswer = errors.New("model returned an empty answer")

// Draft is a generated answer awaiting supervision.
type Draft struct {
	Prompt  string
	Answer  string
	Sources []string
}

// Generator drafts an answer.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt, history []model.Message, docs []retrieval.Document) (*Draft, error)
}

// LLMGenerator drafts answers with an llm.Client.
type LLMGenerator struct {
	client      llm.Client
	prompts     *PromptBuilder
	Model       string
	Temperature float64
	MaxTokens   int
	logger      *zap.Logger
}

// NewLLMGenerator creates a generator with the default sampling settings.
func NewLLMGenerator(client llm.Client, prompts *PromptBuilder, log *zap.Logger) *LLMGenerator {
	return &LLMGenerator{
		client:      client,
		prompts:     prompts,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		logger:      log,
	}
}

// Generate renders the prompt, replays the answered history as prior turns
// and asks the model for a draft.
func (g *LLMGenerator) Generate(ctx context.Context, prompt Prompt, history []model.Message, docs []retrieval.Document) (*Draft, error) {
	ctx, span := tracing.Start(ctx, "generation.Generate")
	var err error
	defer func() { tracing.End(span, err) }()

	text, err := g.prompts.Build(prompt, docs)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.ChatMessage, 0, 2*len(history)+1)
	for _, m := range history {
		if m.LLMAnswer == nil {
			continue
		}
		messages = append(messages,
			llm.ChatMessage{Role: llm.RoleUser, Content: m.Text},
			llm.ChatMessage{Role: llm.RoleAssistant, Content: *m.LLMAnswer},
		)
	}
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: text})

	resp, err := g.client.Complete(ctx, &llm.CompletionRequest{
		Model:       g.Model,
		Messages:    messages,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	answer, trimmed := StripRolePlay(resp.Content)
	if trimmed {
		g.logger.Debug("removed role-played continuation from answer")
	}
	if answer == "" {
		err = ErrEmptyAnswer
		return nil, err
	}

	return &Draft{Prompt: text, Answer: answer, Sources: Sources(docs)}, nil
}

// StripRolePlay cuts a response where the model starts writing the adviser's
// next turn. It reports whether anything was removed.
func StripRolePlay(response string) (string, bool) {
	i := strings.Index(response, "Adviser: ")
	if i == -1 {
		return strings.TrimSpace(response), false
	}
	return strings.TrimSpace(response[:i]), true
}

// Sources lists distinct document sources in order.
func Sources(docs []retrieval.Document) []string {
	seen := make(map[string]bool, len(docs))
	var out []string
	for _, d := range docs {
		src := d.Source()
		if src == "" || seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out
}

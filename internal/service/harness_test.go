package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
	"github.com/capitalize-ai/caddy-supervisor/internal/chat"
	"github.com/capitalize-ai/caddy-supervisor/internal/chat/local"
	"github.com/capitalize-ai/caddy-supervisor/internal/evaluation"
	"github.com/capitalize-ai/caddy-supervisor/internal/generation"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/pii"
	"github.com/capitalize-ai/caddy-supervisor/internal/repository"
	"github.com/capitalize-ai/caddy-supervisor/internal/retrieval"
	"github.com/capitalize-ai/caddy-supervisor/internal/store/memory"
	"github.com/capitalize-ai/caddy-supervisor/pkg/logger"
)

const (
	adviserEmail    = "adviser@office.org"
	supervisorEmail = "sup@office.org"
	adviserSpace    = "spaces/ADV"
	supervisorSpace = "spaces/SUP"
	threadID        = "spaces/ADV/threads/t1"
)

type fixedRouter struct{}

func (fixedRouter) Route(context.Context, string) (string, string) { return "housing", "check tenancy" }

type fixedRetriever struct{}

func (fixedRetriever) Retrieve(context.Context, string, []string) ([]retrieval.Document, error) {
	return []retrieval.Document{{Content: "Notice periods", Metadata: map[string]string{"source_url": "https://a/1"}}}, nil
}

type fakeGenerator struct {
	mu     sync.Mutex
	calls  int
	err    error
	before func()
}

func (g *fakeGenerator) Generate(_ context.Context, p generation.Prompt, _ []model.Message, docs []retrieval.Document) (*generation.Draft, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.before != nil {
		g.before()
	}
	if g.err != nil {
		return nil, g.err
	}
	return &generation.Draft{Prompt: "prompt: " + p.Question, Answer: "Draft answer to " + p.Question, Sources: generation.Sources(docs)}, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type eventLog struct {
	mu     sync.Mutex
	events []model.EventType
}

func (e *eventLog) PublishEvent(_ context.Context, ev *model.ConversationEvent) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev.Type)
	return uint64(len(e.events)), nil
}

func (e *eventLog) count(typ model.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.events {
		if t == typ {
			n++
		}
	}
	return n
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, []byte) error { return errors.New("supervision space unavailable") }

// flakyPublisher fails only its nth publish.
type flakyPublisher struct {
	mu     sync.Mutex
	n      int
	failOn int
}

func (p *flakyPublisher) Publish(string, []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	if p.n == p.failOn {
		return errors.New("supervision space unavailable")
	}
	return nil
}

type harness struct {
	svc        *Service
	repo       *repository.Repository
	adviser    *local.Adapter
	supervisor *local.Adapter
	generator  *fakeGenerator
	modules    *evaluation.Registry
	events     *eventLog
	office     *model.Office
}

type option func(*harness)

func withOffice(fn func(*model.Office)) option {
	return func(h *harness) { fn(h.office) }
}

func withSupervisor(a *local.Adapter) option {
	return func(h *harness) { h.supervisor = a }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		repo:       repository.New(memory.New()),
		adviser:    local.New(nil, "adviser"),
		supervisor: local.New(nil, "supervisor"),
		generator:  &fakeGenerator{},
		modules:    evaluation.NewRegistry(),
		events:     &eventLog{},
		office: &model.Office{
			Domain:             "office.org",
			Name:               "Test office",
			Regions:            []string{"Camden"},
			Sources:            []string{"govuk"},
			SupervisionSpaceID: supervisorSpace,
			Survey: []model.SurveyQuestion{
				{Question: "Was the response useful?", Values: []string{"Yes", "No"}},
				{Question: "Did you use it with the client?", Values: []string{"Yes", "No"}},
			},
		},
	}
	h.modules.Register("control", evaluation.ModuleFunc(func(context.Context, evaluation.Input) (evaluation.Result, error) {
		return evaluation.Result{Status: model.StatusEnd, Variant: "control", Message: "You are in the control group"}, nil
	}))
	for _, opt := range opts {
		opt(h)
	}

	ctx := context.Background()
	err := h.repo.Seed(ctx, []model.Office{*h.office}, []model.User{
		{Email: adviserEmail, Name: "Ada"},
		{Email: supervisorEmail, Name: "Sam", IsApprover: true},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	chats := chat.NewRegistry()
	chats.Register(local.Name, chat.Client{Adviser: h.adviser, Supervisor: h.supervisor})

	assigner := evaluation.NewAssigner(h.repo, h.modules, time.Second, zap.NewNop())
	assigner.Poll = 5 * time.Millisecond

	h.svc = New(Deps{
		Repo:      h.repo,
		Chats:     chats,
		Screener:  pii.NewPatternScreener(),
		Assigner:  assigner,
		Retriever: fixedRetriever{},
		Router:    fixedRouter{},
		Generator: h.generator,
		Events:    h.events,
		Logger:    logger.NewNop(),
	})
	return h
}

func message(id, text string) *model.MessageEvent {
	return &model.MessageEvent{
		Source: model.Source{
			Client:    local.Name,
			SpaceID:   adviserSpace,
			ThreadID:  threadID,
			MessageID: id,
			UserEmail: adviserEmail,
			UserName:  "Ada",
			EventTime: time.Now().UTC(),
		},
		Text: text,
	}
}

func supervisorAction(action, responseID, notes string) *model.CardAction {
	a := &model.CardAction{
		Source: model.Source{
			Client:    local.Name,
			SpaceID:   supervisorSpace,
			UserEmail: supervisorEmail,
			UserName:  "Sam",
			EventTime: time.Now().UTC(),
		},
		Action:     action,
		Parameters: map[string]string{card.ParamResponseID: responseID, card.ParamThreadID: threadID},
	}
	if notes != "" {
		a.Inputs = map[string]string{card.InputSupervisorNotes: notes}
	}
	return a
}

func adviserAction(action string, params map[string]string) *model.CardAction {
	return &model.CardAction{
		Source: model.Source{
			Client:    local.Name,
			SpaceID:   adviserSpace,
			ThreadID:  threadID,
			MessageID: "spaces/ADV/messages/card",
			UserEmail: adviserEmail,
			EventTime: time.Now().UTC(),
		},
		Action:     action,
		Parameters: params,
	}
}

// send runs a message and fails the test on unexpected outcomes.
func (h *harness) send(t *testing.T, ev *model.MessageEvent, want Outcome) {
	t.Helper()
	got, err := h.svc.HandleInboundMessage(context.Background(), ev)
	if got != want {
		t.Fatalf("outcome = %q (err %v), want %q", got, err, want)
	}
}

func (h *harness) message(t *testing.T, messageID string) *model.Message {
	t.Helper()
	m, err := h.repo.GetMessage(context.Background(), threadID, ResponseID(local.Name, messageID))
	if err != nil {
		t.Fatalf("get message %s: %v", messageID, err)
	}
	return m
}

func statusText(t *testing.T, c *card.Card) string {
	t.Helper()
	if c == nil {
		t.Fatal("card not found")
	}
	s, ok := c.Section(card.SlotStatus)
	if !ok || len(s.Widgets) == 0 {
		t.Fatalf("card %q has no status", c.ID)
	}
	return s.Widgets[0].Text
}

func sentWithID(a *local.Adapter, id string) []local.Post {
	var out []local.Post
	for _, p := range a.Sent() {
		if p.Card.ID == id {
			out = append(out, p)
		}
	}
	return out
}

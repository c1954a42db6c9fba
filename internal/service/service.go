// Package service implements the supervised advice workflow: adviser
// messages are screened, assigned to an evaluation arm, drafted and sent to a
// supervisor, and calls end with an optional survey.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
	"github.com/capitalize-ai/caddy-supervisor/internal/chat"
	"github.com/capitalize-ai/caddy-supervisor/internal/evaluation"
	"github.com/capitalize-ai/caddy-supervisor/internal/generation"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/pii"
	"github.com/capitalize-ai/caddy-supervisor/internal/repository"
	"github.com/capitalize-ai/caddy-supervisor/internal/retrieval"
	"github.com/capitalize-ai/caddy-supervisor/pkg/logger"
)

// EventPublisher receives lifecycle events. *nats.StreamManager implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// Router picks the advice area augmentation for a query.
type Router interface {
	Route(ctx context.Context, query string) (name, augmentation string)
}

// Deps are the collaborators shared by the workflow components.
type Deps struct {
	Repo      *repository.Repository
	Chats     *chat.Registry
	Screener  pii.Screener
	Assigner  *evaluation.Assigner
	Retriever retrieval.DomainRetriever
	Router    Router
	Generator generation.Generator
	Events    EventPublisher
	Logger    *logger.Logger

	// GenerationTimeout bounds retrieval plus drafting.
	GenerationTimeout time.Duration
	Now               func() time.Time
}

type core struct {
	Deps
}

func (c *core) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *core) clients(name string) (chat.Client, error) {
	cl, err := c.Chats.Get(name)
	if err != nil {
		return chat.Client{}, misconfigured("chat", "unknown client", err)
	}
	return cl, nil
}

// emit publishes a lifecycle event. Failures are logged and otherwise ignored.
func (c *core) emit(ctx context.Context, typ model.EventType, threadID, responseID, email, reason string, meta map[string]any) {
	if c.Events == nil {
		return
	}
	ev := &model.ConversationEvent{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ThreadID:   threadID,
		ResponseID: responseID,
		UserEmail:  email,
		Type:       typ,
		Reason:     reason,
		Metadata:   meta,
		CreatedAt:  c.now(),
	}
	if _, err := c.Events.PublishEvent(ctx, ev); err != nil {
		c.Logger.Warn("failed to publish lifecycle event",
			zap.String("type", string(typ)), zap.String("thread_id", threadID), zap.Error(err))
	}
}

// ResponseID derives the response id from the inbound message so redelivered
// events map to the same record.
func ResponseID(client, messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(client+"|"+messageID)).String()
}

// Reply is a synchronous response to an inbound event, such as a dialog to
// open. A nil Reply means the event was handled without one.
type Reply struct {
	Body any
}

// Service routes inbound events to the workflow components.
type Service struct {
	Orchestrator *Orchestrator
	Supervisor   *Supervisor
	Surveys      *Surveys

	core *core
}

// New wires the workflow components.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.GenerationTimeout <= 0 {
		d.GenerationTimeout = 2 * time.Minute
	}
	c := &core{Deps: d}
	surveys := &Surveys{core: c}
	supervisor := &Supervisor{core: c, surveys: surveys}
	return &Service{
		Orchestrator: &Orchestrator{core: c, supervisor: supervisor, surveys: surveys},
		Supervisor:   supervisor,
		Surveys:      surveys,
		core:         c,
	}
}

// Handle processes one inbound event of any kind.
func (s *Service) Handle(ctx context.Context, ev model.InboundEvent) (*Reply, error) {
	switch e := ev.(type) {
	case *model.MessageEvent:
		_, err := s.HandleInboundMessage(ctx, e)
		return nil, err

	case *model.CardAction:
		switch e.Action {
		case model.ActionProceed:
			_, err := s.HandleInboundMessage(ctx, resubmitted(e.Source, e.Parameters, e.Parameters[card.ParamMessage], true))
			return nil, err
		case model.ActionEditQuery:
			return s.openDialog(ctx, e.Client, false, card.EditQueryDialog(e.Parameters[card.ParamMessage], e.Parameters))
		case model.ActionApprove, model.ActionReject:
			return s.HandleApprovalCallback(ctx, e)
		case model.ActionSurveyResponse, model.ActionCallComplete:
			return nil, s.HandleSurveyCallback(ctx, e)
		case model.ActionControlForward:
			return nil, s.Supervisor.ForwardControlQuery(ctx, e)
		}
		return nil, fmt.Errorf("unknown card action %q", e.Action)

	case *model.DialogSubmit:
		switch e.Action {
		case model.ActionReceiveEditedQuery:
			text := strings.TrimSpace(e.Inputs[card.InputQuery])
			if text == "" {
				return nil, blocked("edit query", "edited question is empty")
			}
			_, err := s.HandleInboundMessage(ctx, resubmitted(e.Source, e.Parameters, text, false))
			return nil, err
		case model.ActionSubmitRejection:
			return s.HandleApprovalCallback(ctx, e)
		}
		return nil, fmt.Errorf("unknown dialog action %q", e.Action)
	}
	return nil, fmt.Errorf("unsupported event %T", ev)
}

// HandleInboundMessage runs an adviser message through the workflow.
func (s *Service) HandleInboundMessage(ctx context.Context, ev *model.MessageEvent) (Outcome, error) {
	return s.Orchestrator.HandleMessage(ctx, ev)
}

// HandleApprovalCallback handles approve, reject and rejection-notes events
// from the supervision space. A reject click without notes opens the notes
// dialog instead of recording a decision.
func (s *Service) HandleApprovalCallback(ctx context.Context, ev model.InboundEvent) (*Reply, error) {
	var (
		src     model.Source
		params  map[string]string
		inputs  map[string]string
		approve bool
		dialog  bool
	)
	switch e := ev.(type) {
	case *model.CardAction:
		src, params, inputs = e.Source, e.Parameters, e.Inputs
		approve = e.Action == model.ActionApprove
	case *model.DialogSubmit:
		src, params, inputs = e.Source, e.Parameters, e.Inputs
		dialog = true
	default:
		return nil, fmt.Errorf("unsupported approval event %T", ev)
	}

	notes := strings.TrimSpace(inputs[card.InputSupervisorNotes])
	responseID, threadID := params[card.ParamResponseID], params[card.ParamThreadID]
	if !approve && notes == "" {
		problem := ""
		if dialog {
			problem = card.RejectionNotesNeeded
		}
		return s.openDialog(ctx, src.Client, true, card.RejectionDialog(responseID, threadID, problem))
	}

	_, err := s.Supervisor.Decide(ctx, Decision{
		ResponseID:    responseID,
		Approved:      approve,
		Notes:         notes,
		ApproverEmail: src.UserEmail,
		ApproverName:  src.UserName,
		At:            src.EventTime,
	})
	if err != nil {
		if IsDuplicate(err) {
			s.core.Logger.Info("ignoring repeated decision", zap.String("response_id", responseID))
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

// HandleSurveyCallback handles survey answers and call completion clicks.
func (s *Service) HandleSurveyCallback(ctx context.Context, ev *model.CardAction) error {
	threadID := ev.Parameters[card.ParamThreadID]
	if threadID == "" {
		return errors.New("survey callback has no thread id")
	}
	clients, err := s.core.clients(ev.Client)
	if err != nil {
		return err
	}

	switch ev.Action {
	case model.ActionSurveyResponse:
		answer := model.SurveyAnswer{
			Question:   ev.Parameters[card.ParamQuestion],
			Answer:     ev.Parameters[card.ParamAnswer],
			AnsweredAt: s.core.now(),
		}
		complete, err := s.Surveys.RecordResponse(ctx, threadID, []model.SurveyAnswer{answer})
		if errors.Is(err, ErrSurveyClosed) {
			_, _, err = clients.Adviser.SendCard(ctx, ev.SpaceID, ev.ThreadID, card.Notice(card.ThreadClosedNotice))
			return err
		}
		if err != nil {
			return err
		}
		if complete {
			s.updateClicked(ctx, clients, ev, card.SurveyThanks(true))
		}
		return nil

	case model.ActionCallComplete:
		if err := s.Surveys.CompleteCall(ctx, threadID, ev.UserEmail); err != nil {
			return err
		}
		s.updateClicked(ctx, clients, ev, card.CallCompleted())
		return nil
	}
	return fmt.Errorf("unknown survey action %q", ev.Action)
}

// updateClicked replaces the card that was clicked. The answer is already
// recorded, so failures are only logged.
func (s *Service) updateClicked(ctx context.Context, clients chat.Client, ev *model.CardAction, c *card.Card) {
	if ev.MessageID == "" {
		return
	}
	if err := clients.Adviser.UpdateCard(ctx, ev.MessageID, c); err != nil {
		s.core.Logger.Warn("failed to update clicked card",
			zap.String("thread_id", ev.ThreadID), zap.String("card", c.ID), zap.Error(err))
	}
}

func (s *Service) openDialog(ctx context.Context, client string, supervisor bool, d *card.Dialog) (*Reply, error) {
	clients, err := s.core.clients(client)
	if err != nil {
		return nil, err
	}
	adapter := clients.Adviser
	if supervisor {
		adapter = clients.Supervisor
	}
	body, err := adapter.OpenDialog(ctx, d)
	if err != nil {
		return nil, err
	}
	return &Reply{Body: body}, nil
}

// resubmitted rebuilds the original message event from card parameters.
func resubmitted(src model.Source, params map[string]string, text string, proceed bool) *model.MessageEvent {
	if id := params[card.ParamMessageID]; id != "" {
		src.MessageID = id
	}
	if id := params[card.ParamThreadID]; id != "" {
		src.ThreadID = id
	}
	if id := params[card.ParamSpaceID]; id != "" {
		src.SpaceID = id
	}
	return &model.MessageEvent{Source: src, Text: text, Proceed: proceed}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
	"github.com/capitalize-ai/caddy-supervisor/internal/chat"
	"github.com/capitalize-ai/caddy-supervisor/internal/evaluation"
	"github.com/capitalize-ai/caddy-supervisor/internal/generation"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/pii"
	"github.com/capitalize-ai/caddy-supervisor/internal/store"
	"github.com/capitalize-ai/caddy-supervisor/pkg/logger"
	"github.com/capitalize-ai/caddy-supervisor/pkg/metrics"
	"github.com/capitalize-ai/caddy-supervisor/pkg/tracing"
)

// Outcome is where a message stopped in the workflow.
type Outcome string

const (
	OutcomePIIBlocked          Outcome = "pii_blocked"
	OutcomeNotEnrolled         Outcome = "not_enrolled"
	OutcomeThreadClosed        Outcome = "thread_closed"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeControlExit         Outcome = "control_exit"
	OutcomeAwaitingSupervision Outcome = "awaiting_supervision"
	OutcomeFailed              Outcome = "failed"
)

// Orchestrator drives one adviser message from receipt to supervision.
type Orchestrator struct {
	*core
	supervisor *Supervisor
	surveys    *Surveys
}

// turn is the state carried through one message.
type turn struct {
	ev      *model.MessageEvent
	clients chat.Client
	user    *model.User
	office  *model.Office
	thread  *model.Thread
	msg     *model.Message
	log     *logger.Logger
}

// HandleMessage runs the message through PII screening, enrolment and thread
// checks, evaluation assignment and, unless the assignment ends the
// conversation, drafting and supervision.
func (o *Orchestrator) HandleMessage(ctx context.Context, ev *model.MessageEvent) (outcome Outcome, err error) {
	ctx, span := tracing.Start(ctx, "service.HandleMessage")
	defer func() {
		tracing.End(span, err)
		metrics.RecordOutcome(string(outcome))
	}()

	responseID := ResponseID(ev.Client, ev.MessageID)
	t := &turn{ev: ev, log: o.Logger.WithContext(responseID, ev.ThreadID, ev.UserEmail)}
	t.clients, err = o.clients(ev.Client)
	if err != nil {
		return OutcomeNotEnrolled, err
	}
	o.emit(ctx, model.EventReceived, ev.ThreadID, responseID, ev.UserEmail, "", nil)

	if !ev.Proceed {
		spans, err := o.Screener.Screen(ctx, ev.Text)
		if err != nil {
			return OutcomeFailed, generationFailed("screen", err)
		}
		if len(spans) > 0 {
			return o.warnPII(ctx, t, spans)
		}
	}

	if outcome, err := o.enrolment(ctx, t); err != nil {
		return outcome, err
	}
	if _, err := o.Repo.GetMessage(ctx, ev.ThreadID, responseID); err == nil {
		t.log.Info("duplicate message ignored")
		return OutcomeDuplicate, nil
	}
	if outcome, err := o.openThread(ctx, t); err != nil || outcome != "" {
		return outcome, err
	}

	t.msg = &model.Message{
		ResponseID:               responseID,
		MessageID:                ev.MessageID,
		ThreadID:                 ev.ThreadID,
		ConversationID:           ev.SpaceID,
		UserEmail:                ev.UserEmail,
		Client:                   ev.Client,
		Text:                     ev.Text,
		MessageReceivedTimestamp: o.received(ev),
	}
	if err := o.Repo.CreateMessage(ctx, t.msg); err != nil {
		if errors.Is(err, store.ErrExists) {
			t.log.Info("duplicate message ignored")
			return OutcomeDuplicate, nil
		}
		return OutcomeFailed, fmt.Errorf("failed to record message: %w", err)
	}

	_, statusID, err := t.clients.Adviser.SendCard(ctx, ev.SpaceID, ev.ThreadID, card.Status(ev.Text, card.StatusProcessing))
	if err != nil {
		return OutcomeFailed, generationFailed("post status", err)
	}
	t.msg.StatusMessageID = statusID
	o.saveMessage(ctx, t, func(m *model.Message) { m.StatusMessageID = statusID })

	assignment, reused, err := o.Assigner.Assign(ctx, t.thread, t.office)
	if err != nil {
		if errors.Is(err, evaluation.ErrAssignmentPending) {
			err = &Error{Kind: KindGenerationFailure, Op: "assign", Msg: "assignment still pending", Err: err}
		}
		return o.fail(ctx, t, nil, err)
	}
	o.emit(ctx, model.EventModulesResolved, ev.ThreadID, responseID, ev.UserEmail, "",
		map[string]any{"arm": string(assignment.Arm), "reused": reused})

	if !assignment.ContinueConversation {
		return o.controlExit(ctx, t, assignment)
	}
	return o.draft(ctx, t)
}

func (o *Orchestrator) received(ev *model.MessageEvent) time.Time {
	if !ev.EventTime.IsZero() {
		return ev.EventTime.UTC()
	}
	return o.now()
}

func (o *Orchestrator) warnPII(ctx context.Context, t *turn, spans []pii.Span) (Outcome, error) {
	ev := t.ev
	params := map[string]string{
		card.ParamMessageID: ev.MessageID,
		card.ParamThreadID:  ev.ThreadID,
		card.ParamSpaceID:   ev.SpaceID,
	}
	types := pii.Types(spans)
	if _, _, err := t.clients.Adviser.SendCard(ctx, ev.SpaceID, ev.ThreadID, card.PIIWarning(ev.Text, types, params)); err != nil {
		return OutcomePIIBlocked, fmt.Errorf("failed to post pii warning: %w", err)
	}
	o.emit(ctx, model.EventPIIBlocked, ev.ThreadID, "", ev.UserEmail, "", map[string]any{"types": types})
	t.log.Info("message held for personal data", zap.Strings("types", types))
	return OutcomePIIBlocked, nil
}

// enrolment resolves the office, the user and where the user's drafts are
// reviewed. Nothing is recorded for a message that fails here.
func (o *Orchestrator) enrolment(ctx context.Context, t *turn) (Outcome, error) {
	var err error
	t.office, err = o.Repo.OfficeForUser(ctx, t.ev.UserEmail)
	if err != nil {
		o.notify(ctx, t, card.DomainNotEnrolled)
		return OutcomeNotEnrolled, misconfigured("enrolment", "domain not enrolled", err)
	}
	t.user, err = o.Repo.GetUser(ctx, t.ev.UserEmail)
	if err != nil {
		o.notify(ctx, t, card.UserNotEnrolled)
		return OutcomeNotEnrolled, misconfigured("enrolment", "user not registered", err)
	}
	if _, err := supervisionSpaceFor(t.user, t.office); err != nil {
		o.notify(ctx, t, SetupMessage(err))
		return OutcomeNotEnrolled, err
	}
	return "", nil
}

// openThread admits the message to its thread. A new thread starts a call
// for the user. An existing thread only accepts messages while it is the
// user's active call and its survey is not complete.
func (o *Orchestrator) openThread(ctx context.Context, t *turn) (Outcome, error) {
	ev := t.ev
	thread, err := o.Repo.GetThread(ctx, ev.ThreadID)
	switch {
	case err == nil:
		if thread.SurveyComplete || thread.CallComplete || !t.user.ActiveCall || t.user.ActiveThreadID != thread.ThreadID {
			o.notify(ctx, t, card.ThreadClosedNotice)
			t.log.Info("message on closed thread")
			return OutcomeThreadClosed, nil
		}
		t.thread = thread
		return "", nil
	case !errors.Is(err, store.ErrNotFound):
		return OutcomeFailed, fmt.Errorf("failed to load thread: %w", err)
	}

	start := o.received(ev)
	if _, err := o.Repo.UpdateUser(ctx, ev.UserEmail, func(u *model.User) error {
		u.ActiveCall = true
		u.ActiveThreadID = ev.ThreadID
		u.CallStartTime = start
		return nil
	}); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to start call: %w", err)
	}

	t.thread = &model.Thread{
		ThreadID:       ev.ThreadID,
		ConversationID: ev.SpaceID,
		UserEmail:      ev.UserEmail,
		Client:         ev.Client,
		ActiveCall:     true,
		CallStartTime:  start,
		EvaluationArm:  model.ArmUnassigned,
	}
	if err := o.Repo.CreateThread(ctx, t.thread); err != nil {
		if !errors.Is(err, store.ErrExists) {
			return OutcomeFailed, fmt.Errorf("failed to create thread: %w", err)
		}
		if t.thread, err = o.Repo.GetThread(ctx, ev.ThreadID); err != nil {
			return OutcomeFailed, fmt.Errorf("failed to load thread: %w", err)
		}
	}
	return "", nil
}

func (o *Orchestrator) controlExit(ctx context.Context, t *turn, assignment *model.EvaluationModuleOutput) (Outcome, error) {
	ev := t.ev
	message := "This query is part of the control group and will not receive a drafted response."
	if assignment.ControlGroupMessage != nil && *assignment.ControlGroupMessage != "" {
		message = *assignment.ControlGroupMessage
	}
	params := map[string]string{card.ParamThreadID: ev.ThreadID}
	if err := t.clients.Adviser.UpdateCard(ctx, t.msg.StatusMessageID, card.ControlGroup(ev.Text, message, params)); err != nil {
		t.log.Warn("failed to show control group message", zap.Error(err))
	}

	if err := o.surveys.MarkCallComplete(ctx, ev.ThreadID, ev.UserEmail); err != nil {
		return OutcomeControlExit, err
	}
	o.emit(ctx, model.EventControlExit, ev.ThreadID, t.msg.ResponseID, ev.UserEmail, "", nil)

	thread, err := o.Repo.GetThread(ctx, ev.ThreadID)
	if err != nil {
		return OutcomeControlExit, fmt.Errorf("failed to load thread: %w", err)
	}
	if !thread.SurveyComplete {
		if _, err := o.surveys.RunSurvey(ctx, ev.ThreadID); err != nil {
			t.log.Warn("failed to run survey", zap.Error(err))
		}
	}
	return OutcomeControlExit, nil
}

func (o *Orchestrator) draft(ctx context.Context, t *turn) (Outcome, error) {
	ev := t.ev
	if err := t.clients.Adviser.UpdateCard(ctx, t.msg.StatusMessageID, card.Status(ev.Text, card.StatusGenerating)); err != nil {
		t.log.Warn("failed to update status card", zap.Error(err))
	}
	o.emit(ctx, model.EventDrafting, ev.ThreadID, t.msg.ResponseID, ev.UserEmail, "", nil)

	gctx, cancel := context.WithTimeout(ctx, o.GenerationTimeout)
	defer cancel()

	route, augmentation := o.Router.Route(gctx, ev.Text)
	history, err := o.Repo.ChatHistory(gctx, ev.ThreadID, t.msg.ResponseID)
	if err != nil {
		return o.fail(ctx, t, nil, generationFailed("history", err))
	}
	docs, err := o.Retriever.Retrieve(gctx, ev.Text, t.office.Sources)
	if err != nil {
		return o.fail(ctx, t, nil, generationFailed("retrieve", err))
	}

	promptAt := o.now()
	draft, err := o.Generator.Generate(gctx, generation.Prompt{
		Question:     ev.Text,
		Regions:      t.office.Regions,
		Augmentation: augmentation,
		Now:          promptAt,
	}, history, docs)
	if err != nil {
		return o.fail(ctx, t, nil, generationFailed("generate", err))
	}
	respondedAt := o.now()

	t.msg.SetAnswer(draft.Prompt, draft.Answer, promptAt, respondedAt)
	t.msg.Route = route
	t.msg.Context = draft.Sources
	o.saveMessage(ctx, t, func(m *model.Message) {
		m.SetAnswer(draft.Prompt, draft.Answer, promptAt, respondedAt)
		m.Route = route
		m.Context = draft.Sources
	})

	req, err := o.supervisor.RequestApproval(ctx, t.msg)
	if err != nil {
		if IsDuplicate(err) {
			t.log.Info("supervision already requested")
			return OutcomeDuplicate, nil
		}
		if KindOf(err) == "" {
			err = generationFailed("request approval", err)
		}
		return o.fail(ctx, t, req, err)
	}

	thanked := o.now()
	o.saveMessage(ctx, t, func(m *model.Message) { m.UserThankedTimestamp = &thanked })
	o.emit(ctx, model.EventAwaitingSupervision, ev.ThreadID, t.msg.ResponseID, ev.UserEmail, "",
		map[string]any{"route": route, "sources": len(draft.Sources)})
	t.log.Info("draft sent for supervision", zap.String("route", route))
	return OutcomeAwaitingSupervision, nil
}

// fail moves every card already posted for the message to the failed state.
func (o *Orchestrator) fail(ctx context.Context, t *turn, req *model.SupervisionRequest, cause error) (Outcome, error) {
	t.log.Log(LogLevel(cause), "message processing failed", zap.String("error_kind", string(KindOf(cause))), zap.Error(cause))
	if t.msg != nil && t.msg.StatusMessageID != "" {
		failed := card.Failure(t.ev.Text)
		if KindOf(cause) == KindConfiguration {
			// Configuration errors name the missing setup.
			failed = card.Notice(SetupMessage(cause))
		}
		if err := t.clients.Adviser.UpdateCard(ctx, t.msg.StatusMessageID, failed); err != nil {
			t.log.Warn("failed to mark adviser card failed", zap.Error(err))
		}
	}
	if req != nil && req.RequestMessageID != "" {
		if err := t.clients.Supervisor.UpdateCard(ctx, req.RequestMessageID,
			card.RequestResolved(req.UserEmail, t.ev.Text, card.StatusFailed)); err != nil {
			t.log.Warn("failed to mark approval request failed", zap.Error(err))
		}
	}
	responseID := ""
	if t.msg != nil {
		responseID = t.msg.ResponseID
	}
	o.emit(ctx, model.EventGenerationFailed, t.ev.ThreadID, responseID, t.ev.UserEmail, cause.Error(), nil)
	return OutcomeFailed, cause
}

func (o *Orchestrator) notify(ctx context.Context, t *turn, text string) {
	if _, _, err := t.clients.Adviser.SendCard(ctx, t.ev.SpaceID, t.ev.ThreadID, card.Notice(text)); err != nil {
		t.log.Warn("failed to post notice", zap.String("notice", text), zap.Error(err))
	}
}

func (o *Orchestrator) saveMessage(ctx context.Context, t *turn, fn func(*model.Message)) {
	_, err := o.Repo.UpdateMessage(ctx, t.msg.ThreadID, t.msg.ResponseID, func(m *model.Message) error {
		fn(m)
		return nil
	})
	if err != nil {
		t.log.Warn("failed to save message", zap.Error(err))
	}
}

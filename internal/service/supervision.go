package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/store"
	"github.com/capitalize-ai/caddy-supervisor/pkg/metrics"
	"github.com/capitalize-ai/caddy-supervisor/pkg/tracing"
)

// Decision is a supervisor's verdict on one draft.
type Decision struct {
	ResponseID    string
	Approved      bool
	Notes         string
	ApproverEmail string
	ApproverName  string
	At            time.Time
}

// Supervisor sends drafts for review and records decisions.
type Supervisor struct {
	*core
	surveys *Surveys
}

// supervisionSpace resolves where a user's drafts are reviewed.
func (s *Supervisor) supervisionSpace(ctx context.Context, email string) (string, error) {
	user, err := s.Repo.GetUser(ctx, email)
	if err != nil {
		return "", misconfigured("supervision space", "user not registered", err)
	}
	office, err := s.Repo.OfficeForUser(ctx, email)
	if err != nil {
		return "", misconfigured("supervision space", "office not enrolled", err)
	}
	return supervisionSpaceFor(user, office)
}

// supervisionSpaceFor is the user's own supervision space, else the office's.
func supervisionSpaceFor(user *model.User, office *model.Office) (string, error) {
	if user.SupervisionSpaceID != "" {
		return user.SupervisionSpaceID, nil
	}
	if office.SupervisionSpaceID == "" {
		return "", misconfigured("supervision space", "no supervision space configured for "+office.Domain, nil)
	}
	return office.SupervisionSpaceID, nil
}

// RequestApproval posts the approval request and the review card to the
// supervision space and moves the adviser's card to awaiting approval. The
// returned request is non-nil whenever it was recorded, even on error, so the
// caller can mark any posted cards as failed.
func (s *Supervisor) RequestApproval(ctx context.Context, msg *model.Message) (*model.SupervisionRequest, error) {
	ctx, span := tracing.Start(ctx, "service.RequestApproval")
	var err error
	defer func() { tracing.End(span, err) }()

	clients, err := s.clients(msg.Client)
	if err != nil {
		return nil, err
	}
	space, err := s.supervisionSpace(ctx, msg.UserEmail)
	if err != nil {
		return nil, err
	}

	req := &model.SupervisionRequest{
		ResponseID:        msg.ResponseID,
		ThreadID:          msg.ThreadID,
		UserEmail:         msg.UserEmail,
		Client:            msg.Client,
		AdviserSpaceID:    msg.ConversationID,
		AdviserMessageID:  msg.StatusMessageID,
		SupervisorSpaceID: space,
		CreatedAt:         s.now(),
	}
	if err = s.Repo.CreateSupervisionRequest(ctx, req); err != nil {
		if errors.Is(err, store.ErrExists) {
			err = duplicate("request approval", "supervision already requested for "+msg.ResponseID)
		}
		return nil, err
	}

	if msg.StatusMessageID != "" {
		if uerr := clients.Adviser.UpdateCard(ctx, msg.StatusMessageID, card.Status(msg.Text, card.StatusAwaiting)); uerr != nil {
			s.Logger.Warn("failed to update adviser status", zap.String("response_id", msg.ResponseID), zap.Error(uerr))
		}
	}

	supThread, requestID, err := clients.Supervisor.SendCard(ctx, space, "", card.ApprovalRequest(msg.UserEmail, msg.Text))
	if err != nil {
		return req, fmt.Errorf("failed to post approval request: %w", err)
	}
	req.SupervisorThreadID, req.RequestMessageID = supThread, requestID
	s.saveRequest(ctx, req)

	answer := ""
	if msg.LLMAnswer != nil {
		answer = *msg.LLMAnswer
	}
	_, reviewID, err := clients.Supervisor.SendCard(ctx, space, supThread, card.Review(msg.ResponseID, msg.ThreadID, msg.Text, answer, msg.Context))
	if err != nil {
		return req, fmt.Errorf("failed to post review card: %w", err)
	}
	req.SupervisorMessageID = reviewID
	s.saveRequest(ctx, req)

	received := s.now()
	if _, uerr := s.Repo.UpdateMessage(ctx, msg.ThreadID, msg.ResponseID, func(m *model.Message) error {
		m.ApproverReceivedTimestamp = &received
		return nil
	}); uerr != nil {
		s.Logger.Warn("failed to stamp approver received time", zap.String("response_id", msg.ResponseID), zap.Error(uerr))
	}
	return req, nil
}

func (s *Supervisor) saveRequest(ctx context.Context, req *model.SupervisionRequest) {
	_, err := s.Repo.UpdateSupervisionRequest(ctx, req.ResponseID, func(r *model.SupervisionRequest) error {
		r.SupervisorThreadID = req.SupervisorThreadID
		r.RequestMessageID = req.RequestMessageID
		r.SupervisorMessageID = req.SupervisorMessageID
		return nil
	})
	if err != nil {
		s.Logger.Warn("failed to save supervision request", zap.String("response_id", req.ResponseID), zap.Error(err))
	}
}

// Decide records exactly one decision per response and updates the cards on
// both sides. Later decisions for the same response return a duplicate error.
func (s *Supervisor) Decide(ctx context.Context, d Decision) (*model.ApprovalEvent, error) {
	ctx, span := tracing.Start(ctx, "service.Decide")
	var err error
	defer func() { tracing.End(span, err) }()

	notes := strings.TrimSpace(d.Notes)
	if !d.Approved && notes == "" {
		err = ErrNotesRequired
		return nil, err
	}
	if d.ResponseID == "" {
		err = errors.New("decision has no response id")
		return nil, err
	}

	approver, err := s.Repo.GetUser(ctx, d.ApproverEmail)
	if err != nil || !approver.IsApprover {
		err = blocked("decide", card.UserNotSupervisor)
		return nil, err
	}

	req, err := s.Repo.GetSupervisionRequest(ctx, d.ResponseID)
	if errors.Is(err, store.ErrNotFound) {
		err = duplicate("decide", "no open supervision request for "+d.ResponseID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	msg, err := s.Repo.GetMessage(ctx, req.ThreadID, req.ResponseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	at := d.At
	if at.IsZero() {
		at = s.now()
	}
	ev := &model.ApprovalEvent{
		ResponseID:            d.ResponseID,
		ThreadID:              req.ThreadID,
		ApproverEmail:         d.ApproverEmail,
		Approved:              d.Approved,
		ApprovalTimestamp:     at,
		UserResponseTimestamp: s.now(),
	}
	if notes != "" {
		ev.SupervisorMessage = &notes
	}
	if err = s.Repo.CreateApproval(ctx, ev); err != nil {
		if errors.Is(err, store.ErrExists) {
			err = duplicate("decide", "decision already recorded for "+d.ResponseID)
		}
		return nil, err
	}

	log := s.Logger.WithContext(d.ResponseID, req.ThreadID, req.UserEmail)
	name := d.ApproverName
	if name == "" {
		name = d.ApproverEmail
	}

	s.updateCards(ctx, req, msg, ev, name, notes)

	if derr := s.Repo.DeleteSupervisionRequest(ctx, d.ResponseID); derr != nil {
		log.Warn("failed to delete supervision request", zap.Error(derr))
	}

	metrics.RecordDecision(d.Approved, at.Sub(req.CreatedAt).Seconds())
	typ := model.EventRejected
	if d.Approved {
		typ = model.EventApproved
	}
	s.emit(ctx, typ, req.ThreadID, d.ResponseID, req.UserEmail, "", map[string]any{"approver": d.ApproverEmail})
	log.Info("supervisor decision recorded", zap.Bool("approved", d.Approved), zap.String("approver", d.ApproverEmail))

	if thread, terr := s.Repo.GetThread(ctx, req.ThreadID); terr == nil && !thread.CallComplete {
		if oerr := s.surveys.OfferCallCompletion(ctx, thread); oerr != nil {
			log.Warn("failed to offer call completion", zap.Error(oerr))
		}
	}
	return ev, nil
}

// updateCards applies a recorded decision to the adviser card and both
// supervisor cards. Card failures are logged; the decision stands.
func (s *Supervisor) updateCards(ctx context.Context, req *model.SupervisionRequest, msg *model.Message, ev *model.ApprovalEvent, approver, notes string) {
	log := s.Logger.WithContext(req.ResponseID, req.ThreadID, req.UserEmail)
	clients, err := s.clients(req.Client)
	if err != nil {
		log.Error("cannot update cards", zap.Error(err))
		return
	}

	answer := ""
	if msg.LLMAnswer != nil {
		answer = *msg.LLMAnswer
	}

	var adviserCard *card.Card
	var outcome string
	if ev.Approved {
		outcome = card.ApprovedOutcome(approver)
		adviserCard = card.Approved(msg.Text, answer, msg.Context, approver, notes)
		if office, oerr := s.Repo.OfficeForUser(ctx, req.UserEmail); oerr == nil && office.EvaluationEnrolled && len(office.Survey) > 0 {
			if issued, ierr := s.surveys.MarkIssued(ctx, req.ThreadID); ierr == nil && issued {
				adviserCard.Append(card.SurveySection(req.ThreadID, office.Survey))
				metrics.SurveysTotal.WithLabelValues("issued").Inc()
				s.emit(ctx, model.EventSurveyIssued, req.ThreadID, req.ResponseID, req.UserEmail, "approved_card", nil)
			}
		}
	} else {
		outcome = card.RejectedOutcome(approver, notes)
		adviserCard = card.Rejected(msg.Text, approver, notes)
	}

	if req.AdviserMessageID != "" {
		if err := clients.Adviser.UpdateCard(ctx, req.AdviserMessageID, adviserCard); err != nil {
			log.Error("failed to update adviser card", zap.Error(err))
		}
	} else if _, _, err := clients.Adviser.SendCard(ctx, req.AdviserSpaceID, req.ThreadID, adviserCard); err != nil {
		log.Error("failed to post adviser card", zap.Error(err))
	}

	if req.SupervisorMessageID != "" {
		if err := clients.Supervisor.UpdateCard(ctx, req.SupervisorMessageID, card.ReviewResolved(msg.Text, answer, msg.Context, outcome)); err != nil {
			log.Error("failed to update review card", zap.Error(err))
		}
	}
	if req.RequestMessageID != "" {
		if err := clients.Supervisor.UpdateCard(ctx, req.RequestMessageID, card.RequestResolved(req.UserEmail, msg.Text, outcome)); err != nil {
			log.Error("failed to update approval request", zap.Error(err))
		}
	}
}

// ForwardControlQuery posts a control group query to the supervision space
// for a human answer.
func (s *Supervisor) ForwardControlQuery(ctx context.Context, ev *model.CardAction) error {
	clients, err := s.clients(ev.Client)
	if err != nil {
		return err
	}
	space, err := s.supervisionSpace(ctx, ev.UserEmail)
	if err != nil {
		return err
	}
	question := ev.Parameters[card.ParamMessage]
	if _, _, err := clients.Supervisor.SendCard(ctx, space, "", card.Forwarded(ev.UserEmail, question)); err != nil {
		return fmt.Errorf("failed to forward query: %w", err)
	}
	if ev.MessageID != "" {
		if err := clients.Adviser.UpdateCard(ctx, ev.MessageID, card.Status(question, "Forwarded to a supervisor")); err != nil {
			s.Logger.Warn("failed to update control card", zap.Error(err))
		}
	}
	return nil
}

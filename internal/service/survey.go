package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/store"
	"github.com/capitalize-ai/caddy-supervisor/pkg/metrics"
)

// ErrSurveyClosed is returned when answers arrive for a completed survey.
var ErrSurveyClosed = errors.New("survey already complete")

var errAlreadyIssued = errors.New("survey already issued")

// Surveys runs the post-call survey and call completion.
type Surveys struct {
	*core
}

// RunSurvey posts the office's survey to the thread once. On a thread whose
// survey is complete it posts the closed-thread notice instead. It reports
// whether a survey card was posted.
func (s *Surveys) RunSurvey(ctx context.Context, threadID string) (bool, error) {
	thread, err := s.Repo.GetThread(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("failed to load thread: %w", err)
	}
	clients, err := s.clients(thread.Client)
	if err != nil {
		return false, err
	}

	if thread.SurveyComplete {
		_, _, err := clients.Adviser.SendCard(ctx, thread.ConversationID, thread.ThreadID, card.Notice(card.ThreadClosedNotice))
		return false, err
	}
	if thread.SurveyIssuedAt != nil {
		return false, nil
	}

	office, err := s.Repo.OfficeForUser(ctx, thread.UserEmail)
	if err != nil {
		return false, misconfigured("run survey", "office not found", err)
	}
	questions := unanswered(office.Survey, thread)
	if len(questions) == 0 {
		return false, nil
	}

	issued, err := s.MarkIssued(ctx, threadID)
	if err != nil || !issued {
		return false, err
	}
	if _, _, err := clients.Adviser.SendCard(ctx, thread.ConversationID, thread.ThreadID, card.Survey(threadID, questions)); err != nil {
		if _, rerr := s.Repo.UpdateThread(ctx, threadID, func(t *model.Thread) error {
			t.SurveyIssuedAt = nil
			return nil
		}); rerr != nil {
			s.Logger.Error("failed to release survey claim", zap.String("thread_id", threadID), zap.Error(rerr))
		}
		return false, fmt.Errorf("failed to post survey: %w", err)
	}

	metrics.SurveysTotal.WithLabelValues("issued").Inc()
	s.emit(ctx, model.EventSurveyIssued, threadID, "", thread.UserEmail, "", nil)
	return true, nil
}

// MarkIssued stamps the survey as issued. It returns false if it already was.
func (s *Surveys) MarkIssued(ctx context.Context, threadID string) (bool, error) {
	now := s.now()
	_, err := s.Repo.UpdateThread(ctx, threadID, func(t *model.Thread) error {
		if t.SurveyIssuedAt != nil || t.SurveyComplete {
			return errAlreadyIssued
		}
		t.SurveyIssuedAt = &now
		return nil
	})
	if errors.Is(err, errAlreadyIssued) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark survey issued: %w", err)
	}
	return true, nil
}

// RecordResponse appends answers to the thread and marks the survey complete
// once every configured question has an answer. Answers are never replaced;
// an answer identical to one already recorded is ignored.
func (s *Surveys) RecordResponse(ctx context.Context, threadID string, answers []model.SurveyAnswer) (bool, error) {
	thread, err := s.Repo.GetThread(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("failed to load thread: %w", err)
	}
	office, err := s.Repo.OfficeForUser(ctx, thread.UserEmail)
	if err != nil {
		return false, misconfigured("record survey", "office not found", err)
	}

	updated, err := s.Repo.UpdateThread(ctx, threadID, func(t *model.Thread) error {
		if t.SurveyComplete {
			return ErrSurveyClosed
		}
		for _, a := range answers {
			if a.Question == "" || recorded(t, a) {
				continue
			}
			if a.AnsweredAt.IsZero() {
				a.AnsweredAt = s.now()
			}
			t.SurveyResponses = append(t.SurveyResponses, a)
		}
		if len(office.Survey) > 0 && len(unanswered(office.Survey, t)) == 0 {
			t.SurveyComplete = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	metrics.SurveysTotal.WithLabelValues("answered").Inc()
	s.emit(ctx, model.EventSurveyAnswered, threadID, "", thread.UserEmail, "", map[string]any{"complete": updated.SurveyComplete})
	if updated.SurveyComplete {
		metrics.SurveysTotal.WithLabelValues("completed").Inc()
	}
	return updated.SurveyComplete, nil
}

// MarkCallComplete ends the call: the user's active call is cleared first,
// then the thread is marked complete.
func (s *Surveys) MarkCallComplete(ctx context.Context, threadID, email string) error {
	_, err := s.Repo.UpdateUser(ctx, email, func(u *model.User) error {
		if u.ActiveThreadID == threadID || u.ActiveThreadID == "" {
			u.ActiveCall = false
			u.ActiveThreadID = ""
			u.CallStartTime = time.Time{}
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to clear active call: %w", err)
	}

	_, err = s.Repo.UpdateThread(ctx, threadID, func(t *model.Thread) error {
		t.ActiveCall = false
		t.CallComplete = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark call complete: %w", err)
	}
	s.emit(ctx, model.EventCallComplete, threadID, "", email, "", nil)
	return nil
}

// OfferCallCompletion posts the "mark call complete" card to the thread.
func (s *Surveys) OfferCallCompletion(ctx context.Context, thread *model.Thread) error {
	clients, err := s.clients(thread.Client)
	if err != nil {
		return err
	}
	_, _, err = clients.Adviser.SendCard(ctx, thread.ConversationID, thread.ThreadID, card.CallComplete(thread.ThreadID))
	return err
}

// CompleteCall marks the call complete and runs the survey.
func (s *Surveys) CompleteCall(ctx context.Context, threadID, email string) error {
	if err := s.MarkCallComplete(ctx, threadID, email); err != nil {
		return err
	}
	_, err := s.RunSurvey(ctx, threadID)
	return err
}

func recorded(t *model.Thread, a model.SurveyAnswer) bool {
	for _, r := range t.SurveyResponses {
		if r.Question == a.Question && r.Answer == a.Answer {
			return true
		}
	}
	return false
}

func unanswered(questions []model.SurveyQuestion, t *model.Thread) []model.SurveyQuestion {
	var out []model.SurveyQuestion
	for _, q := range questions {
		if !t.Answered(q.Question) {
			out = append(out, q)
		}
	}
	return out
}

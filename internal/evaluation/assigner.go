package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/repository"
	"github.com/capitalize-ai/caddy-supervisor/internal/store"
	"github.com/capitalize-ai/caddy-supervisor/pkg/metrics"
)

// ErrAssignmentPending is returned when another invocation holds the claim
// on a thread and did not finish within the wait.
var ErrAssignmentPending = errors.New("evaluation assignment still pending")

// Assigner produces one assignment per thread. The first invocation claims the
// thread with a conditional create; every other invocation reads the result.
type Assigner struct {
	repo     *repository.Repository
	registry *Registry
	logger   *zap.Logger

	// Wait bounds how long a losing claimant polls for the winner's result.
	Wait time.Duration
	// Poll is the interval between reads while waiting.
	Poll time.Duration
	// Stale is the age after which an unfinished claim may be taken over.
	Stale time.Duration

	now func() time.Time
}

// NewAssigner creates an assigner.
func NewAssigner(repo *repository.Repository, registry *Registry, wait time.Duration, log *zap.Logger) *Assigner {
	return &Assigner{
		repo:     repo,
		registry: registry,
		logger:   log,
		Wait:     wait,
		Poll:     100 * time.Millisecond,
		Stale:    2 * time.Minute,
		now:      time.Now,
	}
}

// Assign returns the thread's assignment, running the office's modules only
// if no assignment has been recorded. reused is true when a stored assignment
// was returned.
func (a *Assigner) Assign(ctx context.Context, thread *model.Thread, office *model.Office) (out *model.EvaluationModuleOutput, reused bool, err error) {
	existing, rev, err := a.repo.GetEvaluation(ctx, thread.ThreadID)
	switch {
	case err == nil && existing.State == model.EvaluationComplete:
		return existing, true, nil
	case err == nil:
		return a.await(ctx, thread, office, existing, rev)
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, fmt.Errorf("failed to read assignment: %w", err)
	}

	claim := &model.EvaluationModuleOutput{
		ThreadID:  thread.ThreadID,
		State:     model.EvaluationPending,
		Arm:       model.ArmUnassigned,
		ClaimedAt: a.now(),
	}
	rev, err = a.repo.ClaimEvaluation(ctx, claim)
	if errors.Is(err, store.ErrExists) {
		a.logger.Info("assignment claimed by another invocation", zap.String("thread_id", thread.ThreadID))
		existing, rev, err := a.repo.GetEvaluation(ctx, thread.ThreadID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read assignment: %w", err)
		}
		if existing.State == model.EvaluationComplete {
			return existing, true, nil
		}
		return a.await(ctx, thread, office, existing, rev)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim assignment: %w", err)
	}

	out, err = a.run(ctx, thread, office, claim, rev)
	return out, false, err
}

// await polls a pending claim until it completes, the wait expires, or the
// claim is old enough to take over.
func (a *Assigner) await(ctx context.Context, thread *model.Thread, office *model.Office, pending *model.EvaluationModuleOutput, rev uint64) (*model.EvaluationModuleOutput, bool, error) {
	deadline := a.now().Add(a.Wait)
	for {
		if a.now().Sub(pending.ClaimedAt) > a.Stale {
			pending.ClaimedAt = a.now()
			newRev, err := a.repo.TakeOverEvaluation(ctx, pending, rev)
			if err == nil {
				a.logger.Warn("taking over stale assignment claim", zap.String("thread_id", thread.ThreadID))
				out, err := a.run(ctx, thread, office, pending, newRev)
				return out, false, err
			}
			if !errors.Is(err, store.ErrRevisionMismatch) {
				return nil, false, fmt.Errorf("failed to take over assignment: %w", err)
			}
		}
		if !a.now().Before(deadline) {
			return nil, false, ErrAssignmentPending
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(a.Poll):
		}

		next, nextRev, err := a.repo.GetEvaluation(ctx, thread.ThreadID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read assignment: %w", err)
		}
		if next.State == model.EvaluationComplete {
			return next, true, nil
		}
		pending, rev = next, nextRev
	}
}

func (a *Assigner) run(ctx context.Context, thread *model.Thread, office *model.Office, claim *model.EvaluationModuleOutput, rev uint64) (*model.EvaluationModuleOutput, error) {
	out := &model.EvaluationModuleOutput{
		ThreadID:             thread.ThreadID,
		State:                model.EvaluationComplete,
		ModulesUsed:          office.Modules,
		ContinueConversation: true,
		ClaimedAt:            claim.ClaimedAt,
	}

	in := Input{ThreadID: thread.ThreadID, UserEmail: thread.UserEmail}
	for _, cfg := range office.Modules {
		oc := a.registry.Run(ctx, cfg, in)
		out.Outcomes = append(out.Outcomes, oc)
		if !oc.OK() {
			metrics.ModuleFailures.WithLabelValues(cfg.Name).Inc()
			a.logger.Warn("skipping evaluation module",
				zap.String("thread_id", thread.ThreadID),
				zap.String("module", cfg.Name),
				zap.String("reason", oc.Reason),
			)
			continue
		}
		// Only the first end_interaction decides; later modules cannot reopen.
		if oc.Status == model.StatusEnd && out.ContinueConversation {
			out.ContinueConversation = false
			msg := oc.Message
			out.ControlGroupMessage = &msg
		}
	}
	out.Arm = armOf(out)
	done := a.now()
	out.CompletedAt = &done

	if err := a.repo.CompleteEvaluation(ctx, out, rev); err != nil {
		return nil, fmt.Errorf("failed to persist assignment: %w", err)
	}
	metrics.AssignmentsTotal.WithLabelValues(string(out.Arm)).Inc()

	outputs := make(map[string]json.RawMessage, len(out.Outcomes))
	for _, oc := range out.Outcomes {
		raw, err := json.Marshal(oc)
		if err != nil {
			continue
		}
		outputs[oc.Module] = raw
	}
	if _, err := a.repo.UpdateThread(ctx, thread.ThreadID, func(t *model.Thread) error {
		t.EvaluationArm = out.Arm
		t.ModuleOutputs = outputs
		return nil
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to record arm on thread: %w", err)
	}
	thread.EvaluationArm = out.Arm
	thread.ModuleOutputs = outputs

	a.logger.Info("evaluation assignment recorded",
		zap.String("thread_id", thread.ThreadID),
		zap.String("arm", string(out.Arm)),
		zap.Bool("continue", out.ContinueConversation),
		zap.Int("modules", len(out.Outcomes)),
	)
	return out, nil
}

func armOf(out *model.EvaluationModuleOutput) model.Arm {
	if !out.ContinueConversation {
		return model.ArmControl
	}
	ran := false
	for _, oc := range out.Outcomes {
		if !oc.OK() {
			continue
		}
		ran = true
		if oc.Variant != "" {
			return model.Arm(oc.Variant)
		}
	}
	if ran {
		return model.ArmTreatment
	}
	return model.ArmUnassigned
}

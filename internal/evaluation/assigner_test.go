package evaluation

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/repository"
	"github.com/capitalize-ai/caddy-supervisor/internal/store/memory"
)

type harness struct {
	repo     *repository.Repository
	registry *Registry
	assigner *Assigner
	calls    atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{repo: repository.New(memory.New()), registry: NewRegistry()}
	h.registry.Register("counting", ModuleFunc(func(context.Context, Input) (Result, error) {
		h.calls.Add(1)
		return Result{Status: model.StatusContinue, Variant: "treatment"}, nil
	}))
	h.assigner = NewAssigner(h.repo, h.registry, time.Second, zap.NewNop())
	h.assigner.Poll = 5 * time.Millisecond
	return h
}

func newThread(t *testing.T, repo *repository.Repository, id string) *model.Thread {
	t.Helper()
	th := &model.Thread{ThreadID: id, UserEmail: "adviser@office.org", ActiveCall: true, EvaluationArm: model.ArmUnassigned}
	if err := repo.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return th
}

func TestAssignIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	th := newThread(t, h.repo, "t1")
	office := &model.Office{Domain: "office.org", Modules: []model.ModuleConfig{{Name: "counting"}}}

	first, reused, err := h.assigner.Assign(ctx, th, office)
	if err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if reused {
		t.Fatal("first assign reported reuse")
	}
	second, reused, err := h.assigner.Assign(ctx, th, office)
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if !reused {
		t.Fatal("second assign did not reuse the stored assignment")
	}
	if !reflect.DeepEqual(first.Outcomes, second.Outcomes) || first.Arm != second.Arm || first.ContinueConversation != second.ContinueConversation {
		t.Fatalf("second result differs:\nfirst  %+v\nsecond %+v", first, second)
	}
	if n := h.calls.Load(); n != 1 {
		t.Fatalf("module ran %d times, want 1", n)
	}

	stored, err := h.repo.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if stored.EvaluationArm != model.ArmTreatment || len(stored.ModuleOutputs) != 1 {
		t.Fatalf("thread not updated: %+v", stored)
	}
}

func TestConcurrentAssignRunsModulesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	th := newThread(t, h.repo, "t-race")
	office := &model.Office{Modules: []model.ModuleConfig{{Name: "counting"}}}

	var wg sync.WaitGroup
	arms := make([]model.Arm, 8)
	errs := make([]error, 8)
	for i := range arms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp := *th
			out, _, err := h.assigner.Assign(ctx, &cp, office)
			errs[i] = err
			if out != nil {
				arms[i] = out.Arm
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if arms[i] != model.ArmTreatment {
			t.Fatalf("assign %d arm = %q", i, arms[i])
		}
	}
	if n := h.calls.Load(); n != 1 {
		t.Fatalf("module ran %d times, want 1", n)
	}
}

func TestFirstEndInteractionWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registry.Register("end-a", ModuleFunc(func(context.Context, Input) (Result, error) {
		return Result{Status: model.StatusEnd, Variant: "control", Message: "first"}, nil
	}))
	h.registry.Register("end-b", ModuleFunc(func(context.Context, Input) (Result, error) {
		return Result{Status: model.StatusEnd, Variant: "control", Message: "second"}, nil
	}))
	th := newThread(t, h.repo, "t2")
	office := &model.Office{Modules: []model.ModuleConfig{{Name: "end-a"}, {Name: "counting"}, {Name: "end-b"}}}

	out, _, err := h.assigner.Assign(ctx, th, office)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if out.ContinueConversation {
		t.Fatal("conversation should end")
	}
	if out.ControlGroupMessage == nil || *out.ControlGroupMessage != "first" {
		t.Fatalf("control message = %v, want first", out.ControlGroupMessage)
	}
	if len(out.Outcomes) != 3 || h.calls.Load() != 1 {
		t.Fatalf("later modules should still run: %d outcomes, %d calls", len(out.Outcomes), h.calls.Load())
	}
	if out.Arm != model.ArmControl {
		t.Fatalf("arm = %q", out.Arm)
	}
}

func TestFailedModulesAreSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registry.Register("boom", ModuleFunc(func(context.Context, Input) (Result, error) {
		panic("boom")
	}))
	h.registry.Register("broken", ModuleFunc(func(context.Context, Input) (Result, error) {
		return Result{}, errors.New("no config")
	}))
	th := newThread(t, h.repo, "t3")
	office := &model.Office{Modules: []model.ModuleConfig{{Name: "missing"}, {Name: "boom"}, {Name: "broken"}, {Name: "counting"}}}

	out, _, err := h.assigner.Assign(ctx, th, office)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	for i, want := range []bool{true, true, true, false} {
		if out.Outcomes[i].Failed != want {
			t.Fatalf("outcome %d failed = %v, want %v (%+v)", i, out.Outcomes[i].Failed, want, out.Outcomes[i])
		}
	}
	if !out.ContinueConversation || out.Arm != model.ArmTreatment {
		t.Fatalf("unexpected assignment %+v", out)
	}
}

func TestNoModulesIsUnassigned(t *testing.T) {
	h := newHarness(t)
	th := newThread(t, h.repo, "t4")
	out, _, err := h.assigner.Assign(context.Background(), th, &model.Office{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if out.Arm != model.ArmUnassigned || !out.ContinueConversation {
		t.Fatalf("assignment = %+v", out)
	}
}

func TestPendingClaimTimesOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.assigner.Wait = 20 * time.Millisecond
	th := newThread(t, h.repo, "t5")
	if _, err := h.repo.ClaimEvaluation(ctx, &model.EvaluationModuleOutput{
		ThreadID: "t5", State: model.EvaluationPending, ClaimedAt: time.Now(),
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, _, err := h.assigner.Assign(ctx, th, &model.Office{Modules: []model.ModuleConfig{{Name: "counting"}}})
	if !errors.Is(err, ErrAssignmentPending) {
		t.Fatalf("err = %v, want ErrAssignmentPending", err)
	}
	if h.calls.Load() != 0 {
		t.Fatal("modules ran while another claim was live")
	}
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	th := newThread(t, h.repo, "t6")
	if _, err := h.repo.ClaimEvaluation(ctx, &model.EvaluationModuleOutput{
		ThreadID: "t6", State: model.EvaluationPending, ClaimedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	out, _, err := h.assigner.Assign(ctx, th, &model.Office{Modules: []model.ModuleConfig{{Name: "counting"}}})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if out.State != model.EvaluationComplete || h.calls.Load() != 1 {
		t.Fatalf("stale claim not completed: %+v", out)
	}
}

func TestRandomisation(t *testing.T) {
	reg := DefaultRegistry(func() float64 { return 0.2 })
	cfg := model.ModuleConfig{Name: "randomisation", Arguments: map[string]any{"split": 0.5, "control_group_message": "please call back"}}

	oc := reg.Run(context.Background(), cfg, Input{})
	if !oc.OK() || oc.Status != model.StatusEnd || oc.Variant != "control" || oc.Message != "please call back" {
		t.Fatalf("outcome = %+v", oc)
	}

	reg = DefaultRegistry(func() float64 { return 0.8 })
	oc = reg.Run(context.Background(), cfg, Input{})
	if oc.Status != model.StatusContinue || oc.Variant != "treatment" {
		t.Fatalf("outcome = %+v", oc)
	}

	bad := model.ModuleConfig{Name: "randomisation", Arguments: map[string]any{"split": 3}}
	if oc := reg.Run(context.Background(), bad, Input{}); oc.OK() {
		t.Fatalf("split out of range should fail, got %+v", oc)
	}
}

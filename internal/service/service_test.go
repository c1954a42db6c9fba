package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
	"github.com/capitalize-ai/caddy-supervisor/internal/chat/local"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/store"
	"github.com/capitalize-ai/caddy-supervisor/pkg/logger"
)

func TestApprovedWithNotes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.send(t, message("m1", "Can my client's landlord evict them without notice?"), OutcomeAwaitingSupervision)

	msg := h.message(t, "m1")
	if msg.LLMAnswer == nil || msg.Route != "housing" || len(msg.Context) != 1 {
		t.Fatalf("message = %+v", msg)
	}
	if msg.LLMResponseTimestamp.Before(*msg.LLMPromptTimestamp) {
		t.Fatal("response timestamp before prompt timestamp")
	}
	if got := statusText(t, h.adviser.Card(msg.StatusMessageID)); !strings.Contains(got, card.StatusAwaiting) {
		t.Fatalf("adviser status = %q", got)
	}
	if n := len(h.supervisor.Sent()); n != 2 {
		t.Fatalf("supervisor cards = %d, want request and review", n)
	}

	req, err := h.repo.GetSupervisionRequest(ctx, msg.ResponseID)
	if err != nil {
		t.Fatalf("supervision request: %v", err)
	}
	if req.SupervisorSpaceID != supervisorSpace || req.SupervisorMessageID == "" || req.RequestMessageID == "" {
		t.Fatalf("request = %+v", req)
	}

	if _, err := h.svc.Handle(ctx, supervisorAction(model.ActionApprove, msg.ResponseID, "looks good")); err != nil {
		t.Fatalf("approve: %v", err)
	}

	ev, err := h.repo.GetApproval(ctx, msg.ResponseID)
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if !ev.Approved || ev.SupervisorMessage == nil || *ev.SupervisorMessage != "looks good" || ev.ApproverEmail != supervisorEmail {
		t.Fatalf("approval = %+v", ev)
	}

	adviserCard := h.adviser.Card(msg.StatusMessageID)
	if got := statusText(t, adviserCard); got != "<b>Status:</b> "+card.ApprovedOutcome("Sam") {
		t.Fatalf("adviser status = %q", got)
	}
	if notes, ok := adviserCard.Section(card.SlotNotes); !ok || !strings.Contains(notes.Widgets[0].Text, "looks good") {
		t.Fatal("adviser card is missing supervisor notes")
	}
	if got := statusText(t, h.supervisor.Card(req.SupervisorMessageID)); !strings.Contains(got, "approved by Sam") {
		t.Fatalf("review status = %q", got)
	}
	if _, err := h.repo.GetSupervisionRequest(ctx, msg.ResponseID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("supervision request should be removed, err = %v", err)
	}
	if len(sentWithID(h.adviser, "call")) != 1 {
		t.Fatal("call completion was not offered")
	}
	if h.events.count(model.EventApproved) != 1 || h.events.count(model.EventAwaitingSupervision) != 1 {
		t.Fatalf("events = %v", h.events.events)
	}
}

func TestRejectionRequiresNotes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.send(t, message("m1", "Can my client claim housing benefit?"), OutcomeAwaitingSupervision)
	msg := h.message(t, "m1")

	reply, err := h.svc.Handle(ctx, supervisorAction(model.ActionReject, msg.ResponseID, ""))
	if err != nil || reply == nil {
		t.Fatalf("reject click: reply=%v err=%v", reply, err)
	}
	if len(h.supervisor.Dialogs()) != 1 {
		t.Fatal("rejection dialog not opened")
	}

	submit := &model.DialogSubmit{
		Source:     supervisorAction("", "", "").Source,
		Action:     model.ActionSubmitRejection,
		Parameters: map[string]string{card.ParamResponseID: msg.ResponseID, card.ParamThreadID: threadID},
		Inputs:     map[string]string{card.InputSupervisorNotes: "   "},
	}
	if reply, err := h.svc.Handle(ctx, submit); err != nil || reply == nil {
		t.Fatalf("blank notes: reply=%v err=%v", reply, err)
	}
	if d := h.supervisor.Dialogs()[1]; d.Sections[0].Widgets[0].Text != card.RejectionNotesNeeded {
		t.Fatalf("dialog did not explain the problem: %+v", d.Sections[0])
	}
	if _, err := h.repo.GetApproval(ctx, msg.ResponseID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("decision recorded without notes")
	}

	if _, err := h.svc.Supervisor.Decide(ctx, Decision{ResponseID: msg.ResponseID, ApproverEmail: supervisorEmail}); !errors.Is(err, ErrNotesRequired) {
		t.Fatalf("Decide without notes: err = %v", err)
	}

	submit.Inputs[card.InputSupervisorNotes] = "Refer them to the council's housing team"
	if _, err := h.svc.Handle(ctx, submit); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev, err := h.repo.GetApproval(ctx, msg.ResponseID)
	if err != nil || ev.Approved || *ev.SupervisorMessage != "Refer them to the council's housing team" {
		t.Fatalf("approval = %+v, err = %v", ev, err)
	}
	adviserCard := h.adviser.Card(msg.StatusMessageID)
	notes, _ := adviserCard.Section(card.SlotNotes)
	if !strings.Contains(notes.Widgets[0].Text, "Refer them to the council's housing team") {
		t.Fatalf("adviser notes = %+v", notes)
	}
	if _, ok := adviserCard.Section(card.SlotAnswer); ok {
		t.Fatal("rejected draft shown to adviser")
	}
}

func TestSingleDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.send(t, message("m1", "What is the benefit cap?"), OutcomeAwaitingSupervision)
	msg := h.message(t, "m1")

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := supervisorAction(model.ActionApprove, msg.ResponseID, "")
			if i%2 == 1 {
				action = supervisorAction(model.ActionReject, msg.ResponseID, "no")
			}
			_, err := h.svc.Handle(ctx, action)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent decision: %v", err)
		}
	}

	if n := h.events.count(model.EventApproved) + h.events.count(model.EventRejected); n != 1 {
		t.Fatalf("decisions published = %d, want 1", n)
	}
	if len(sentWithID(h.adviser, "call")) != 1 {
		t.Fatal("call completion offered more than once")
	}
}

func TestNonSupervisorCannotDecide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.send(t, message("m1", "What is the benefit cap?"), OutcomeAwaitingSupervision)
	msg := h.message(t, "m1")

	action := supervisorAction(model.ActionApprove, msg.ResponseID, "")
	action.UserEmail = adviserEmail
	_, err := h.svc.Handle(ctx, action)
	if KindOf(err) != KindUserFacingBlock {
		t.Fatalf("err = %v, want user facing block", err)
	}
	if _, err := h.repo.GetApproval(ctx, msg.ResponseID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("decision recorded for non supervisor")
	}
}

func TestControlArmEndsCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withOffice(func(o *model.Office) {
		o.Modules = []model.ModuleConfig{{Name: "control"}}
	}))

	h.send(t, message("m1", "Can my client appeal a PIP decision?"), OutcomeControlExit)

	if h.generator.Calls() != 0 {
		t.Fatal("control arm should not draft")
	}
	user, _ := h.repo.GetUser(ctx, adviserEmail)
	if user.ActiveCall {
		t.Fatal("active call not cleared")
	}
	thread, _ := h.repo.GetThread(ctx, threadID)
	if !thread.CallComplete || thread.EvaluationArm != model.ArmControl || thread.SurveyIssuedAt == nil {
		t.Fatalf("thread = %+v", thread)
	}
	if n := len(sentWithID(h.adviser, "survey")); n != 1 {
		t.Fatalf("survey cards = %d, want 1", n)
	}
	msg := h.message(t, "m1")
	if got := statusText(t, h.adviser.Card(msg.StatusMessageID)); !strings.Contains(got, "You are in the control group") {
		t.Fatalf("control status = %q", got)
	}

	h.send(t, message("m2", "One more question"), OutcomeThreadClosed)
	if n := len(sentWithID(h.adviser, "survey")); n != 1 {
		t.Fatalf("survey cards after second message = %d", n)
	}
	notices := sentWithID(h.adviser, "notice")
	if len(notices) != 1 || statusText(t, notices[0].Card) != card.ThreadClosedNotice {
		t.Fatalf("notices = %+v", notices)
	}
}

func TestPIIWarningThenProceed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.send(t, message("m1", "My client jo@example.com was sanctioned"), OutcomePIIBlocked)
	msgs, _ := h.repo.ListMessages(ctx, threadID)
	if len(msgs) != 0 {
		t.Fatal("blocked message was recorded")
	}
	warnings := sentWithID(h.adviser, "pii")
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d", len(warnings))
	}
	actions, _ := warnings[0].Card.Section(card.SlotActions)
	proceed := actions.Widgets[0].Buttons[0]

	if _, err := h.svc.Handle(ctx, adviserAction(proceed.Action, proceed.Params)); err != nil {
		t.Fatalf("proceed: %v", err)
	}
	msg := h.message(t, "m1")
	if msg.Text != "My client jo@example.com was sanctioned" || msg.LLMAnswer == nil {
		t.Fatalf("message = %+v", msg)
	}
}

func TestEditQuery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.send(t, message("m1", "Call 07700 900123 about arrears"), OutcomePIIBlocked)

	warnings := sentWithID(h.adviser, "pii")
	actions, _ := warnings[0].Card.Section(card.SlotActions)
	edit := actions.Widgets[0].Buttons[1]
	reply, err := h.svc.Handle(ctx, adviserAction(edit.Action, edit.Params))
	if err != nil || reply == nil {
		t.Fatalf("edit: reply=%v err=%v", reply, err)
	}
	dialog := h.adviser.Dialogs()[0]

	submit := &model.DialogSubmit{
		Source:     adviserAction("", nil).Source,
		Action:     dialog.Submit.Action,
		Parameters: dialog.Submit.Params,
		Inputs:     map[string]string{card.InputQuery: "My client has rent arrears, what are the options?"},
	}
	if _, err := h.svc.Handle(ctx, submit); err != nil {
		t.Fatalf("submit edit: %v", err)
	}
	if msg := h.message(t, "m1"); msg.Text != "My client has rent arrears, what are the options?" {
		t.Fatalf("text = %q", msg.Text)
	}
}

func TestDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	ev := message("m1", "What is the benefit cap?")
	h.send(t, ev, OutcomeAwaitingSupervision)
	h.send(t, ev, OutcomeDuplicate)

	if h.generator.Calls() != 1 || len(h.supervisor.Sent()) != 2 {
		t.Fatalf("generator calls = %d, supervisor cards = %d", h.generator.Calls(), len(h.supervisor.Sent()))
	}
}

func TestFollowUpJoinsActiveCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withOffice(func(o *model.Office) {
		o.Modules = []model.ModuleConfig{{Name: "missing"}}
	}))
	h.send(t, message("m1", "First question"), OutcomeAwaitingSupervision)
	h.send(t, message("m2", "Follow-up question"), OutcomeAwaitingSupervision)

	eval, _, err := h.repo.GetEvaluation(ctx, threadID)
	if err != nil || eval.Arm != model.ArmUnassigned || len(eval.Outcomes) != 1 || eval.Outcomes[0].OK() {
		t.Fatalf("evaluation = %+v, err = %v", eval, err)
	}
}

func TestGenerationFailure(t *testing.T) {
	h := newHarness(t)
	h.generator.err = errors.New("model overloaded")

	_, err := h.svc.HandleInboundMessage(context.Background(), message("m1", "What is the benefit cap?"))
	if KindOf(err) != KindGenerationFailure {
		t.Fatalf("err = %v, want generation failure", err)
	}
	msg := h.message(t, "m1")
	if got := statusText(t, h.adviser.Card(msg.StatusMessageID)); !strings.Contains(got, card.StatusFailed) {
		t.Fatalf("status = %q", got)
	}
	if len(h.supervisor.Sent()) != 0 {
		t.Fatal("failed draft reached supervisors")
	}
	if h.events.count(model.EventGenerationFailed) != 1 {
		t.Fatal("failure event not published")
	}
}

func TestSupervisionDispatchFailure(t *testing.T) {
	h := newHarness(t, withSupervisor(local.New(failingPublisher{}, "supervisor")))

	_, err := h.svc.HandleInboundMessage(context.Background(), message("m1", "What is the benefit cap?"))
	if KindOf(err) != KindGenerationFailure {
		t.Fatalf("err = %v, want generation failure", err)
	}
	msg := h.message(t, "m1")
	if got := statusText(t, h.adviser.Card(msg.StatusMessageID)); !strings.Contains(got, card.StatusFailed) {
		t.Fatalf("status = %q", got)
	}
}

func TestReviewPostFailureFailsRequestCard(t *testing.T) {
	sup := local.New(&flakyPublisher{failOn: 2}, "supervisor")
	h := newHarness(t, withSupervisor(sup))

	_, err := h.svc.HandleInboundMessage(context.Background(), message("m1", "What is the benefit cap?"))
	if KindOf(err) != KindGenerationFailure {
		t.Fatalf("err = %v, want generation failure", err)
	}
	requests := sentWithID(sup, "request")
	if len(requests) != 1 || len(sentWithID(sup, "review")) != 0 {
		t.Fatalf("supervisor posts = %+v", sup.Sent())
	}
	if got := statusText(t, sup.Card(requests[0].MessageID)); !strings.Contains(got, card.StatusFailed) {
		t.Fatalf("request status = %q", got)
	}
	msg := h.message(t, "m1")
	if got := statusText(t, h.adviser.Card(msg.StatusMessageID)); !strings.Contains(got, card.StatusFailed) {
		t.Fatalf("adviser status = %q", got)
	}
}

func TestMissingSupervisionSpace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withOffice(func(o *model.Office) { o.SupervisionSpaceID = "" }))

	out, err := h.svc.HandleInboundMessage(ctx, message("m1", "What is the benefit cap?"))
	if out != OutcomeNotEnrolled || KindOf(err) != KindConfiguration {
		t.Fatalf("outcome = %q, err = %v", out, err)
	}
	if n := h.generator.Calls(); n != 0 {
		t.Fatalf("generator called %d times", n)
	}
	if _, err := h.repo.GetMessage(ctx, threadID, ResponseID(local.Name, "m1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("message recorded: %v", err)
	}
	if _, err := h.repo.GetThread(ctx, threadID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("thread recorded: %v", err)
	}
	notices := sentWithID(h.adviser, "notice")
	if len(notices) != 1 {
		t.Fatalf("notices = %+v", notices)
	}
	got := statusText(t, notices[0].Card)
	if !strings.Contains(got, "no supervision space configured for office.org") || strings.Contains(got, card.StatusFailed) {
		t.Fatalf("notice = %q", got)
	}
}

func TestConfigurationFailureAfterDraftNamesSetup(t *testing.T) {
	h := newHarness(t)
	h.generator.before = func() {
		o := *h.office
		o.SupervisionSpaceID = ""
		if err := h.repo.PutOffice(context.Background(), &o); err != nil {
			t.Errorf("put office: %v", err)
		}
	}

	out, err := h.svc.HandleInboundMessage(context.Background(), message("m1", "What is the benefit cap?"))
	if out != OutcomeFailed || KindOf(err) != KindConfiguration {
		t.Fatalf("outcome = %q, err = %v", out, err)
	}
	msg := h.message(t, "m1")
	got := statusText(t, h.adviser.Card(msg.StatusMessageID))
	if got != SetupMessage(err) || strings.Contains(got, card.StatusFailed) {
		t.Fatalf("status = %q", got)
	}
}

func TestNotEnrolled(t *testing.T) {
	h := newHarness(t)

	ev := message("m1", "hello")
	ev.UserEmail = "stranger@office.org"
	_, err := h.svc.HandleInboundMessage(context.Background(), ev)
	if KindOf(err) != KindConfiguration {
		t.Fatalf("err = %v, want configuration error", err)
	}

	ev = message("m2", "hello")
	ev.UserEmail = "someone@elsewhere.org"
	if out, _ := h.svc.HandleInboundMessage(context.Background(), ev); out != OutcomeNotEnrolled {
		t.Fatalf("outcome = %q", out)
	}
	notices := sentWithID(h.adviser, "notice")
	if len(notices) != 2 || statusText(t, notices[1].Card) != card.DomainNotEnrolled {
		t.Fatalf("notices = %+v", notices)
	}
}

func TestEnrolledApprovalCarriesSurvey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withOffice(func(o *model.Office) { o.EvaluationEnrolled = true }))
	h.send(t, message("m1", "What is the benefit cap?"), OutcomeAwaitingSupervision)
	msg := h.message(t, "m1")

	if _, err := h.svc.Handle(ctx, supervisorAction(model.ActionApprove, msg.ResponseID, "")); err != nil {
		t.Fatalf("approve: %v", err)
	}
	survey, ok := h.adviser.Card(msg.StatusMessageID).Section(card.SlotSurvey)
	if !ok {
		t.Fatal("survey not appended to approved card")
	}

	for _, w := range survey.Widgets {
		if len(w.Buttons) == 0 {
			continue
		}
		b := w.Buttons[0]
		if _, err := h.svc.Handle(ctx, adviserAction(b.Action, b.Params)); err != nil {
			t.Fatalf("answer: %v", err)
		}
	}
	thread, _ := h.repo.GetThread(ctx, threadID)
	if !thread.SurveyComplete || len(thread.SurveyResponses) != 2 {
		t.Fatalf("thread = %+v", thread)
	}

	late := survey.Widgets[1].Buttons[1]
	if _, err := h.svc.Handle(ctx, adviserAction(late.Action, late.Params)); err != nil {
		t.Fatalf("late answer: %v", err)
	}
	thread, _ = h.repo.GetThread(ctx, threadID)
	if len(thread.SurveyResponses) != 2 {
		t.Fatal("answer recorded after survey completed")
	}

	if _, err := h.svc.Handle(ctx, adviserAction(model.ActionCallComplete, map[string]string{card.ParamThreadID: threadID})); err != nil {
		t.Fatalf("call complete: %v", err)
	}
	user, _ := h.repo.GetUser(ctx, adviserEmail)
	if user.ActiveCall {
		t.Fatal("call still active")
	}
	if n := len(sentWithID(h.adviser, "survey")); n != 0 {
		t.Fatalf("standalone survey cards = %d, want 0", n)
	}
}

func TestRunSurveyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.send(t, message("m1", "What is the benefit cap?"), OutcomeAwaitingSupervision)

	if err := h.svc.Surveys.CompleteCall(ctx, threadID, adviserEmail); err != nil {
		t.Fatalf("complete call: %v", err)
	}
	issued, err := h.svc.Surveys.RunSurvey(ctx, threadID)
	if err != nil || issued {
		t.Fatalf("second RunSurvey issued=%v err=%v", issued, err)
	}
	if n := len(sentWithID(h.adviser, "survey")); n != 1 {
		t.Fatalf("survey cards = %d, want 1", n)
	}

	complete, err := h.svc.Surveys.RecordResponse(ctx, threadID, []model.SurveyAnswer{
		{Question: "Was the response useful?", Answer: "Yes"},
		{Question: "Did you use it with the client?", Answer: "No"},
	})
	if err != nil || !complete {
		t.Fatalf("record: complete=%v err=%v", complete, err)
	}
	if _, err := h.svc.Surveys.RecordResponse(ctx, threadID, []model.SurveyAnswer{{Question: "Was the response useful?", Answer: "No"}}); !errors.Is(err, ErrSurveyClosed) {
		t.Fatalf("err = %v, want ErrSurveyClosed", err)
	}

	for i := 0; i < 2; i++ {
		if issued, err := h.svc.Surveys.RunSurvey(ctx, threadID); err != nil || issued {
			t.Fatalf("RunSurvey on complete thread issued=%v err=%v", issued, err)
		}
	}
	if n := len(sentWithID(h.adviser, "survey")); n != 1 {
		t.Fatalf("survey cards = %d, want 1", n)
	}
	if n := len(sentWithID(h.adviser, "notice")); n != 2 {
		t.Fatalf("closed notices = %d, want 2", n)
	}
}

func TestInlineDispatcher(t *testing.T) {
	h := newHarness(t)
	d := NewInlineDispatcher(h.svc.HandleAsync, 5*time.Second, logger.NewNop())
	if err := d.Dispatch(context.Background(), message("m1", "What is the benefit cap?")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if msg := h.message(t, "m1"); msg.LLMAnswer == nil {
		t.Fatal("dispatched message not processed")
	}
}

func TestResponseIDIsDeterministic(t *testing.T) {
	if ResponseID("google-chat", "m1") != ResponseID("google-chat", "m1") {
		t.Fatal("same message produced different ids")
	}
	if ResponseID("google-chat", "m1") == ResponseID("local", "m1") {
		t.Fatal("clients share ids")
	}
}

package card

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
)

// Status lines shown on the adviser's card.
const (
	StatusProcessing = "Processing"
	StatusGenerating = "Generating response"
	StatusAwaiting   = "Awaiting approval"
	StatusCompleted  = "Completed"
	StatusFailed     = "Something went wrong generating a response, please try again"
)

// Notices.
const (
	ThreadClosedNotice   = "Call thread has closed, please start a new call thread"
	DomainNotEnrolled    = "Your office is not enrolled, please contact your administrator"
	UserNotEnrolled      = "You are not registered, please ask your supervisor to add you"
	UserNotSupervisor    = "Only registered supervisors can respond to approval requests"
	RejectionNotesNeeded = "Please explain why the response was rejected"
)

// Input names.
const (
	InputQuery           = "query"
	InputSupervisorNotes = "supervisor_notes"
)

// Action parameter names.
const (
	ParamResponseID = "responseId"
	ParamThreadID   = "threadId"
	ParamMessageID  = "messageId"
	ParamSpaceID    = "spaceId"
	ParamMessage    = "message"
	ParamQuestion   = "question"
	ParamAnswer     = "answer"
)

func textSection(slot, header, text string) Section {
	return Section{Slot: slot, Header: header, Widgets: []Widget{Text(text)}}
}

// StatusSection is the status line slot.
func StatusSection(status string) Section {
	return textSection(SlotStatus, "", "<b>Status:</b> "+status)
}

// Status is the adviser's progress card for one query.
func Status(question, status string) *Card {
	return New("status", "Caddy").
		Append(textSection(SlotQuery, "", "<b>Question:</b> "+question)).
		Append(StatusSection(status))
}

// Failure is the adviser's card after drafting failed.
func Failure(question string) *Card {
	return Status(question, StatusFailed)
}

// PIIWarning asks the adviser to confirm or edit a query containing personal data.
func PIIWarning(text string, types []string, params map[string]string) *Card {
	p := withMessage(params, text)
	return New("pii", "Personal data detected").
		Append(textSection(SlotWarning, "",
			fmt.Sprintf("Your question looks like it contains personal data (%s). Remove it or confirm it is safe to continue.", strings.Join(types, ", ")))).
		Append(textSection(SlotQuery, "", text)).
		Append(Section{Slot: SlotActions, Widgets: []Widget{Buttons(
			Button{Text: "Proceed", Action: model.ActionProceed, Params: p},
			Button{Text: "Edit", Action: model.ActionEditQuery, Params: p},
		)}})
}

// EditQueryDialog lets the adviser rewrite a flagged query.
func EditQueryDialog(text string, params map[string]string) *Dialog {
	return &Dialog{
		Title: "Edit your question",
		Sections: []Section{{Slot: SlotQuery, Widgets: []Widget{
			TextInput(Input{Name: InputQuery, Label: "Question", Value: text, Multiline: true}),
		}}},
		Submit: Button{Text: "Submit", Action: model.ActionReceiveEditedQuery, Params: withMessage(params, text)},
	}
}

// ApprovalRequest opens the supervisor thread for one draft.
func ApprovalRequest(adviser, question string) *Card {
	return New("request", "Approval request").
		Append(textSection(SlotQuery, "", fmt.Sprintf("<b>%s</b> asked: %s", adviser, question))).
		Append(StatusSection(StatusAwaiting))
}

// RequestResolved replaces the approval request once decided.
func RequestResolved(adviser, question, outcome string) *Card {
	return ApprovalRequest(adviser, question).Replace(StatusSection(outcome))
}

// Review shows a draft to the supervisor with approve and reject controls.
func Review(responseID, threadID, question, answer string, sources []string) *Card {
	params := map[string]string{ParamResponseID: responseID, ParamThreadID: threadID}
	return answerCard("review", "Review response", question, answer, sources).
		Append(Section{Slot: SlotNotes, Widgets: []Widget{
			TextInput(Input{Name: InputSupervisorNotes, Label: "Notes for the adviser (required to reject)", Multiline: true}),
		}}).
		Append(Section{Slot: SlotActions, Widgets: []Widget{Buttons(
			Button{Text: "Approve", Action: model.ActionApprove, Params: params},
			Button{Text: "Reject", Action: model.ActionReject, Params: params},
		)}})
}

// ReviewResolved is the supervisor's review card after a decision.
func ReviewResolved(question, answer string, sources []string, outcome string) *Card {
	return answerCard("review", "Review response", question, answer, sources).
		Append(StatusSection(outcome))
}

// RejectionDialog collects the mandatory rejection notes.
func RejectionDialog(responseID, threadID, problem string) *Dialog {
	d := &Dialog{
		Title: "Reject response",
		Sections: []Section{{Slot: SlotNotes, Widgets: []Widget{
			TextInput(Input{Name: InputSupervisorNotes, Label: "What should the adviser tell the client instead?", Multiline: true}),
		}}},
		Submit: Button{Text: "Send", Action: model.ActionSubmitRejection,
			Params: map[string]string{ParamResponseID: responseID, ParamThreadID: threadID}},
	}
	if problem != "" {
		d.Sections = append([]Section{textSection(SlotWarning, "", problem)}, d.Sections...)
	}
	return d
}

// ApprovedOutcome is the status line after approval.
func ApprovedOutcome(approver string) string {
	return "✅ Response approved by " + approver
}

// RejectedOutcome is the status line after rejection.
func RejectedOutcome(approver, notes string) string {
	return fmt.Sprintf("❌ Response rejected by %s. Supervisor response: %s", approver, notes)
}

// SupervisorSays formats supervisor notes for the adviser.
func SupervisorSays(approver, notes string) string {
	return fmt.Sprintf("<b>%s says:</b> \n\n %s", approver, notes)
}

// Approved is the adviser's card once the draft is approved.
func Approved(question, answer string, sources []string, approver, notes string) *Card {
	c := answerCard("status", "Caddy", question, answer, sources).
		Append(StatusSection(ApprovedOutcome(approver)))
	if notes != "" {
		c.Append(textSection(SlotNotes, "", SupervisorSays(approver, notes)))
	}
	return c
}

// Rejected is the adviser's card once the draft is rejected. The draft is not shown.
func Rejected(question, approver, notes string) *Card {
	return New("status", "Caddy").
		Append(textSection(SlotQuery, "", "<b>Question:</b> "+question)).
		Append(StatusSection("❌ Response rejected by "+approver)).
		Append(textSection(SlotNotes, "", SupervisorSays(approver, notes)))
}

// SurveySection asks each unanswered question with one button per value.
func SurveySection(threadID string, questions []model.SurveyQuestion) Section {
	s := Section{Slot: SlotSurvey, Header: "Feedback"}
	for _, q := range questions {
		buttons := make([]Button, 0, len(q.Values))
		for _, v := range q.Values {
			buttons = append(buttons, Button{Text: v, Action: model.ActionSurveyResponse, Params: map[string]string{
				ParamThreadID: threadID, ParamQuestion: q.Question, ParamAnswer: v,
			}})
		}
		s.Widgets = append(s.Widgets, Text(q.Question), Buttons(buttons...))
	}
	return s
}

// Survey is a standalone survey card.
func Survey(threadID string, questions []model.SurveyQuestion) *Card {
	return New("survey", "Post-call survey").Append(SurveySection(threadID, questions))
}

// SurveyThanks replaces a survey card once answered.
func SurveyThanks(complete bool) *Card {
	text := "Thanks, your answer has been recorded."
	if complete {
		text = "Thanks for completing the survey."
	}
	return New("survey", "Post-call survey").Append(textSection(SlotSurvey, "", text))
}

// CallComplete offers to close the call.
func CallComplete(threadID string) *Card {
	return New("call", "Finished with this call?").
		Append(Section{Slot: SlotActions, Widgets: []Widget{Buttons(
			Button{Text: "Mark call complete", Action: model.ActionCallComplete, Params: map[string]string{ParamThreadID: threadID}},
		)}})
}

// CallCompleted replaces CallComplete once clicked.
func CallCompleted() *Card {
	return New("call", "Call complete").Append(textSection(SlotStatus, "", StatusCompleted))
}

// ControlGroup tells the adviser this query gets no drafted answer, with the
// option to forward it to a supervisor.
func ControlGroup(question, message string, params map[string]string) *Card {
	return New("status", "Caddy").
		Append(textSection(SlotQuery, "", "<b>Question:</b> "+question)).
		Append(StatusSection(message)).
		Append(Section{Slot: SlotActions, Widgets: []Widget{Buttons(
			Button{Text: "Ask a supervisor", Action: model.ActionControlForward, Params: withMessage(params, question)},
		)}})
}

// Forwarded is posted to the supervision space for a control group query.
func Forwarded(adviser, question string) *Card {
	return New("forward", "Supervisor help requested").
		Append(textSection(SlotQuery, "", fmt.Sprintf("<b>%s</b> asked: %s", adviser, question)))
}

// Notice is a single line card.
func Notice(text string) *Card {
	return New("notice", "").Append(textSection(SlotStatus, "", text))
}

func answerCard(id, title, question, answer string, sources []string) *Card {
	c := New(id, title).
		Append(textSection(SlotQuery, "", "<b>Question:</b> "+question)).
		Append(textSection(SlotAnswer, "", answer))
	if len(sources) > 0 {
		links := make([]string, len(sources))
		for i, s := range sources {
			links[i] = fmt.Sprintf(`<a href="%s">%s</a>`, s, s)
		}
		c.Append(Section{Slot: SlotSources, Header: "Sources", Collapsible: true,
			Widgets: []Widget{Text(strings.Join(links, "\n"))}})
	}
	return c
}

func withMessage(params map[string]string, text string) map[string]string {
	p := make(map[string]string, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	p[ParamMessage] = text
	return p
}

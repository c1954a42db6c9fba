package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the type of a lifecycle event published to the audit stream.
type EventType string

const (
	EventReceived            EventType = "received"
	EventPIIBlocked          EventType = "pii_blocked"
	EventModulesResolved     EventType = "modules_resolved"
	EventControlExit         EventType = "control_exit"
	EventDrafting            EventType = "drafting"
	EventAwaitingSupervision EventType = "awaiting_supervision"
	EventGenerationFailed    EventType = "generation_failed"
	EventApproved            EventType = "approved"
	EventRejected            EventType = "rejected"
	EventCallComplete        EventType = "call_complete"
	EventSurveyIssued        EventType = "survey_issued"
	EventSurveyAnswered      EventType = "survey_answered"
)

// ConversationEvent is one state transition of a thread.
type ConversationEvent struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	ResponseID string         `json:"response_id,omitempty"`
	UserEmail  string         `json:"user_email,omitempty"`
	Type       EventType      `json:"type"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Sequence   uint64         `json:"sequence,omitempty"`
}

// Card actions and dialog submissions understood by the service.
const (
	ActionProceed            = "Proceed"
	ActionEditQuery          = "edit_query_dialog"
	ActionReceiveEditedQuery = "receiveEditedQuery"
	ActionApprove            = "Approved"
	ActionReject             = "rejected_dialog"
	ActionSubmitRejection    = "receiveSupervisorResponse"
	ActionSurveyResponse     = "survey_response"
	ActionCallComplete       = "call_complete"
	ActionControlForward     = "control_group_forward"
)

// EventKind tags the variant carried by an Envelope.
type EventKind string

const (
	KindMessage      EventKind = "message"
	KindCardAction   EventKind = "card_action"
	KindDialogSubmit EventKind = "dialog_submit"
)

// InboundEvent is one of *MessageEvent, *CardAction or *DialogSubmit.
type InboundEvent interface {
	Kind() EventKind
	Origin() Source
	inbound()
}

// Source identifies where an inbound event came from.
type Source struct {
	Client    string    `json:"client"`
	SpaceID   string    `json:"space_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	UserEmail string    `json:"user_email"`
	UserName  string    `json:"user_name,omitempty"`
	EventTime time.Time `json:"event_time"`
}

// MessageEvent is a question typed by an adviser.
type MessageEvent struct {
	Source
	Text    string `json:"text"`
	Proceed bool   `json:"proceed,omitempty"`
}

// CardAction is a button click on a card. Inputs holds the values of any
// form fields on the clicked card.
type CardAction struct {
	Source
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

// DialogSubmit is a submitted dialog form.
type DialogSubmit struct {
	Source
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

func (*MessageEvent) Kind() EventKind { return KindMessage }
func (*CardAction) Kind() EventKind   { return KindCardAction }
func (*DialogSubmit) Kind() EventKind { return KindDialogSubmit }

func (e *MessageEvent) Origin() Source { return e.Source }
func (e *CardAction) Origin() Source   { return e.Source }
func (e *DialogSubmit) Origin() Source { return e.Source }

func (*MessageEvent) inbound() {}
func (*CardAction) inbound()   {}
func (*DialogSubmit) inbound() {}

// Envelope is the wire form of an InboundEvent.
type Envelope struct {
	Kind         EventKind     `json:"kind"`
	Message      *MessageEvent `json:"message,omitempty"`
	CardAction   *CardAction   `json:"card_action,omitempty"`
	DialogSubmit *DialogSubmit `json:"dialog_submit,omitempty"`
}

// Wrap builds the envelope for an event.
func Wrap(ev InboundEvent) Envelope {
	env := Envelope{Kind: ev.Kind()}
	switch e := ev.(type) {
	case *MessageEvent:
		env.Message = e
	case *CardAction:
		env.CardAction = e
	case *DialogSubmit:
		env.DialogSubmit = e
	}
	return env
}

// Event returns the variant named by Kind.
func (e Envelope) Event() (InboundEvent, error) {
	switch {
	case e.Kind == KindMessage && e.Message != nil:
		return e.Message, nil
	case e.Kind == KindCardAction && e.CardAction != nil:
		return e.CardAction, nil
	case e.Kind == KindDialogSubmit && e.DialogSubmit != nil:
		return e.DialogSubmit, nil
	}
	return nil, fmt.Errorf("envelope kind %q has no matching payload", e.Kind)
}

// DecodeEnvelope parses a JSON envelope into its event.
func DecodeEnvelope(data []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env.Event()
}

package googlechat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
)

// ErrIgnored is returned for events that carry no work, such as the app
// being added to a space.
var ErrIgnored = errors.New("event ignored")

// Event is the subset of a Google Chat interaction event the service reads.
type Event struct {
	Type            string `json:"type"`
	EventTime       string `json:"eventTime"`
	IsDialogEvent   bool   `json:"isDialogEvent"`
	DialogEventType string `json:"dialogEventType"`
	Space           struct {
		Name string `json:"name"`
	} `json:"space"`
	Message *struct {
		Name         string `json:"name"`
		Text         string `json:"text"`
		ArgumentText string `json:"argumentText"`
		Thread       struct {
			Name string `json:"name"`
		} `json:"thread"`
	} `json:"message"`
	User struct {
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Common struct {
		InvokedFunction string            `json:"invokedFunction"`
		Parameters      map[string]string `json:"parameters"`
		FormInputs      map[string]struct {
			StringInputs struct {
				Value []string `json:"value"`
			} `json:"stringInputs"`
		} `json:"formInputs"`
	} `json:"common"`
	Action struct {
		ActionMethodName string `json:"actionMethodName"`
		Parameters       []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"parameters"`
	} `json:"action"`
}

// ParseEvent decodes a webhook body into an inbound event.
func ParseEvent(data []byte) (model.InboundEvent, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode chat event: %w", err)
	}
	return ev.Inbound()
}

// Inbound converts the event to the service's event type.
func (ev *Event) Inbound() (model.InboundEvent, error) {
	src := model.Source{
		Client:    Name,
		SpaceID:   ev.Space.Name,
		UserEmail: strings.ToLower(ev.User.Email),
		UserName:  ev.User.DisplayName,
		EventTime: ev.time(),
	}
	if ev.Message != nil {
		src.ThreadID = ev.Message.Thread.Name
		src.MessageID = ev.Message.Name
	}
	if src.UserEmail == "" {
		return nil, errors.New("chat event has no user email")
	}

	switch ev.Type {
	case "MESSAGE":
		if ev.Message == nil {
			return nil, errors.New("message event has no message")
		}
		text := strings.TrimSpace(ev.Message.ArgumentText)
		if text == "" {
			text = strings.TrimSpace(ev.Message.Text)
		}
		if text == "" {
			return nil, ErrIgnored
		}
		return &model.MessageEvent{Source: src, Text: text}, nil

	case "CARD_CLICKED":
		action := ev.Common.InvokedFunction
		if action == "" {
			action = ev.Action.ActionMethodName
		}
		if action == "" {
			return nil, errors.New("card click has no action")
		}
		params := make(map[string]string, len(ev.Common.Parameters)+len(ev.Action.Parameters))
		for _, p := range ev.Action.Parameters {
			params[p.Key] = p.Value
		}
		for k, v := range ev.Common.Parameters {
			params[k] = v
		}
		inputs := make(map[string]string, len(ev.Common.FormInputs))
		for k, in := range ev.Common.FormInputs {
			inputs[k] = strings.Join(in.StringInputs.Value, "\n")
		}
		if ev.IsDialogEvent && ev.DialogEventType == "SUBMIT_DIALOG" {
			return &model.DialogSubmit{Source: src, Action: action, Parameters: params, Inputs: inputs}, nil
		}
		return &model.CardAction{Source: src, Action: action, Parameters: params, Inputs: inputs}, nil
	}
	return nil, ErrIgnored
}

func (ev *Event) time() time.Time {
	if t, err := time.Parse(time.RFC3339Nano, ev.EventTime); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

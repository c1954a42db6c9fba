package googlechat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gchat "google.golang.org/api/chat/v1"
	"google.golang.org/api/option"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
)

func TestParseMessage(t *testing.T) {
	body := `{
		"type": "MESSAGE",
		"eventTime": "2024-05-01T10:00:00.123Z",
		"space": {"name": "spaces/AAA"},
		"message": {"name": "spaces/AAA/messages/m1", "text": "@Caddy Can my client appeal?", "argumentText": " Can my client appeal?", "thread": {"name": "spaces/AAA/threads/t1"}},
		"user": {"email": "Adviser@Office.org", "displayName": "Ada"}
	}`
	ev, err := ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	msg, ok := ev.(*model.MessageEvent)
	if !ok {
		t.Fatalf("event = %T", ev)
	}
	if msg.Text != "Can my client appeal?" || msg.UserEmail != "adviser@office.org" || msg.ThreadID != "spaces/AAA/threads/t1" || msg.Client != Name {
		t.Fatalf("message = %+v", msg)
	}
	if msg.EventTime.Year() != 2024 {
		t.Fatalf("event time = %v", msg.EventTime)
	}
}

func TestParseCardClickAndDialog(t *testing.T) {
	click := `{
		"type": "CARD_CLICKED",
		"space": {"name": "spaces/SUP"},
		"message": {"name": "spaces/SUP/messages/m2", "thread": {"name": "spaces/SUP/threads/t2"}},
		"user": {"email": "sup@office.org"},
		"common": {"invokedFunction": "Approved", "parameters": {"responseId": "r1"},
			"formInputs": {"supervisor_notes": {"stringInputs": {"value": ["looks good"]}}}}
	}`
	ev, err := ParseEvent([]byte(click))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a, ok := ev.(*model.CardAction)
	if !ok || a.Action != model.ActionApprove || a.Parameters["responseId"] != "r1" || a.Inputs["supervisor_notes"] != "looks good" {
		t.Fatalf("action = %#v", ev)
	}

	submit := strings.Replace(click, `"type": "CARD_CLICKED",`, `"type": "CARD_CLICKED", "isDialogEvent": true, "dialogEventType": "SUBMIT_DIALOG",`, 1)
	ev, err = ParseEvent([]byte(submit))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := ev.(*model.DialogSubmit); !ok {
		t.Fatalf("event = %T, want dialog submit", ev)
	}
}

func TestParseIgnored(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type": "ADDED_TO_SPACE", "space": {"name": "spaces/A"}, "user": {"email": "a@b.org"}}`))
	if !errors.Is(err, ErrIgnored) {
		t.Fatalf("err = %v, want ErrIgnored", err)
	}
	if _, err := ParseEvent([]byte(`{"type": "MESSAGE"}`)); err == nil {
		t.Fatal("expected error for event without user")
	}
}

func TestRender(t *testing.T) {
	c := card.Review("r1", "t1", "q", "a", []string{"https://x"})
	out := Render(c)
	if out.CardId != "review" || out.Card.Header.Title != "Review response" {
		t.Fatalf("card = %+v", out)
	}
	last := out.Card.Sections[len(out.Card.Sections)-1]
	btn := last.Widgets[0].ButtonList.Buttons[0]
	if btn.OnClick.Action.Function != model.ActionApprove || len(btn.OnClick.Action.Parameters) != 2 {
		t.Fatalf("button = %+v", btn.OnClick.Action)
	}
	notes := out.Card.Sections[len(out.Card.Sections)-2]
	if notes.Widgets[0].TextInput == nil || notes.Widgets[0].TextInput.Type != "MULTIPLE_LINE" {
		t.Fatal("notes input not rendered")
	}

	resp := DialogResponse(card.RejectionDialog("r1", "t1", ""))
	data, _ := json.Marshal(resp)
	if !strings.Contains(string(data), `"type":"DIALOG"`) || !strings.Contains(string(data), model.ActionSubmitRejection) {
		t.Fatalf("dialog = %s", data)
	}
}

func TestAdapterSendsAndPatches(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		body, _ := io.ReadAll(r.Body)
		var msg gchat.Message
		_ = json.Unmarshal(body, &msg)
		if len(msg.CardsV2) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(gchat.Message{Name: "spaces/A/messages/m1", Thread: &gchat.Thread{Name: "spaces/A/threads/t1"}})
	}))
	defer srv.Close()

	ctx := context.Background()
	svc, err := gchat.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	a := NewWithService(svc)

	thread, msg, err := a.SendCard(ctx, "spaces/A", "spaces/A/threads/t1", card.Status("q", card.StatusProcessing))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if thread != "spaces/A/threads/t1" || msg != "spaces/A/messages/m1" {
		t.Fatalf("thread=%q msg=%q", thread, msg)
	}
	if err := a.UpdateCard(ctx, msg, card.Status("q", card.StatusCompleted)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(paths) != 2 || !strings.HasPrefix(paths[0], "POST /v1/spaces/A/messages") || !strings.Contains(paths[1], "updateMask=cardsV2") {
		t.Fatalf("requests = %v", paths)
	}
}

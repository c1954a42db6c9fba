// Package googlechat adapts cards and events to the Google Chat API.
package googlechat

import (
	"context"
	"fmt"

	gchat "google.golang.org/api/chat/v1"
	"google.golang.org/api/option"

	"github.com/capitalize-ai/caddy-supervisor/internal/card"
	"github.com/capitalize-ai/caddy-supervisor/pkg/tracing"
)

// Name is the client name Google Chat events are registered under.
const Name = "google-chat"

const botScope = "https://www.googleapis.com/auth/chat.bot"

// Adapter implements chat.Adapter over the Chat REST API.
type Adapter struct {
	svc *gchat.Service
}

// New creates an adapter authenticated with the service account in
// credentialsFile, or with application default credentials when it is empty.
func New(ctx context.Context, credentialsFile string) (*Adapter, error) {
	opts := []option.ClientOption{option.WithScopes(botScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := gchat.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// NewWithService wraps an existing service, for tests against a fake endpoint.
func NewWithService(svc *gchat.Service) *Adapter {
	return &Adapter{svc: svc}
}

// Name implements chat.Adapter.
func (a *Adapter) Name() string { return Name }

// SendCard implements chat.Adapter.
func (a *Adapter) SendCard(ctx context.Context, space, thread string, c *card.Card) (string, string, error) {
	ctx, span := tracing.Start(ctx, "googlechat.SendCard")
	var err error
	defer func() { tracing.End(span, err) }()

	msg := &gchat.Message{CardsV2: []*gchat.CardWithId{Render(c)}}
	call := a.svc.Spaces.Messages.Create(space, msg)
	if thread != "" {
		msg.Thread = &gchat.Thread{Name: thread}
		call = call.MessageReplyOption("REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD")
	}
	sent, err := call.Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("failed to send card to %s: %w", space, err)
	}
	threadID := thread
	if sent.Thread != nil && sent.Thread.Name != "" {
		threadID = sent.Thread.Name
	}
	return threadID, sent.Name, nil
}

// UpdateCard implements chat.Adapter.
func (a *Adapter) UpdateCard(ctx context.Context, messageID string, c *card.Card) error {
	ctx, span := tracing.Start(ctx, "googlechat.UpdateCard")
	var err error
	defer func() { tracing.End(span, err) }()

	msg := &gchat.Message{CardsV2: []*gchat.CardWithId{Render(c)}}
	if _, err = a.svc.Spaces.Messages.Patch(messageID, msg).UpdateMask("cardsV2").Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to update %s: %w", messageID, err)
	}
	return nil
}

// OpenDialog implements chat.Adapter. The returned message is written back as
// the synchronous response to the CARD_CLICKED event.
func (a *Adapter) OpenDialog(_ context.Context, d *card.Dialog) (any, error) {
	return DialogResponse(d), nil
}

// DialogResponse is the response body that opens d.
func DialogResponse(d *card.Dialog) *gchat.Message {
	body := RenderSections(d.Sections)
	body.Header = &gchat.GoogleAppsCardV1CardHeader{Title: d.Title}
	body.Sections = append(body.Sections, &gchat.GoogleAppsCardV1Section{
		Widgets: []*gchat.GoogleAppsCardV1Widget{{ButtonList: &gchat.GoogleAppsCardV1ButtonList{
			Buttons: []*gchat.GoogleAppsCardV1Button{renderButton(d.Submit)},
		}}},
	})
	return &gchat.Message{ActionResponse: &gchat.ActionResponse{
		Type:         "DIALOG",
		DialogAction: &gchat.DialogAction{Dialog: &gchat.Dialog{Body: body}},
	}}
}

// CloseDialog is the response body that closes an open dialog.
func CloseDialog() *gchat.Message {
	return &gchat.Message{ActionResponse: &gchat.ActionResponse{
		Type:         "DIALOG",
		DialogAction: &gchat.DialogAction{ActionStatus: &gchat.ActionStatus{StatusCode: "OK"}},
	}}
}

// TextResponse is a synchronous plain text reply.
func TextResponse(text string) *gchat.Message {
	return &gchat.Message{Text: text}
}

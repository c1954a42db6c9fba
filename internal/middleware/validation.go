package middleware

import (
	"errors"
	"fmt"
	"net/mail"
	"unicode/utf8"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
)

// MaxQueryLength bounds an adviser question.
const MaxQueryLength = 4000

// ValidateQuery validates adviser question text.
func ValidateQuery(text string) error {
	if len(text) == 0 {
		return errors.New("text cannot be empty")
	}
	if len(text) > MaxQueryLength {
		return errors.New("text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	return nil
}

// ValidateEmail validates a user email address.
func ValidateEmail(email string) error {
	if email == "" {
		return errors.New("user email cannot be empty")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid user email %q", email)
	}
	return nil
}

// ValidateEvent checks the fields every inbound event needs before it is
// queued.
func ValidateEvent(ev model.InboundEvent) error {
	src := ev.Origin()
	if src.Client == "" {
		return errors.New("client cannot be empty")
	}
	if src.SpaceID == "" {
		return errors.New("space id cannot be empty")
	}
	if err := ValidateEmail(src.UserEmail); err != nil {
		return err
	}

	switch e := ev.(type) {
	case *model.MessageEvent:
		if e.MessageID == "" || e.ThreadID == "" {
			return errors.New("message events need a message id and thread id")
		}
		return ValidateQuery(e.Text)
	case *model.CardAction:
		if e.Action == "" {
			return errors.New("card action cannot be empty")
		}
	case *model.DialogSubmit:
		if e.Action == "" {
			return errors.New("dialog action cannot be empty")
		}
	}
	return nil
}

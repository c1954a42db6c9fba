package service

import (
	"errors"
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Kind classifies workflow failures by how they are surfaced.
type Kind string

const (
	// KindUserFacingBlock stops processing and tells the user why.
	KindUserFacingBlock Kind = "user_facing_block"
	// KindConfiguration means enrolment or registry data is missing.
	KindConfiguration Kind = "configuration"
	// KindGenerationFailure means drafting or supervision dispatch failed.
	KindGenerationFailure Kind = "generation_failure"
	// KindDuplicate means the event was already handled and is absorbed.
	KindDuplicate Kind = "duplicate"
)

// ErrNotesRequired is returned when a rejection carries no notes.
var ErrNotesRequired = errors.New("rejection notes are required")

// Error is a classified workflow error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// LogLevel is the level a handled event's error is logged at. Only
// configuration and generation failures, and unclassified errors, are errors;
// blocks and duplicates are expected traffic.
func LogLevel(err error) zapcore.Level {
	switch KindOf(err) {
	case KindUserFacingBlock, KindDuplicate:
		return zapcore.InfoLevel
	}
	return zapcore.ErrorLevel
}

// SetupMessage is the adviser facing text for a configuration error.
func SetupMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindConfiguration && e.Msg != "" {
		return "Caddy is not set up for this request (" + e.Msg + "), please contact your administrator"
	}
	return "Caddy is not set up correctly, please contact your administrator"
}

// IsDuplicate reports whether err is an absorbed duplicate.
func IsDuplicate(err error) bool {
	return KindOf(err) == KindDuplicate
}

func blocked(op, msg string) error {
	return &Error{Kind: KindUserFacingBlock, Op: op, Msg: msg}
}

func misconfigured(op, msg string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Msg: msg, Err: err}
}

func generationFailed(op string, err error) error {
	return &Error{Kind: KindGenerationFailure, Op: op, Err: err}
}

func duplicate(op, msg string) error {
	return &Error{Kind: KindDuplicate, Op: op, Msg: msg}
}

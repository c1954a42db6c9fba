package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/chat/googlechat"
	"github.com/capitalize-ai/caddy-supervisor/internal/middleware"
	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/internal/service"
	"github.com/capitalize-ai/caddy-supervisor/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Introduction is posted when the app is added to a space.
const Introduction = "Hi, I'm Caddy. Start a new thread for each call and post your client's question. " +
	"I'll draft an answer and a supervisor will check it before it reaches you."

// Processor handles one inbound event synchronously. *service.Service implements it.
type Processor interface {
	Handle(ctx context.Context, ev model.InboundEvent) (*service.Reply, error)
}

// EventHandler receives chat webhooks. Events that open or submit dialogs
// need their response inline and are processed during the request; all
// other events are handed to the dispatcher and acknowledged immediately.
type EventHandler struct {
	processor  Processor
	dispatcher service.Dispatcher
	logger     *logger.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(p Processor, d service.Dispatcher, log *logger.Logger) *EventHandler {
	return &EventHandler{processor: p, dispatcher: d, logger: log}
}

// replies builds client specific response bodies.
type replies struct {
	ack         func() any
	closeDialog func() any
	text        func(string) any
}

var googleChatReplies = replies{
	ack:         func() any { return map[string]any{} },
	closeDialog: func() any { return googlechat.CloseDialog() },
	text:        func(s string) any { return googlechat.TextResponse(s) },
}

var localReplies = replies{
	ack:         func() any { return map[string]string{"status": "accepted"} },
	closeDialog: func() any { return map[string]string{"status": "dialog_closed"} },
	text:        func(s string) any { return map[string]string{"text": s} },
}

// GoogleChat handles POST /google-chat/chat and POST /google-chat/supervision
func (h *EventHandler) GoogleChat(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var raw googlechat.Event
	if err := json.Unmarshal(data, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}
	if raw.Type == "ADDED_TO_SPACE" {
		writeJSON(w, http.StatusOK, googlechat.TextResponse(Introduction))
		return
	}

	ev, err := raw.Inbound()
	if errors.Is(err, googlechat.ErrIgnored) {
		writeJSON(w, http.StatusOK, googleChatReplies.ack())
		return
	}
	if err != nil {
		h.logger.Warn("rejected chat event", zap.String("type", raw.Type), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.serve(w, r, ev, googleChatReplies)
}

// Local handles POST /local/events
func (h *EventHandler) Local(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	ev, err := model.DecodeEnvelope(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A token that names a user may only act as that user.
	if email := middleware.GetUserEmail(r.Context()); email != "" && email != ev.Origin().UserEmail {
		writeError(w, http.StatusForbidden, "event user does not match token")
		return
	}
	h.serve(w, r, ev, localReplies)
}

func (h *EventHandler) serve(w http.ResponseWriter, r *http.Request, ev model.InboundEvent, rep replies) {
	if err := middleware.ValidateEvent(ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src := ev.Origin()
	log := h.logger.WithContext(middleware.GetCorrelationID(r.Context()), src.ThreadID, src.UserEmail)

	if !inline(ev) {
		if err := h.dispatcher.Dispatch(r.Context(), ev); err != nil {
			log.Error("failed to dispatch event", zap.String("kind", string(ev.Kind())), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "failed to accept event")
			return
		}
		if ev.Kind() == model.KindDialogSubmit {
			writeJSON(w, http.StatusOK, rep.closeDialog())
			return
		}
		writeJSON(w, http.StatusOK, rep.ack())
		return
	}

	reply, err := h.processor.Handle(r.Context(), ev)
	if err != nil {
		var werr *service.Error
		if errors.As(err, &werr) && werr.Kind == service.KindUserFacingBlock {
			log.Info("event blocked", zap.String("reason", werr.Msg))
			writeJSON(w, http.StatusOK, rep.text(werr.Msg))
			return
		}
		log.Log(service.LogLevel(err), "event processing failed", zap.String("kind", string(ev.Kind())),
			zap.String("error_kind", string(service.KindOf(err))), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	switch {
	case reply != nil:
		writeJSON(w, http.StatusOK, reply.Body)
	case ev.Kind() == model.KindDialogSubmit:
		writeJSON(w, http.StatusOK, rep.closeDialog())
	default:
		writeJSON(w, http.StatusOK, rep.ack())
	}
}

// inline reports whether the event's response must come from processing it:
// dialog openers and the rejection dialog submit.
func inline(ev model.InboundEvent) bool {
	switch e := ev.(type) {
	case *model.CardAction:
		return e.Action == model.ActionEditQuery || e.Action == model.ActionReject
	case *model.DialogSubmit:
		return e.Action == model.ActionSubmitRejection
	}
	return false
}

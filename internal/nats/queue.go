package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/pkg/logger"
	"github.com/capitalize-ai/caddy-supervisor/pkg/metrics"
)

const (
	// InboundStreamName is the work queue of inbound chat events.
	InboundStreamName = "CADDY_INBOUND"

	// InboundSubjectPrefix prefixes inbound event subjects.
	InboundSubjectPrefix = "caddy.inbound"

	// ConsumerName is the durable consumer shared by all workers.
	ConsumerName = "caddy-workers"
)

// InboundSubject returns the subject inbound events of a kind are queued on.
func InboundSubject(kind model.EventKind) string {
	return fmt.Sprintf("%s.%s", InboundSubjectPrefix, kind)
}

// Queue hands inbound events to workers through a JetStream work queue.
type Queue struct {
	// ErrorLevel picks the log level for a handler error. Nil logs at warn.
	ErrorLevel func(error) zapcore.Level

	client  *Client
	handler func(context.Context, model.InboundEvent) error
	timeout time.Duration
	logger  *logger.Logger
	cc      jetstream.ConsumeContext
}

// NewQueue creates a queue that runs handler for every consumed event.
func NewQueue(client *Client, handler func(context.Context, model.InboundEvent) error, timeout time.Duration, log *logger.Logger) *Queue {
	return &Queue{client: client, handler: handler, timeout: timeout, logger: log}
}

// EnsureStream creates the work queue stream if it is missing.
func (q *Queue) EnsureStream(ctx context.Context) error {
	js := q.client.JetStream()
	if _, err := js.Stream(ctx, InboundStreamName); err == nil {
		return nil
	}
	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        InboundStreamName,
		Subjects:    []string{InboundSubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Inbound chat events awaiting processing",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Dispatch publishes the event. Platform redeliveries of the same event share
// a message id and are dropped by the stream's duplicate window.
func (q *Queue) Dispatch(ctx context.Context, ev model.InboundEvent) error {
	data, err := json.Marshal(model.Wrap(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	opts := []jetstream.PublishOpt{}
	if id := dedupeID(ev); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := q.client.JetStream().Publish(ctx, InboundSubject(ev.Kind()), data, opts...); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.EventsQueued.WithLabelValues(string(ev.Kind())).Inc()
	return nil
}

func dedupeID(ev model.InboundEvent) string {
	src := ev.Origin()
	if src.MessageID == "" {
		return ""
	}
	switch e := ev.(type) {
	case *model.CardAction:
		return fmt.Sprintf("%s:%s:%s:%s", src.Client, src.MessageID, e.Action, src.EventTime.Format(time.RFC3339Nano))
	case *model.DialogSubmit:
		return fmt.Sprintf("%s:%s:%s:%s", src.Client, src.MessageID, e.Action, src.EventTime.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("%s:%s", src.Client, src.MessageID)
}

// Start begins consuming. Every delivered event is acknowledged once handled;
// handler errors are workflow outcomes and are not redelivered.
func (q *Queue) Start(ctx context.Context) error {
	consumer, err := q.client.JetStream().CreateOrUpdateConsumer(ctx, InboundStreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.timeout + 30*time.Second,
		MaxDeliver:    3,
		FilterSubject: InboundSubjectPrefix + ".>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ev, err := model.DecodeEnvelope(msg.Data())
		if err != nil {
			q.logger.Error("dropping malformed inbound event", zap.String("subject", msg.Subject()), zap.Error(err))
			_ = msg.Term()
			return
		}

		hctx, cancel := context.WithTimeout(ctx, q.timeout)
		defer cancel()
		if err := q.handler(hctx, ev); err != nil {
			level := zapcore.WarnLevel
			if q.ErrorLevel != nil {
				level = q.ErrorLevel(err)
			}
			q.logger.Log(level, "inbound event handled with error",
				zap.String("kind", string(ev.Kind())),
				zap.String("user", ev.Origin().UserEmail),
				zap.Error(err),
			)
		}
		if err := msg.Ack(); err != nil {
			q.logger.Warn("failed to ack inbound event", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	q.cc = cc
	q.logger.Info("inbound queue consumer started", zap.String("consumer", ConsumerName))
	return nil
}

// Stop stops consuming.
func (q *Queue) Stop() {
	if q.cc != nil {
		q.cc.Stop()
	}
}

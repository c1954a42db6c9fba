package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
	"github.com/capitalize-ai/caddy-supervisor/pkg/logger"
)

// Dispatcher hands an inbound event to background processing so webhooks
// can acknowledge immediately. *nats.Queue implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.InboundEvent) error
}

// InlineDispatcher processes events in goroutines of this process.
type InlineDispatcher struct {
	handle  func(context.Context, model.InboundEvent) error
	timeout time.Duration
	logger  *logger.Logger
	wg      sync.WaitGroup
}

// NewInlineDispatcher creates a dispatcher that runs handle with a fresh
// context bounded by timeout.
func NewInlineDispatcher(handle func(context.Context, model.InboundEvent) error, timeout time.Duration, log *logger.Logger) *InlineDispatcher {
	return &InlineDispatcher{handle: handle, timeout: timeout, logger: log}
}

// Dispatch implements Dispatcher.
func (d *InlineDispatcher) Dispatch(_ context.Context, ev model.InboundEvent) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.handle(ctx, ev); err != nil {
			src := ev.Origin()
			d.logger.Log(LogLevel(err), "event processing failed",
				zap.String("kind", string(ev.Kind())),
				zap.String("thread_id", src.ThreadID),
				zap.String("user_email", src.UserEmail),
				zap.String("error_kind", string(KindOf(err))),
				zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until in-flight events finish or ctx is done.
func (d *InlineDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleAsync adapts Service.Handle to a dispatcher handler, dropping replies.
func (s *Service) HandleAsync(ctx context.Context, ev model.InboundEvent) error {
	_, err := s.Handle(ctx, ev)
	return err
}

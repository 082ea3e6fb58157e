package webhook

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mamadbah2/wahook/internal/domain/models"
	"github.com/mamadbah2/wahook/pkg/clients/whatsapp"
)

// Dispatch steps, used in logs, errors and metrics.
const (
	stepPre    = "pre_process"
	stepType   = "message"
	stepPost   = "post_process"
	stepStatus = "status"
	stepEvent  = "event"
	stepFlow   = "flow"
)

// Dispatcher runs registered handlers for a Batch. Every handler call is
// isolated: an error or panic is logged and collected, and the remaining
// handlers still run.
type Dispatcher struct {
	registry *Registry
	client   whatsapp.Client
	metrics  *Metrics
	logger   *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(registry *Registry, client whatsapp.Client, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, client: client, metrics: metrics, logger: logger}
}

// Dispatch handles the notifications of batch one at a time, in payload
// order, and returns every handler failure combined with multierr.
func (d *Dispatcher) Dispatch(ctx context.Context, batch Batch) error {
	var errs error

	for _, n := range batch {
		switch {
		case n.Message != nil:
			errs = multierr.Append(errs, d.dispatchMessage(ctx, n.Message))
		case n.Status != nil:
			errs = multierr.Append(errs, d.dispatchStatus(ctx, n.Status))
		case n.Event != nil:
			errs = multierr.Append(errs, d.dispatchEvent(ctx, n.Event))
		}
	}

	return errs
}

func (d *Dispatcher) dispatchMessage(ctx context.Context, msg *models.Message) error {
	d.metrics.observeNotification(string(msg.Type))

	pre, handler, post := d.registry.messageChain(msg.Type)
	fields := []zap.Field{zap.String("message_id", msg.ID), zap.String("type", string(msg.Type))}

	var errs error
	if pre != nil {
		errs = multierr.Append(errs, d.invoke(stepPre, fields, func() error { return pre(ctx, d.client, msg.Clone()) }))
	}
	if handler != nil {
		errs = multierr.Append(errs, d.invoke(stepType, fields, func() error { return handler(ctx, d.client, msg.Clone()) }))
	} else {
		d.logger.Debug("no handler registered for message type", fields...)
	}
	if post != nil {
		errs = multierr.Append(errs, d.invoke(stepPost, fields, func() error { return post(ctx, d.client, msg.Clone()) }))
	}
	return errs
}

func (d *Dispatcher) dispatchStatus(ctx context.Context, status *models.Status) error {
	d.metrics.observeNotification(string(models.MessageStatuses))

	handler := d.registry.statusHandler()
	if handler == nil {
		return nil
	}
	fields := []zap.Field{zap.String("message_id", status.ID), zap.String("status", string(status.Status))}
	return d.invoke(stepStatus, fields, func() error { return handler(ctx, d.client, status) })
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, event *models.Event) error {
	d.metrics.observeNotification(event.Field)

	handler := d.registry.eventHandler(event.Field)
	if handler == nil {
		d.logger.Debug("no handler registered for event field", zap.String("field", event.Field))
		return nil
	}
	fields := []zap.Field{zap.String("field", event.Field), zap.String("waba_id", event.WABAID)}
	return d.invoke(stepEvent, fields, func() error { return handler(ctx, d.client, event) })
}

// invoke runs fn, converting a panic into a KindHandler error.
func (d *Dispatcher) invoke(step string, fields []zap.Field, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = newError(KindHandler, step, err)
			d.metrics.observeHandlerFailure(step)
			d.logger.Error("handler failed", append(fields, zap.String("step", step), zap.Error(err))...)
		}
	}()
	return fn()
}

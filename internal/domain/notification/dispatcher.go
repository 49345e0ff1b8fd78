package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/domain/appointment"
	"github.com/healthbridge/apptflow/pkg/circuitbreaker"
	"github.com/healthbridge/apptflow/pkg/workerpool"
)

var tracer = otel.Tracer("notification-dispatcher")

// Sink persists notifications. Insert reports false when a notification for
// the same source event already exists.
type Sink interface {
	Insert(ctx context.Context, n *Notification) (bool, error)
}

// Breaker guards calls to the sink.
type Breaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Observer receives delivery counters.
type Observer interface {
	NotificationSent(kind string)
	NotificationFailed(kind string)
}

type nopObserver struct{}

func (nopObserver) NotificationSent(string)   {}
func (nopObserver) NotificationFailed(string) {}

type directBreaker struct{}

func (directBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Dispatcher turns consumed appointment events into stored notifications.
type Dispatcher struct {
	sink     Sink
	breaker  Breaker
	observer Observer
	location *time.Location
	logger   *zap.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBreaker routes sink writes through b.
func WithBreaker(b Breaker) DispatcherOption {
	return func(d *Dispatcher) { d.breaker = b }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLocation sets the time zone used in message text.
func WithLocation(loc *time.Location) DispatcherOption {
	return func(d *Dispatcher) { d.location = loc }
}

// NewDispatcher creates a dispatcher writing to sink.
func NewDispatcher(sink Sink, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sink:     sink,
		breaker:  directBreaker{},
		observer: nopObserver{},
		location: time.UTC,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one serialized appointment event. Undecodable and
// unsupported events return a permanent error; sink failures are retryable.
// A duplicate delivery is not an error.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) error {
	ctx, span := tracer.Start(ctx, "notification.Handle")
	defer span.End()

	var event appointment.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return workerpool.Permanent(fmt.Errorf("decode event: %w", err))
	}
	span.SetAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", string(event.EventType)),
		attribute.String("appointment.id", event.AggregateID),
	)

	n, err := Compose(&event, d.location)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			d.logger.Debug("no notification for event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.EventType)),
			)
			return nil
		}
		return workerpool.Permanent(err)
	}

	var inserted bool
	err = d.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = d.sink.Insert(ctx, n)
		return err
	})
	if err != nil {
		d.observer.NotificationFailed(string(n.Type))
		span.RecordError(err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return err
		}
		return fmt.Errorf("insert notification for event %s: %w", event.ID, err)
	}

	if !inserted {
		d.logger.Debug("notification already stored", zap.String("event_id", event.ID))
		return nil
	}
	d.observer.NotificationSent(string(n.Type))
	d.logger.Info("notification stored",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
		zap.String("appointment_id", n.RelatedID),
	)
	return nil
}

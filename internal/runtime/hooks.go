package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
)

// EventContext describes one handler invocation to hooks.
type EventContext struct {
	// EventName is the event name the handler is registered for.
	EventName string
	// Stream is the stream the event was read from.
	Stream string
	// Sequence is the position of the event in its stream.
	Sequence uint64
	// Attempt starts at 1 and grows with every redelivery of the same event.
	Attempt int
	// MessageUUID is the stream-sequence identifier of the delivery.
	MessageUUID string
	// Metadata contains the delivery headers.
	Metadata message.Metadata
	Context  context.Context
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is only set in OnDone and OnError.
	Duration time.Duration
}

// EventHooks defines callbacks around handler invocations.
// All hooks are optional.
type EventHooks struct {
	OnStart func(ctx EventContext)
	OnDone  func(ctx EventContext)
	// OnError receives the error returned by the handler chain below the hooks.
	OnError func(ctx EventContext, err error)
}

// Merge returns hooks that call h and then other.
func (h EventHooks) Merge(other EventHooks) EventHooks {
	return EventHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(EventContext)) func(EventContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(EventContext, error)) func(EventContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// EventHooksMiddleware invokes hooks around every handler invocation.
func EventHooksMiddleware(hooks EventHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "event_hooks",
		Middleware: eventHooksMiddleware(hooks),
	}
}

func newEventContext(msg *message.Message) EventContext {
	position, _ := envelopepkg.PositionOf(msg)
	return EventContext{
		EventName:   eventNameOf(msg),
		Stream:      msg.Metadata.Get(metadatapkg.HeaderStream),
		Sequence:    position.Sequence,
		Attempt:     envelopepkg.AttemptOf(msg),
		MessageUUID: msg.UUID,
		Metadata:    msg.Metadata,
		Context:     msg.Context(),
		StartedAt:   time.Now(),
	}
}

func eventHooksMiddleware(hooks EventHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ec := newEventContext(msg)

			if hooks.OnStart != nil {
				hooks.OnStart(ec)
			}

			msgs, err := h(msg)
			ec.Duration = time.Since(ec.StartedAt)

			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(ec, err)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(ec)
			}

			return msgs, err
		}
	}
}

// LoggingHooks logs handler invocations through logger.
func LoggingHooks(logger loggingpkg.ServiceLogger) EventHooks {
	fields := func(ec EventContext) loggingpkg.LogFields {
		return loggingpkg.EventFields(ec.EventName, ec.Sequence).Merge(loggingpkg.LogFields{"attempt": ec.Attempt})
	}
	return EventHooks{
		OnStart: func(ec EventContext) {
			logger.Debug("Handler started", fields(ec))
		},
		OnDone: func(ec EventContext) {
			f := fields(ec)
			f["duration_ms"] = ec.Duration.Milliseconds()
			logger.Info("Handler completed", f)
		},
		OnError: func(ec EventContext, err error) {
			f := fields(ec)
			f["duration_ms"] = ec.Duration.Milliseconds()
			logger.Error("Handler failed", err, f)
		},
	}
}

// MetricsHooks forwards handler outcomes to the supplied counters.
func MetricsHooks(onStart, onDone, onError func(eventName string)) EventHooks {
	return EventHooks{
		OnStart: func(ec EventContext) {
			if onStart != nil {
				onStart(ec.EventName)
			}
		},
		OnDone: func(ec EventContext) {
			if onDone != nil {
				onDone(ec.EventName)
			}
		},
		OnError: func(ec EventContext, _ error) {
			if onError != nil {
				onError(ec.EventName)
			}
		},
	}
}

// AlertingHooks calls alert for every failed handler invocation.
func AlertingHooks(alert func(ctx EventContext, err error)) EventHooks {
	return EventHooks{OnError: alert}
}

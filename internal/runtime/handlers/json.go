package handlers

import (
	"context"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
)

// Handler processes events whose payload decodes into T.
type Handler[T any] interface {
	Handle(ctx context.Context, msg MessageContext[T]) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc[T any] func(ctx context.Context, msg MessageContext[T]) error

// Handle calls f.
func (f HandlerFunc[T]) Handle(ctx context.Context, msg MessageContext[T]) error {
	return f(ctx, msg)
}

// Delivery is an event on its way to a handler, before the payload is decoded.
type Delivery struct {
	Envelope envelopepkg.Envelope
	Position envelopepkg.Position
	Headers  metadatapkg.Headers
	Logger   loggingpkg.ServiceLogger
}

// NewDelivery decodes the envelope and position carried by a router message.
// Failures are reported as *errors.UnprocessableEventError.
func NewDelivery(msg *message.Message, logger loggingpkg.ServiceLogger) (Delivery, error) {
	pos, err := envelopepkg.PositionOf(msg)
	if err != nil {
		return Delivery{}, &errspkg.UnprocessableEventError{Err: err}
	}
	env, err := envelopepkg.FromMessage(msg)
	if err != nil {
		return Delivery{}, &errspkg.UnprocessableEventError{EventName: pos.Stream, Sequence: pos.Sequence, Err: err}
	}
	return Delivery{
		Envelope: env,
		Position: pos,
		Headers:  metadatapkg.FromWatermill(msg.Metadata),
		Logger:   loggingpkg.ForEvent(logger, env.Metadata.Event, pos.Sequence),
	}, nil
}

// Dispatch decodes a delivery into the handler's message type and invokes it.
type Dispatch func(ctx context.Context, d Delivery) error

// BuildDispatch converts a typed handler into a Dispatch closure. A payload
// that does not decode into T is reported as *errors.UnprocessableEventError.
func BuildDispatch[T any](handler Handler[T]) (Dispatch, error) {
	if isNilHandler(handler) {
		return nil, errspkg.ErrHandlerRequired
	}

	return func(ctx context.Context, d Delivery) error {
		var payload T
		if err := d.Envelope.Unmarshal(&payload); err != nil {
			return &errspkg.UnprocessableEventError{
				EventName: d.Envelope.Metadata.Event,
				Sequence:  d.Position.Sequence,
				Err:       err,
			}
		}

		logger := d.Logger
		if logger == nil {
			logger = loggingpkg.NewDiscardServiceLogger()
		}

		return handler.Handle(ctx, MessageContext[T]{
			Payload:  payload,
			Metadata: d.Envelope.Metadata,
			Headers:  d.Headers,
			Stream:   d.Position.Stream,
			Sequence: d.Position.Sequence,
			Logger:   logger,
		})
	}, nil
}

func isNilHandler(h any) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Interface, reflect.Map, reflect.Chan, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}

package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	namingpkg "github.com/drblury/streamflow/internal/runtime/naming"
	"github.com/drblury/streamflow/store"
)

// SendResult describes an event accepted by the store.
type SendResult struct {
	EventName string
	Sequence  uint64
	Metadata  metadatapkg.Metadata
}

// Publisher appends typed messages to the stream named after their type.
type Publisher struct {
	store    store.Store
	resolver *namingpkg.Resolver
	sender   string
	logger   loggingpkg.ServiceLogger
	now      func() time.Time
}

// NewPublisher returns a Publisher that records sender as the origin of every
// event. A nil logger discards output.
func NewPublisher(st store.Store, resolver *namingpkg.Resolver, sender string, logger loggingpkg.ServiceLogger) (*Publisher, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		logger = loggingpkg.NewDiscardServiceLogger()
	}
	return &Publisher{
		store:    st,
		resolver: resolver,
		sender:   sender,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Send appends msg and returns once the store acknowledged it. A nil message
// is ignored.
func (p *Publisher) Send(ctx context.Context, msg any) error {
	_, err := p.SendWithResult(ctx, msg)
	return err
}

// SendWithResult is Send that also reports where the event was written.
func (p *Publisher) SendWithResult(ctx context.Context, msg any) (SendResult, error) {
	if isNilMessage(msg) {
		return SendResult{}, nil
	}

	name := p.resolver.ResolveValue(msg)
	if name == "" {
		return SendResult{}, fmt.Errorf("%w: %T resolves to no name", errspkg.ErrEventNameRequired, msg)
	}

	md := metadatapkg.New(p.sender, name, p.now())
	rawMetadata, payload, err := envelopepkg.Encode(md, msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("send %s: %w", name, err)
	}

	seq, err := p.store.Append(ctx, name, payload, rawMetadata)
	if err != nil {
		return SendResult{}, fmt.Errorf("append %s: %w", name, err)
	}

	p.logger.Debug("Event appended", loggingpkg.EventFields(name, seq))

	return SendResult{EventName: name, Sequence: seq, Metadata: md}, nil
}

// PublishRaw appends an already encoded event, for example when forwarding
// events between stores.
func (p *Publisher) PublishRaw(ctx context.Context, eventName string, payload, rawMetadata []byte) (uint64, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return 0, errspkg.ErrEventNameRequired
	}
	if _, err := envelopepkg.Decode(rawMetadata, payload); err != nil {
		return 0, err
	}

	seq, err := p.store.Append(ctx, eventName, payload, rawMetadata)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", eventName, err)
	}
	return seq, nil
}

func isNilMessage(msg any) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil()
}

// deadLetterPublisher is the Watermill publisher behind the poison queue
// middleware. The topic it receives is the dead-letter prefix; each message
// lands in the stream <prefix><event name> with its original metadata.
type deadLetterPublisher struct {
	stores  func() (store.Store, error)
	logger  loggingpkg.ServiceLogger
	metrics *Metrics
}

func (p *deadLetterPublisher) Publish(prefix string, msgs ...*message.Message) error {
	st, err := p.stores()
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		eventName := deadLetterSource(msg)
		stream := prefix + eventName
		rawMetadata := []byte(msg.Metadata.Get(metadatapkg.HeaderMetadata))

		seq, err := st.Append(context.WithoutCancel(msg.Context()), stream, msg.Payload, rawMetadata)
		if err != nil {
			return fmt.Errorf("append dead letter %s: %w", stream, err)
		}

		p.metrics.RecordDeadLetter(eventName)
		p.logger.Info("Event moved to dead-letter stream", loggingpkg.LogFields{
			loggingpkg.FieldEventName: eventName,
			loggingpkg.FieldStream:    stream,
			loggingpkg.FieldSequence:  seq,
			"source_sequence":         msg.Metadata.Get(metadatapkg.HeaderSequence),
			"reason":                  msg.Metadata.Get(middleware.ReasonForPoisonedKey),
		})
	}
	return nil
}

func (p *deadLetterPublisher) Close() error { return nil }

// deadLetterSource prefers the event name recorded by the publisher and
// falls back to the stream the event was read from.
func deadLetterSource(msg *message.Message) string {
	if env, err := envelopepkg.FromMessage(msg); err == nil {
		return env.Metadata.Event
	}
	return msg.Metadata.Get(metadatapkg.HeaderStream)
}

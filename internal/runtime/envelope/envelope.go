// Package envelope converts between stored events and the Watermill messages
// that flow through the router.
//
// The metadata and the payload of an event are serialized independently: the
// store keeps them in separate fields and the router carries the metadata as
// a header next to the untouched payload.
package envelope

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/store"
)

// Envelope is an event as seen by a handler.
type Envelope struct {
	Metadata metadatapkg.Metadata
	Payload  []byte
}

// Position identifies an event within its stream.
type Position struct {
	Stream   string
	Sequence uint64
}

// Encode serializes metadata and payload separately.
func Encode(md metadatapkg.Metadata, payload any) (metadataBytes, payloadBytes []byte, err error) {
	payloadBytes, err = jsoncodec.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	metadataBytes, err = jsoncodec.Marshal(md)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return metadataBytes, payloadBytes, nil
}

// Decode parses the raw metadata and pairs it with the payload. Missing or
// unreadable metadata, or metadata without an event name, yields
// errors.ErrCorruptEnvelope.
func Decode(metadataBytes, payload []byte) (Envelope, error) {
	if len(metadataBytes) == 0 {
		return Envelope{}, fmt.Errorf("%w: metadata is empty", errspkg.ErrCorruptEnvelope)
	}
	var md metadatapkg.Metadata
	if err := jsoncodec.Unmarshal(metadataBytes, &md); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errspkg.ErrCorruptEnvelope, err)
	}
	if !md.Valid() {
		return Envelope{}, fmt.Errorf("%w: metadata names no event", errspkg.ErrCorruptEnvelope)
	}
	return Envelope{Metadata: md, Payload: payload}, nil
}

// Unmarshal decodes the payload into v.
func (e Envelope) Unmarshal(v any) error {
	if err := jsoncodec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload of %s: %w", e.Metadata.Event, err)
	}
	return nil
}

// MessageUUID returns the deterministic Watermill message id of an event, so a
// redelivered event keeps its id.
func MessageUUID(stream string, sequence uint64) string {
	return stream + "-" + strconv.FormatUint(sequence, 10)
}

// ToMessage wraps a recorded event into a Watermill message. The payload is
// shared, not copied.
func ToMessage(event store.RecordedEvent) *message.Message {
	var recorded string
	if !event.Recorded.IsZero() {
		recorded = event.Recorded.UTC().Format(time.RFC3339Nano)
	}

	msg := message.NewMessage(MessageUUID(event.Stream, event.Sequence), event.Data)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.NewHeaders(
		metadatapkg.HeaderStream, event.Stream,
		metadatapkg.HeaderSequence, strconv.FormatUint(event.Sequence, 10),
		metadatapkg.HeaderMetadata, string(event.Metadata),
		metadatapkg.HeaderRecorded, recorded,
	))
	return msg
}

// FromMessage decodes the envelope carried by a message produced by ToMessage.
func FromMessage(msg *message.Message) (Envelope, error) {
	return Decode([]byte(msg.Metadata.Get(metadatapkg.HeaderMetadata)), msg.Payload)
}

// PositionOf reads the stream position headers of a message.
func PositionOf(msg *message.Message) (Position, error) {
	stream := msg.Metadata.Get(metadatapkg.HeaderStream)
	if stream == "" {
		return Position{}, fmt.Errorf("%w: stream header missing", errspkg.ErrCorruptEnvelope)
	}
	seq, err := strconv.ParseUint(msg.Metadata.Get(metadatapkg.HeaderSequence), 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("%w: sequence header: %v", errspkg.ErrCorruptEnvelope, err)
	}
	return Position{Stream: stream, Sequence: seq}, nil
}

// SetAttempt records how many times the event has been handed out.
func SetAttempt(msg *message.Message, attempt int) {
	msg.Metadata.Set(metadatapkg.HeaderAttempt, strconv.Itoa(attempt))
}

// AttemptOf returns the delivery attempt of a message. Messages without the
// header count as the first attempt.
func AttemptOf(msg *message.Message) int {
	attempt, err := strconv.Atoi(msg.Metadata.Get(metadatapkg.HeaderAttempt))
	if err != nil || attempt < 1 {
		return 1
	}
	return attempt
}

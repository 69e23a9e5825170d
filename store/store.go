// Package store defines the storage engine contract used by streamflow.
// Each engine implementation (memory, jetstream, sqlite, postgres) lives in its
// own sub-package and registers itself with the store registry.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrClosed is returned by engines that have already been closed.
	ErrClosed = errors.New("streamflow: store is closed")
	// ErrStreamRequired is returned when an append or subscription names no stream.
	ErrStreamRequired = errors.New("streamflow: stream name is required")
	// ErrEventNameRequired is returned by checkpoint stores for blank event names.
	ErrEventNameRequired = errors.New("streamflow: event name is required")
)

// RecordedEvent is a single persisted event as read back from a stream.
type RecordedEvent struct {
	// Stream is the name of the stream the event was appended to.
	Stream string
	// Sequence is the position of the event. Sequences grow strictly within a stream.
	Sequence uint64
	// Data is the serialized message body.
	Data []byte
	// Metadata is the serialized metadata stored alongside the body.
	Metadata []byte
	// Recorded is the time the engine accepted the append.
	Recorded time.Time
}

// Store is the append-only stream storage consumed by the publisher and the
// subscription manager.
type Store interface {
	// Append writes an event to the stream without any expected-version check
	// and returns the sequence assigned by the engine. It returns only after the
	// engine acknowledged the write.
	Append(ctx context.Context, stream string, data, metadata []byte) (uint64, error)

	// SubscribeFrom opens a catch-up subscription delivering every event with a
	// sequence greater than after, then following the stream live.
	SubscribeFrom(ctx context.Context, stream string, after uint64) (Subscription, error)

	Close() error
}

// Subscription is a catch-up subscription handle returned by Store.SubscribeFrom.
//
// Engines must close Live before they send the first event that was not yet
// persisted when the subscription was opened, so a consumer that prefers the
// Live channel observes the transition in order.
type Subscription interface {
	// Events yields events in sequence order. It is closed when the subscription ends.
	Events() <-chan RecordedEvent
	// Live is closed once all events persisted at subscribe time were delivered.
	Live() <-chan struct{}
	// Err reports why the subscription ended. It is nil after a caller-initiated Close.
	Err() error
	Close() error
}

// CheckpointStore persists the last processed sequence per event name.
// Implementations must be safe for concurrent use across distinct names.
type CheckpointStore interface {
	// GetLastSequence returns the stored checkpoint. ok is false when nothing
	// was recorded yet, in which case sequence is 0.
	GetLastSequence(ctx context.Context, eventName string) (sequence uint64, ok bool, err error)
	SaveLastSequence(ctx context.Context, eventName string, sequence uint64) error
}

// Engine pairs a Store with the CheckpointStore that belongs to it.
type Engine struct {
	Store       Store
	Checkpoints CheckpointStore
}

// Close releases the engine. Checkpoint stores that hold resources of their
// own are closed after the store.
func (e Engine) Close() error {
	var errs []error
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	if closer, ok := e.Checkpoints.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for opening an engine from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Engine, error)

// Config provides the configuration values needed by engines.
type Config interface {
	// GetStoreBackend returns the engine name.
	GetStoreBackend() string

	// NATS JetStream
	GetNATSURL() string
	GetNATSUser() string
	GetNATSPassword() string
	GetNATSMaxReconnects() int
	GetJetStreamStream() string
	GetJetStreamCheckpointBucket() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// Polling engines
	GetPollInterval() time.Duration
	GetCatchUpBatchSize() int
}

// CapabilitiesProvider is implemented by engines that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// HeadProvider is implemented by engines that can report the last sequence of a stream.
type HeadProvider interface {
	Head(ctx context.Context, stream string) (uint64, error)
}

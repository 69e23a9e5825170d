package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/streamflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/store"
)

var errCheckpoint = errors.New("streamflow: checkpoint write failed")

// Dispatcher routes delivered events to their registered handler and
// checkpoints every success. It is the only writer of checkpoints.
type Dispatcher struct {
	registry    *Registry
	checkpoints store.CheckpointStore
	logger      loggingpkg.ServiceLogger
	metrics     *Metrics

	// onCheckpoint is called after a checkpoint was persisted.
	onCheckpoint func(eventName string, sequence uint64)

	mu    sync.Mutex
	saved map[string]*checkpointCursor
}

type checkpointCursor struct {
	mu     sync.Mutex
	loaded bool
	has    bool
	last   uint64
}

// NewDispatcher creates a Dispatcher over registry that persists progress in cp.
func NewDispatcher(registry *Registry, cp store.CheckpointStore, logger loggingpkg.ServiceLogger, metrics *Metrics) (*Dispatcher, error) {
	if registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if cp == nil {
		return nil, errspkg.ErrCheckpointStoreRequired
	}
	if logger == nil {
		logger = loggingpkg.NewDiscardServiceLogger()
	}
	return &Dispatcher{
		registry:    registry,
		checkpoints: cp,
		logger:      logger,
		metrics:     metrics,
		saved:       make(map[string]*checkpointCursor),
	}, nil
}

// Handle processes one delivered event. Events without a usable envelope or
// without a registered handler are reported and acknowledged. Handler errors
// are returned to the middleware chain with the checkpoint untouched.
func (d *Dispatcher) Handle(msg *message.Message) error {
	delivery, err := handlerpkg.NewDelivery(msg, d.logger)
	if err != nil {
		d.reject(msg, msg.Metadata.Get(metadatapkg.HeaderStream), RejectCorrupt, err)
		return nil
	}

	name := delivery.Envelope.Metadata.Event
	reg, ok := d.registry.Lookup(name)
	if !ok {
		d.reject(msg, name, RejectUnknown, fmt.Errorf("%w: %s", errspkg.ErrUnknownEvent, name))
		return nil
	}

	ctx := msg.Context()
	err = reg.Dispatch(ctx, delivery)
	d.metrics.RecordHandled(name, err)
	if err != nil {
		if errspkg.IsUnprocessable(err) {
			d.metrics.RecordRejected(name, RejectUndecodable)
		}
		return err
	}

	// The handler already ran, so its checkpoint is written even when
	// shutdown cancelled the delivery.
	return d.checkpoint(context.WithoutCancel(ctx), name, delivery.Position.Sequence)
}

func (d *Dispatcher) reject(msg *message.Message, eventName, reason string, err error) {
	d.metrics.RecordRejected(eventName, reason)
	d.logger.Error("Dropping event", err, loggingpkg.LogFields{
		loggingpkg.FieldEventName: eventName,
		"message_uuid":            msg.UUID,
		"reason":                  reason,
	})
}

func (d *Dispatcher) cursor(eventName string) *checkpointCursor {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.saved[eventName]
	if !ok {
		c = &checkpointCursor{}
		d.saved[eventName] = c
	}
	return c
}

// checkpoint persists sequence unless an equal or later one was already
// written for the event name.
func (d *Dispatcher) checkpoint(ctx context.Context, eventName string, sequence uint64) error {
	c := d.cursor(eventName)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		last, ok, err := d.checkpoints.GetLastSequence(ctx, eventName)
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", errCheckpoint, eventName, err)
		}
		c.loaded, c.has, c.last = true, ok, last
	}
	if c.has && sequence <= c.last {
		return nil
	}

	if err := d.checkpoints.SaveLastSequence(ctx, eventName, sequence); err != nil {
		return fmt.Errorf("%w: save %s at %d: %w", errCheckpoint, eventName, sequence, err)
	}
	c.has, c.last = true, sequence

	d.metrics.SetCheckpoint(eventName, sequence)
	if d.onCheckpoint != nil {
		d.onCheckpoint(eventName, sequence)
	}
	return nil
}

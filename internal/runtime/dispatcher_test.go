package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/streamflow/internal/runtime/handlers"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/store"
	"github.com/drblury/streamflow/store/memory"
)

// recordingCheckpoints wraps a checkpoint store and records every save.
type recordingCheckpoints struct {
	store.CheckpointStore

	mu      sync.Mutex
	saves   []uint64
	saveErr error
}

func (c *recordingCheckpoints) SaveLastSequence(ctx context.Context, eventName string, sequence uint64) error {
	c.mu.Lock()
	err := c.saveErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.CheckpointStore.SaveLastSequence(ctx, eventName, sequence); err != nil {
		return err
	}
	c.mu.Lock()
	c.saves = append(c.saves, sequence)
	c.mu.Unlock()
	return nil
}

func (c *recordingCheckpoints) Saves() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.saves...)
}

type dispatcherFixture struct {
	dispatcher  *Dispatcher
	handler     *recordingHandler[OrderPlaced]
	checkpoints *recordingCheckpoints
	metrics     *Metrics
	notified    []uint64
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		handler:     newRecordingHandler[OrderPlaced](),
		checkpoints: &recordingCheckpoints{CheckpointStore: memory.NewCheckpoints()},
		metrics:     NewMetrics(nil),
	}
	registry := buildRegistry(t, func(b *RegistryBuilder) {
		Register[OrderPlaced](b, f.handler)
	})

	d, err := NewDispatcher(registry, f.checkpoints, newTestLogger(), f.metrics)
	require.NoError(t, err)
	d.onCheckpoint = func(_ string, seq uint64) { f.notified = append(f.notified, seq) }
	f.dispatcher = d
	return f
}

func (f *dispatcherFixture) checkpoint(t *testing.T) (uint64, bool) {
	t.Helper()
	seq, ok, err := f.checkpoints.GetLastSequence(context.Background(), "order.placed")
	require.NoError(t, err)
	return seq, ok
}

func TestNewDispatcherRequiresCollaborators(t *testing.T) {
	_, err := NewDispatcher(nil, memory.NewCheckpoints(), nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrRegistryRequired)
	_, err = NewDispatcher(&Registry{}, nil, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrCheckpointStoreRequired)
}

func TestDispatcherCheckpointsSuccess(t *testing.T) {
	f := newDispatcherFixture(t)

	require.NoError(t, f.dispatcher.Handle(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1})))

	assert.Equal(t, []OrderPlaced{{ID: 1}}, f.handler.Payloads())
	seq, ok := f.checkpoint(t)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, []uint64{1}, f.notified)

	sm, ok := f.metrics.Stream("order.placed")
	require.True(t, ok)
	assert.Equal(t, uint64(1), sm.Handled)
	assert.Equal(t, uint64(1), sm.Checkpoint)
}

func TestDispatcherResumesCheckpointSequence(t *testing.T) {
	f := newDispatcherFixture(t)
	require.NoError(t, f.checkpoints.CheckpointStore.SaveLastSequence(context.Background(), "order.placed", 5))

	for seq := uint64(6); seq <= 8; seq++ {
		require.NoError(t, f.dispatcher.Handle(newEventMessage(t, "order.placed", seq, OrderPlaced{ID: int(seq)})))
	}

	assert.Equal(t, []uint64{6, 7, 8}, f.checkpoints.Saves())
	seq, _ := f.checkpoint(t)
	assert.Equal(t, uint64(8), seq)
}

func TestDispatcherWritesStrictlyIncreasingCheckpoints(t *testing.T) {
	f := newDispatcherFixture(t)

	require.NoError(t, f.dispatcher.Handle(newEventMessage(t, "order.placed", 3, OrderPlaced{ID: 3})))
	require.NoError(t, f.dispatcher.Handle(newEventMessage(t, "order.placed", 3, OrderPlaced{ID: 3})))
	require.NoError(t, f.dispatcher.Handle(newEventMessage(t, "order.placed", 2, OrderPlaced{ID: 2})))

	assert.Equal(t, []uint64{3}, f.checkpoints.Saves())
	assert.Len(t, f.handler.Payloads(), 3)
}

func TestDispatcherDropsUnknownEvents(t *testing.T) {
	f := newDispatcherFixture(t)

	require.NoError(t, f.dispatcher.Handle(newEventMessage(t, "order.shipped", 1, OrderPlaced{ID: 1})))

	assert.Empty(t, f.handler.Payloads())
	assert.Empty(t, f.checkpoints.Saves())
	sm, ok := f.metrics.Stream("order.shipped")
	require.True(t, ok)
	assert.Equal(t, uint64(1), sm.Rejected)
}

func TestDispatcherRoutesByMetadataEventName(t *testing.T) {
	f := newDispatcherFixture(t)

	msg := newEventMessage(t, "order.placed", 4, OrderPlaced{ID: 4})
	msg.Metadata.Set(metadatapkg.HeaderStream, "forwarded")
	require.NoError(t, f.dispatcher.Handle(msg))

	assert.Equal(t, []OrderPlaced{{ID: 4}}, f.handler.Payloads())
	seq, ok := f.checkpoint(t)
	assert.True(t, ok)
	assert.Equal(t, uint64(4), seq)
}

func TestDispatcherDropsCorruptEnvelopes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(md map[string]string)
	}{
		{name: "missing metadata", mutate: func(md map[string]string) { delete(md, metadatapkg.HeaderMetadata) }},
		{name: "unreadable metadata", mutate: func(md map[string]string) { md[metadatapkg.HeaderMetadata] = "{" }},
		{name: "metadata without event", mutate: func(md map[string]string) { md[metadatapkg.HeaderMetadata] = `{"Sender":"x"}` }},
		{name: "missing sequence", mutate: func(md map[string]string) { delete(md, metadatapkg.HeaderSequence) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t)
			msg := newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1})
			tt.mutate(msg.Metadata)

			require.NoError(t, f.dispatcher.Handle(msg))
			assert.Empty(t, f.handler.Payloads())
			assert.Empty(t, f.checkpoints.Saves())
		})
	}
}

func TestDispatcherReturnsHandlerErrors(t *testing.T) {
	f := newDispatcherFixture(t)
	boom := errors.New("boom")
	f.handler.fail = func(handlerpkg.MessageContext[OrderPlaced]) error { return boom }

	err := f.dispatcher.Handle(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1}))
	assert.ErrorIs(t, err, boom)

	_, ok := f.checkpoint(t)
	assert.False(t, ok)
	sm, _ := f.metrics.Stream("order.placed")
	assert.Equal(t, uint64(1), sm.Failed)
}

func TestDispatcherReportsUndecodablePayload(t *testing.T) {
	f := newDispatcherFixture(t)

	msg := newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1})
	msg.Payload = []byte(`{"id":"not a number"}`)

	err := f.dispatcher.Handle(msg)
	assert.True(t, errspkg.IsUnprocessable(err))
	assert.Empty(t, f.checkpoints.Saves())

	sm, _ := f.metrics.Stream("order.placed")
	assert.Equal(t, uint64(1), sm.Rejected)
}

func TestDispatcherReportsCheckpointFailures(t *testing.T) {
	f := newDispatcherFixture(t)
	f.checkpoints.saveErr = errors.New("disk full")

	err := f.dispatcher.Handle(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, errCheckpoint)
	assert.Equal(t, ErrorCategoryStore, defaultErrorClassifier(err))

	f.checkpoints.saveErr = nil
	require.NoError(t, f.dispatcher.Handle(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1})))
	assert.Equal(t, []uint64{1}, f.checkpoints.Saves())
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		FilePath:     filepath.Join(t.TempDir(), "events.db"),
		PollInterval: 10 * time.Millisecond,
		BatchSize:    2,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func receive(t *testing.T, sub store.Subscription) store.RecordedEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed: %v", sub.Err())
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return store.RecordedEvent{}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultFilePath, cfg.FilePath)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Positive(t, cfg.BatchSize)
}

func TestAppendAndHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	head, err := s.Head(ctx, "order.placed")
	require.NoError(t, err)
	assert.Zero(t, head)

	for want := uint64(1); want <= 3; want++ {
		seq, err := s.Append(ctx, "order.placed", []byte(`{"id":1}`), []byte(`{"Event":"order.placed"}`))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	seq, err := s.Append(ctx, "order.shipped", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	head, err = s.Head(ctx, "order.placed")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)

	_, err = s.Append(ctx, "", nil, nil)
	assert.ErrorIs(t, err, store.ErrStreamRequired)
}

func TestSubscribeFromCatchUpAndLive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "order.placed", []byte{byte('a' + i)}, []byte("{}"))
		require.NoError(t, err)
	}

	sub, err := s.SubscribeFrom(ctx, "order.placed", 2)
	require.NoError(t, err)
	defer sub.Close()

	for _, want := range []uint64{3, 4, 5} {
		ev := receive(t, sub)
		assert.Equal(t, want, ev.Sequence)
		assert.Equal(t, "order.placed", ev.Stream)
		assert.Equal(t, []byte("{}"), ev.Metadata)
		assert.False(t, ev.Recorded.IsZero())
	}

	select {
	case <-sub.Live():
	case <-time.After(5 * time.Second):
		t.Fatal("live never fired")
	}

	_, err = s.Append(ctx, "order.placed", []byte("f"), nil)
	require.NoError(t, err)
	ev := receive(t, sub)
	assert.Equal(t, uint64(6), ev.Sequence)
	assert.Equal(t, []byte("f"), ev.Data)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	s := newTestStore(t)
	sub, err := s.SubscribeFrom(context.Background(), "a", 0)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), store.ErrClosed)

	_, err = s.Append(context.Background(), "a", nil, nil)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestCheckpointsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := New(Config{FilePath: path}, nil)
	require.NoError(t, err)
	cp := s.Checkpoints()

	_, ok, err := cp.GetLastSequence(ctx, "order.placed")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cp.SaveLastSequence(ctx, "order.placed", 4))
	require.NoError(t, cp.SaveLastSequence(ctx, "order.placed", 7))
	assert.ErrorIs(t, cp.SaveLastSequence(ctx, " ", 1), store.ErrEventNameRequired)
	require.NoError(t, s.Close())

	reopened, err := New(Config{FilePath: path}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	seq, ok, err := reopened.Checkpoints().GetLastSequence(ctx, "order.placed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), seq)
}

type buildConfig struct {
	path string
}

func (c buildConfig) GetStoreBackend() string              { return EngineName }
func (c buildConfig) GetNATSURL() string                   { return "" }
func (c buildConfig) GetNATSUser() string                  { return "" }
func (c buildConfig) GetNATSPassword() string              { return "" }
func (c buildConfig) GetNATSMaxReconnects() int            { return 0 }
func (c buildConfig) GetJetStreamStream() string           { return "" }
func (c buildConfig) GetJetStreamCheckpointBucket() string { return "" }
func (c buildConfig) GetSQLiteFile() string                { return c.path }
func (c buildConfig) GetPostgresURL() string               { return "" }
func (c buildConfig) GetPollInterval() time.Duration       { return 0 }
func (c buildConfig) GetCatchUpBatchSize() int             { return 0 }

func TestBuildThroughRegistry(t *testing.T) {
	require.True(t, store.DefaultRegistry.Has(EngineName))

	engine, err := store.Build(context.Background(), buildConfig{path: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	defer engine.Close()

	seq, err := engine.Store.Append(context.Background(), "a", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.True(t, Capabilities().SurvivesRestart())
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamflow/store"
)

func receive(t *testing.T, sub store.Subscription) store.RecordedEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return store.RecordedEvent{}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	st := New()
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		seq, err := st.Append(ctx, "order.placed", []byte(`{}`), []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	seq, err := st.Append(ctx, "order.shipped", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "sequences are per stream")

	head, err := st.Head(ctx, "order.placed")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
	assert.Len(t, st.Events("order.placed"), 3)
}

func TestAppendValidation(t *testing.T) {
	st := New()

	_, err := st.Append(context.Background(), "", nil, nil)
	assert.ErrorIs(t, err, store.ErrStreamRequired)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.Append(ctx, "a", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, st.Close())
	_, err = st.Append(context.Background(), "a", nil, nil)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestSubscribeFromCatchesUpThenGoesLive(t *testing.T) {
	st := New()
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := st.Append(ctx, "order.placed", []byte{byte('0' + i)}, nil)
		require.NoError(t, err)
	}

	sub, err := st.SubscribeFrom(ctx, "order.placed", 5)
	require.NoError(t, err)
	defer sub.Close()

	for _, want := range []uint64{6, 7} {
		assert.Equal(t, want, receive(t, sub).Sequence)
		assert.False(t, isClosed(sub.Live()), "live must not fire during catch-up")
	}
	assert.Equal(t, uint64(8), receive(t, sub).Sequence)

	select {
	case <-sub.Live():
	case <-time.After(2 * time.Second):
		t.Fatal("live never fired")
	}

	_, err = st.Append(ctx, "order.placed", []byte("9"), nil)
	require.NoError(t, err)
	ev := receive(t, sub)
	assert.Equal(t, uint64(9), ev.Sequence)
	assert.Equal(t, []byte("9"), ev.Data)
}

func TestSubscribeFromEmptyStreamIsLiveImmediately(t *testing.T) {
	st := New()
	sub, err := st.SubscribeFrom(context.Background(), "empty", 0)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-sub.Live():
	case <-time.After(2 * time.Second):
		t.Fatal("live never fired")
	}
}

func TestDropSubscriptionsEndsWithReason(t *testing.T) {
	st := New()
	ctx := context.Background()
	_, err := st.Append(ctx, "a", nil, nil)
	require.NoError(t, err)

	sub, err := st.SubscribeFrom(ctx, "a", 0)
	require.NoError(t, err)

	reason := errors.New("connection lost")
	assert.Equal(t, 1, st.DropSubscriptions("a", reason))

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), reason)
	assert.Equal(t, 0, st.DropSubscriptions("a", reason), "dropped subscriptions are forgotten")
}

func TestCloseSubscriptionHasNoError(t *testing.T) {
	st := New()
	sub, err := st.SubscribeFrom(context.Background(), "a", 0)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())
}

func TestStoreCloseDropsSubscriptions(t *testing.T) {
	st := New()
	sub, err := st.SubscribeFrom(context.Background(), "a", 0)
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), store.ErrClosed)

	_, err = st.SubscribeFrom(context.Background(), "a", 0)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestCheckpoints(t *testing.T) {
	cp := NewCheckpoints()
	ctx := context.Background()

	seq, ok, err := cp.GetLastSequence(ctx, "order.placed")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, seq)

	require.NoError(t, cp.SaveLastSequence(ctx, " order.placed ", 5))
	seq, ok, err = cp.GetLastSequence(ctx, "order.placed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), seq)

	assert.ErrorIs(t, cp.SaveLastSequence(ctx, "  ", 1), store.ErrEventNameRequired)
	_, _, err = cp.GetLastSequence(ctx, "")
	assert.ErrorIs(t, err, store.ErrEventNameRequired)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, cp.SaveLastSequence(cancelled, "x", 1), context.Canceled)
}

func TestBuildRegistersEngine(t *testing.T) {
	assert.True(t, store.DefaultRegistry.Has(EngineName))
	engine, err := Build(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, engine.Store)
	assert.NotNil(t, engine.Checkpoints)
	assert.Equal(t, "memory", Capabilities().Name)
}

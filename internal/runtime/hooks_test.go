package runtime

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
)

func runHooks(t *testing.T, hooks EventHooks, err error) *message.Message {
	t.Helper()
	msg := newEventMessage(t, "order.placed", 7, OrderPlaced{ID: 7})
	h := eventHooksMiddleware(hooks)(func(*message.Message) ([]*message.Message, error) {
		return nil, err
	})
	_, got := h(msg)
	if !errors.Is(got, err) {
		t.Fatalf("expected %v from the middleware, got %v", err, got)
	}
	return msg
}

func TestEventHooksOnSuccess(t *testing.T) {
	var started, done []EventContext
	var failed int

	msg := runHooks(t, EventHooks{
		OnStart: func(ec EventContext) { started = append(started, ec) },
		OnDone:  func(ec EventContext) { done = append(done, ec) },
		OnError: func(EventContext, error) { failed++ },
	}, nil)

	require.Len(t, started, 1)
	require.Len(t, done, 1)
	assert.Zero(t, failed)

	ec := done[0]
	assert.Equal(t, "order.placed", ec.EventName)
	assert.Equal(t, "order.placed", ec.Stream)
	assert.Equal(t, uint64(7), ec.Sequence)
	assert.Equal(t, 1, ec.Attempt)
	assert.Equal(t, msg.UUID, ec.MessageUUID)
	assert.Equal(t, "order.placed-7", ec.MessageUUID)
	assert.False(t, ec.StartedAt.IsZero())
	assert.Zero(t, started[0].Duration)
}

func TestEventHooksOnError(t *testing.T) {
	boom := errors.New("boom")
	var gotErr error
	var attempt int
	var doneCalled bool

	msg := newEventMessage(t, "order.placed", 2, OrderPlaced{ID: 2})
	envelopepkg.SetAttempt(msg, 3)

	h := eventHooksMiddleware(EventHooks{
		OnDone: func(EventContext) { doneCalled = true },
		OnError: func(ec EventContext, err error) {
			gotErr = err
			attempt = ec.Attempt
		},
	})(func(*message.Message) ([]*message.Message, error) { return nil, boom })

	_, err := h(msg)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, 3, attempt)
	assert.False(t, doneCalled)
}

func TestEventHooksAreOptional(t *testing.T) {
	runHooks(t, EventHooks{}, nil)
	runHooks(t, EventHooks{}, errors.New("boom"))
}

func TestEventHooksMerge(t *testing.T) {
	var calls []string
	a := EventHooks{
		OnStart: func(EventContext) { calls = append(calls, "a.start") },
		OnError: func(EventContext, error) { calls = append(calls, "a.error") },
	}
	b := EventHooks{
		OnStart: func(EventContext) { calls = append(calls, "b.start") },
		OnDone:  func(EventContext) { calls = append(calls, "b.done") },
	}

	merged := a.Merge(b)
	runHooks(t, merged, nil)
	assert.Equal(t, []string{"a.start", "b.start", "b.done"}, calls)

	calls = nil
	runHooks(t, merged, errors.New("boom"))
	assert.Equal(t, []string{"a.start", "b.start", "a.error"}, calls)
}

func TestMetricsHooks(t *testing.T) {
	counts := map[string]int{}
	hooks := MetricsHooks(
		func(name string) { counts["start:"+name]++ },
		func(name string) { counts["done:"+name]++ },
		func(name string) { counts["error:"+name]++ },
	)

	runHooks(t, hooks, nil)
	runHooks(t, hooks, errors.New("boom"))

	assert.Equal(t, map[string]int{
		"start:order.placed": 2,
		"done:order.placed":  1,
		"error:order.placed": 1,
	}, counts)

	// nil callbacks are ignored
	runHooks(t, MetricsHooks(nil, nil, nil), errors.New("boom"))
}

func TestAlertingAndLoggingHooks(t *testing.T) {
	var alerts int
	hooks := LoggingHooks(newTestLogger()).Merge(AlertingHooks(func(EventContext, error) { alerts++ }))

	runHooks(t, hooks, nil)
	runHooks(t, hooks, errors.New("boom"))
	assert.Equal(t, 1, alerts)
}

func TestEventHooksMiddlewareRegistration(t *testing.T) {
	reg := EventHooksMiddleware(EventHooks{})
	assert.Equal(t, "event_hooks", reg.Name)
	assert.NotNil(t, reg.Middleware)

	svc := newTestService(t, newTestConfig(), &Registry{}, newTestEngine())
	require.NoError(t, svc.RegisterMiddleware(reg))
}

package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
)

// failingHandler fails its first failures invocations with err.
func failingHandler(calls *atomic.Int32, failures int32, err error) message.HandlerFunc {
	return func(*message.Message) ([]*message.Message, error) {
		if calls.Add(1) <= failures {
			return nil, err
		}
		return nil, nil
	}
}

func newPolicyService(t *testing.T, policy configpkg.FailurePolicy) (*Service, *testEngine) {
	t.Helper()
	conf := newTestConfig()
	conf.FailurePolicy = policy
	conf.RetryMaxRetries = 2
	engine := newTestEngine()
	svc := newTestService(t, conf, &Registry{}, engine)
	require.NoError(t, svc.Connect(context.Background()))
	return svc, engine
}

func TestFailurePolicies(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		policy       configpkg.FailurePolicy
		wantErr      error
		wantCalls    int32
		wantSkipped  uint64
		deadLettered int
	}{
		{policy: configpkg.FailureSkip, wantCalls: 1, wantSkipped: 1},
		{policy: configpkg.FailureRetry, wantCalls: 3, wantSkipped: 1},
		{policy: configpkg.FailureDeadLetter, wantCalls: 3, deadLettered: 1},
		{policy: configpkg.FailureBlock, wantErr: boom, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			svc, engine := newPolicyService(t, tt.policy)
			mw, err := svc.failurePolicyMiddleware()
			require.NoError(t, err)

			var calls atomic.Int32
			_, err = mw(failingHandler(&calls, 100, boom))(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1}))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())

			sm, _ := svc.Metrics().Stream("order.placed")
			assert.Equal(t, tt.wantSkipped, sm.Skipped)
			assert.Len(t, engine.store.Events("deadletter.order.placed"), tt.deadLettered)
		})
	}
}

func TestRetryPolicyRecoversTransientFailures(t *testing.T) {
	svc, _ := newPolicyService(t, configpkg.FailureRetry)
	mw, err := svc.failurePolicyMiddleware()
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = mw(failingHandler(&calls, 2, errors.New("flaky")))(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1}))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	sm, _ := svc.Metrics().Stream("order.placed")
	assert.Zero(t, sm.Skipped)
}

func TestUnprocessableEventsAreNeverRetried(t *testing.T) {
	unprocessable := &errspkg.UnprocessableEventError{EventName: "order.placed", Sequence: 1, Err: errors.New("bad json")}

	for _, policy := range []configpkg.FailurePolicy{configpkg.FailureRetry, configpkg.FailureDeadLetter, configpkg.FailureBlock} {
		t.Run(string(policy), func(t *testing.T) {
			svc, engine := newPolicyService(t, policy)
			mw, err := svc.failurePolicyMiddleware()
			require.NoError(t, err)

			var calls atomic.Int32
			_, err = mw(failingHandler(&calls, 100, unprocessable))(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1}))
			require.NoError(t, err)
			assert.Equal(t, int32(1), calls.Load())

			if policy == configpkg.FailureDeadLetter {
				assert.Len(t, engine.store.Events("deadletter.order.placed"), 1)
				return
			}
			sm, _ := svc.Metrics().Stream("order.placed")
			assert.Equal(t, uint64(1), sm.Skipped)
		})
	}
}

func TestSkipPolicyPassesShutdownThrough(t *testing.T) {
	svc, _ := newPolicyService(t, configpkg.FailureSkip)
	mw, err := svc.failurePolicyMiddleware()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1})
	msg.SetContext(ctx)

	var calls atomic.Int32
	_, err = mw(failingHandler(&calls, 100, context.Canceled))(msg)
	assert.ErrorIs(t, err, context.Canceled)

	sm, _ := svc.Metrics().Stream("order.placed")
	assert.Zero(t, sm.Skipped)
}

func TestRetryMiddlewareHonoursRetryIf(t *testing.T) {
	svc, _ := newPolicyService(t, configpkg.FailureSkip)
	permanent := errors.New("permanent")

	mw := svc.retryMiddlewareWithConfig(RetryMiddlewareConfig{
		MaxRetries:      5,
		InitialInterval: configpkg.DefaultRetryInitial / 100,
		MaxInterval:     configpkg.DefaultRetryInitial / 10,
		RetryIf:         func(err error) bool { return !errors.Is(err, permanent) },
	})

	var calls atomic.Int32
	_, err := mw(failingHandler(&calls, 100, permanent))(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1}))
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()
	assert.Equal(t, configpkg.DefaultRetryMaxRetries, cfg.MaxRetries)
	assert.Equal(t, configpkg.DefaultRetryInitial, cfg.InitialInterval)
	assert.Equal(t, configpkg.DefaultRetryMax, cfg.MaxInterval)
}

func TestRegisterMiddleware(t *testing.T) {
	svc := newTestService(t, newTestConfig(), &Registry{}, newTestEngine())

	err := svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"})
	assert.Error(t, err)

	builderErr := errors.New("no can do")
	err = svc.RegisterMiddleware(MiddlewareRegistration{
		Name:    "broken",
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, builderErr },
	})
	assert.ErrorIs(t, err, builderErr)

	err = svc.RegisterMiddleware(MiddlewareRegistration{
		Name:    "disabled",
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
	})
	assert.NoError(t, err)

	_, err = NewService(newTestConfig(), newTestLogger(), &Registry{}, ServiceDependencies{
		Engine:      newTestEngine().engine(),
		Middlewares: []MiddlewareRegistration{{Name: "broken", Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, builderErr }}},
	})
	assert.ErrorIs(t, err, builderErr)
	assert.Contains(t, err.Error(), "register middleware broken")
}

func TestChainMiddlewaresRunsFirstOutermost(t *testing.T) {
	var order []string
	record := func(name string) message.HandlerMiddleware {
		return func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				order = append(order, name)
				return h(msg)
			}
		}
	}

	h := chainMiddlewares(record("outer"), record("inner"))(func(*message.Message) ([]*message.Message, error) {
		order = append(order, "handler")
		return nil, nil
	})
	_, err := h(message.NewMessage("1", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestEventNameOfFallsBackToStreamHeader(t *testing.T) {
	msg := newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1})
	assert.Equal(t, "order.placed", eventNameOf(msg))

	msg.Metadata.Set(metadatapkg.HeaderStream, "")
	assert.Empty(t, eventNameOf(msg))
}

func TestTracerMiddlewareWrapsHandler(t *testing.T) {
	boom := errors.New("boom")
	var observed trace.Span

	h := tracerMiddleware(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, boom
	})

	_, err := h(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1}))
	assert.ErrorIs(t, err, boom)
	if observed == nil {
		t.Fatal("expected a span in the handler context")
	}
}

func TestLogMessagesMiddlewarePassesThrough(t *testing.T) {
	var called bool
	h := logMessagesMiddleware(newTestLogger())(func(*message.Message) ([]*message.Message, error) {
		called = true
		return nil, nil
	})
	_, err := h(newEventMessage(t, "order.placed", 1, OrderPlaced{ID: 1}))
	require.NoError(t, err)
	assert.True(t, called)
}

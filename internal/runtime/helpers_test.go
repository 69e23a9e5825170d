package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/streamflow/internal/runtime/config"
	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	handlerpkg "github.com/drblury/streamflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/store"
	"github.com/drblury/streamflow/store/memory"
)

const testSender = "svc-a"

type OrderPlaced struct {
	ID int `json:"id"`
}

type PaymentCaptured struct {
	OrderID int    `json:"order_id"`
	Amount  string `json:"amount"`
}

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type testEngine struct {
	store       *memory.Store
	checkpoints *memory.Checkpoints
}

func newTestEngine() *testEngine {
	return &testEngine{store: memory.New(), checkpoints: memory.NewCheckpoints()}
}

func (e *testEngine) engine() *store.Engine {
	return &store.Engine{Store: e.store, Checkpoints: e.checkpoints}
}

// appendEvent writes an event the way a Publisher would.
func (e *testEngine) appendEvent(t *testing.T, eventName string, payload any) uint64 {
	t.Helper()
	md := metadatapkg.New(testSender, eventName, time.Now())
	rawMetadata, data, err := envelopepkg.Encode(md, payload)
	require.NoError(t, err)
	seq, err := e.store.Append(context.Background(), eventName, data, rawMetadata)
	require.NoError(t, err)
	return seq
}

func (e *testEngine) checkpoint(t *testing.T, eventName string) (uint64, bool) {
	t.Helper()
	seq, ok, err := e.checkpoints.GetLastSequence(context.Background(), eventName)
	require.NoError(t, err)
	return seq, ok
}

func (e *testEngine) saveCheckpoint(t *testing.T, eventName string, seq uint64) {
	t.Helper()
	require.NoError(t, e.checkpoints.SaveLastSequence(context.Background(), eventName, seq))
}

// recordingHandler records payloads and sequences and can fail on demand.
type recordingHandler[T any] struct {
	mu        sync.Mutex
	payloads  []T
	sequences []uint64
	fail      func(msg handlerpkg.MessageContext[T]) error
	notify    chan uint64
}

func newRecordingHandler[T any]() *recordingHandler[T] {
	return &recordingHandler[T]{notify: make(chan uint64, 128)}
}

func (h *recordingHandler[T]) Handle(_ context.Context, msg handlerpkg.MessageContext[T]) error {
	h.mu.Lock()
	fail := h.fail
	h.mu.Unlock()
	if fail != nil {
		if err := fail(msg); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.payloads = append(h.payloads, msg.Payload)
	h.sequences = append(h.sequences, msg.Sequence)
	h.mu.Unlock()

	select {
	case h.notify <- msg.Sequence:
	default:
	}
	return nil
}

func (h *recordingHandler[T]) Sequences() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.sequences...)
}

func (h *recordingHandler[T]) Payloads() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]T(nil), h.payloads...)
}

func (h *recordingHandler[T]) waitFor(t *testing.T, seq uint64) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-h.notify:
			if got >= seq {
				return
			}
		case <-timeout:
			t.Fatalf("handler did not reach sequence %d, saw %v", seq, h.Sequences())
		}
	}
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		ClientName:           testSender,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
		CloseTimeout:         2 * time.Second,
	}
}

func buildRegistry(t *testing.T, register func(b *RegistryBuilder)) *Registry {
	t.Helper()
	b := NewRegistryBuilder(nil)
	register(b)
	registry, err := b.Build()
	require.NoError(t, err)
	return registry
}

func newTestService(t *testing.T, conf *configpkg.Config, registry *Registry, engine *testEngine) *Service {
	t.Helper()
	svc, err := NewService(conf, newTestLogger(), registry, ServiceDependencies{
		Engine:            engine.engine(),
		MetricsRegisterer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// runService starts svc in the background and returns a stop function that
// cancels it and returns the result of Start.
func runService(t *testing.T, svc *Service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-errCh:
			case <-time.After(10 * time.Second):
				t.Fatal("service did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

// newEventMessage builds the router message of an event at seq.
func newEventMessage(t *testing.T, eventName string, seq uint64, payload any) *message.Message {
	t.Helper()
	md := metadatapkg.New(testSender, eventName, time.Now())
	rawMetadata, data, err := envelopepkg.Encode(md, payload)
	require.NoError(t, err)
	return envelopepkg.ToMessage(store.RecordedEvent{
		Stream:   eventName,
		Sequence: seq,
		Data:     data,
		Metadata: rawMetadata,
		Recorded: time.Now(),
	})
}

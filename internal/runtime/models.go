package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	"github.com/drblury/streamflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
	"github.com/drblury/streamflow/store"
)

// HandlerStats aggregates processing statistics of one registered handler.
type HandlerStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	Redeliveries        uint64    `json:"redeliveries"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	LastSequence        uint64    `json:"last_sequence"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// HandlerInfo describes a registered handler for the web UI.
type HandlerInfo struct {
	EventName   string        `json:"event_name"`
	HandlerType string        `json:"handler_type"`
	MessageType string        `json:"message_type"`
	Stats       *HandlerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Store      uint64 `json:"store"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

// BacklogMetrics tracks in-flight work and how far behind the handler runs.
// EstimatedLagMillis is the time between the store recording the last event
// and the handler picking it up, or -1 when unknown.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryStore      ErrorCategory = "store"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors for HandlerStats.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats() *HandlerStats {
	return &HandlerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog: BacklogMetrics{
			EstimatedLagMillis: -1,
		},
	}
}

type handlerInvocationContext struct {
	sequence  uint64
	lagMillis int64
}

func (h *HandlerStats) onMessageStart(msg *message.Message) handlerInvocationContext {
	invocation := handlerInvocationContext{lagMillis: recordedLag(msg)}
	if pos, err := envelopepkg.PositionOf(msg); err == nil {
		invocation.sequence = pos.Sequence
	}
	redelivered := envelopepkg.AttemptOf(msg) > 1

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight++
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}
	if redelivered {
		h.Redeliveries++
	}

	return invocation
}

func (h *HandlerStats) onMessageFinish(ctx handlerInvocationContext, duration time.Duration, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if ctx.lagMillis >= 0 {
		h.Backlog.EstimatedLagMillis = ctx.lagMillis
	}

	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	} else if ctx.sequence > h.LastSequence {
		h.LastSequence = ctx.sequence
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = time.Now().UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		snapshot := h.latencyWindow.Snapshot()
		snapshot.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)
		h.Latency = snapshot
	}

	if h.throughputWindow != nil {
		snapshot := h.throughputWindow.AddAndSnapshot(time.Now())
		h.Throughput.CurrentRPS = snapshot.CurrentRPS
		h.Throughput.WindowSeconds = snapshot.WindowSeconds
		h.Throughput.MessagesInWindow = uint64(snapshot.Count)
	}
	h.Throughput.TotalMessages = h.MessagesProcessed

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.Errors.Record(classifier(err), err)
}

// recordedLag returns how long ago the store recorded the event, in
// milliseconds, or -1 when the message carries no timestamp.
func recordedLag(msg *message.Message) int64 {
	if msg == nil {
		return -1
	}
	raw := msg.Metadata.Get(metadatapkg.HeaderRecorded)
	if raw == "" {
		return -1
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return -1
	}
	return max(time.Since(ts).Milliseconds(), 0)
}

// HandlerStatsSnapshot is a copy of HandlerStats taken under its lock.
type HandlerStatsSnapshot struct {
	MessagesProcessed   uint64            `json:"messages_processed"`
	MessagesFailed      uint64            `json:"messages_failed"`
	Redeliveries        uint64            `json:"redeliveries"`
	TotalProcessingTime int64             `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	LastSequence        uint64            `json:"last_sequence"`
	Latency             LatencyMetrics    `json:"latency"`
	Throughput          ThroughputMetrics `json:"throughput"`
	Errors              ErrorBreakdown    `json:"errors"`
	Backlog             BacklogMetrics    `json:"backlog"`
}

// Snapshot copies the current statistics.
func (h *HandlerStats) Snapshot() HandlerStatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandlerStatsSnapshot{
		MessagesProcessed:   h.MessagesProcessed,
		MessagesFailed:      h.MessagesFailed,
		Redeliveries:        h.Redeliveries,
		TotalProcessingTime: h.TotalProcessingTime,
		LastProcessedAt:     h.LastProcessedAt,
		LastSequence:        h.LastSequence,
		Latency:             h.Latency,
		Throughput:          h.Throughput,
		Errors:              h.Errors,
		Backlog:             h.Backlog,
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(h.Snapshot())
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryStore:
		e.Store++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errspkg.IsUnprocessable(err):
		return ErrorCategoryValidation
	case errors.Is(err, store.ErrClosed), errors.Is(err, errCheckpoint):
		return ErrorCategoryStore
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}

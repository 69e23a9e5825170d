package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Rejection reasons reported for events that never reach a handler.
const (
	RejectCorrupt     = "corrupt"
	RejectUnknown     = "unknown"
	RejectUndecodable = "undecodable"
)

var subscriptionStates = []SubscriptionState{StateInitializing, StateCatchingUp, StateLive, StateDropped}

// Metrics tracks per event name counters for subscriptions and dispatch.
// A nil *Metrics records nothing.
type Metrics struct {
	mu sync.RWMutex

	streams map[string]*StreamMetrics

	receivedTotal   *prometheus.CounterVec
	handledTotal    *prometheus.CounterVec
	rejectedTotal   *prometheus.CounterVec
	skippedTotal    *prometheus.CounterVec
	deadLetterTotal *prometheus.CounterVec
	dropsTotal      *prometheus.CounterVec
	checkpoint      *prometheus.GaugeVec
	state           *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// StreamMetrics holds the counters of one event name.
type StreamMetrics struct {
	Received      uint64            `json:"received"`
	Handled       uint64            `json:"handled"`
	Failed        uint64            `json:"failed"`
	Rejected      uint64            `json:"rejected"`
	Skipped       uint64            `json:"skipped"`
	DeadLettered  uint64            `json:"dead_lettered"`
	Drops         uint64            `json:"drops"`
	Checkpoint    uint64            `json:"checkpoint"`
	State         SubscriptionState `json:"state,omitempty"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
}

// MetricsSnapshot is a point-in-time copy of all stream metrics.
type MetricsSnapshot struct {
	TotalReceived     uint64                   `json:"total_received"`
	TotalDeadLettered uint64                   `json:"total_dead_lettered"`
	TotalDrops        uint64                   `json:"total_drops"`
	Streams           map[string]StreamMetrics `json:"streams"`
	CollectedAt       time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamflow",
			Subsystem: "subscription",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streamflow",
			Subsystem: "subscription",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. They are exported once Register is called.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		streams:         make(map[string]*StreamMetrics),
		registerer:      registerer,
		receivedTotal:   newCounterVec("events_received_total", "Events handed to the dispatcher", "event_name"),
		handledTotal:    newCounterVec("events_handled_total", "Handler invocations by outcome", "event_name", "outcome"),
		rejectedTotal:   newCounterVec("events_rejected_total", "Events dropped before reaching a handler", "event_name", "reason"),
		skippedTotal:    newCounterVec("events_skipped_total", "Failed events acknowledged without advancing the checkpoint", "event_name"),
		deadLetterTotal: newCounterVec("dead_letters_total", "Events appended to a dead-letter stream", "event_name"),
		dropsTotal:      newCounterVec("drops_total", "Subscriptions ended by the store", "event_name"),
		checkpoint:      newGaugeVec("checkpoint_sequence", "Last checkpointed sequence", "event_name"),
		state:           newGaugeVec("state", "Current subscription state, 1 for the active state", "event_name", "state"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.receivedTotal,
		m.handledTotal,
		m.rejectedTotal,
		m.skippedTotal,
		m.deadLetterTotal,
		m.dropsTotal,
		m.checkpoint,
		m.state,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) update(eventName string, fn func(*StreamMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, ok := m.streams[eventName]
	if !ok {
		sm = &StreamMetrics{}
		m.streams[eventName] = sm
	}
	fn(sm)
	sm.LastUpdatedAt = time.Now()
}

// RecordReceived counts an event handed to the dispatcher.
func (m *Metrics) RecordReceived(eventName string) {
	if m == nil {
		return
	}
	m.update(eventName, func(sm *StreamMetrics) { sm.Received++ })
	m.receivedTotal.WithLabelValues(eventName).Inc()
}

// RecordHandled counts a handler invocation.
func (m *Metrics) RecordHandled(eventName string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.update(eventName, func(sm *StreamMetrics) {
		if err != nil {
			sm.Failed++
		} else {
			sm.Handled++
		}
	})
	m.handledTotal.WithLabelValues(eventName, outcome).Inc()
}

// RecordRejected counts an event dropped before dispatch.
func (m *Metrics) RecordRejected(eventName, reason string) {
	if m == nil {
		return
	}
	m.update(eventName, func(sm *StreamMetrics) { sm.Rejected++ })
	m.rejectedTotal.WithLabelValues(eventName, reason).Inc()
}

// RecordSkipped counts a failed event acknowledged by the failure policy.
func (m *Metrics) RecordSkipped(eventName string) {
	if m == nil {
		return
	}
	m.update(eventName, func(sm *StreamMetrics) { sm.Skipped++ })
	m.skippedTotal.WithLabelValues(eventName).Inc()
}

// RecordDeadLetter counts an event moved to its dead-letter stream.
func (m *Metrics) RecordDeadLetter(eventName string) {
	if m == nil {
		return
	}
	m.update(eventName, func(sm *StreamMetrics) { sm.DeadLettered++ })
	m.deadLetterTotal.WithLabelValues(eventName).Inc()
}

// RecordDrop counts a subscription ended by the store.
func (m *Metrics) RecordDrop(eventName string) {
	if m == nil {
		return
	}
	m.update(eventName, func(sm *StreamMetrics) { sm.Drops++ })
	m.dropsTotal.WithLabelValues(eventName).Inc()
}

// SetCheckpoint records the last checkpointed sequence.
func (m *Metrics) SetCheckpoint(eventName string, sequence uint64) {
	if m == nil {
		return
	}
	m.update(eventName, func(sm *StreamMetrics) { sm.Checkpoint = sequence })
	m.checkpoint.WithLabelValues(eventName).Set(float64(sequence))
}

// SetState records the current subscription state.
func (m *Metrics) SetState(eventName string, state SubscriptionState) {
	if m == nil {
		return
	}
	m.update(eventName, func(sm *StreamMetrics) { sm.State = state })
	for _, s := range subscriptionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.state.WithLabelValues(eventName, string(s)).Set(value)
	}
}

// Snapshot returns a copy of all stream metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Streams:     make(map[string]StreamMetrics),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, sm := range m.streams {
		snapshot.Streams[name] = *sm
		snapshot.TotalReceived += sm.Received
		snapshot.TotalDeadLettered += sm.DeadLettered
		snapshot.TotalDrops += sm.Drops
	}
	return snapshot
}

// Stream returns the metrics of one event name.
func (m *Metrics) Stream(eventName string) (StreamMetrics, bool) {
	if m == nil {
		return StreamMetrics{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	sm, ok := m.streams[eventName]
	if !ok {
		return StreamMetrics{}, false
	}
	return *sm, true
}

// Reset clears all metrics (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.streams = make(map[string]*StreamMetrics)
	m.receivedTotal.Reset()
	m.handledTotal.Reset()
	m.rejectedTotal.Reset()
	m.skippedTotal.Reset()
	m.deadLetterTotal.Reset()
	m.dropsTotal.Reset()
	m.checkpoint.Reset()
	m.state.Reset()
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	envelopepkg "github.com/drblury/streamflow/internal/runtime/envelope"
	errspkg "github.com/drblury/streamflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	"github.com/drblury/streamflow/store"
)

// SubscriptionState is the lifecycle state of a catch-up subscription.
type SubscriptionState string

const (
	StateInitializing SubscriptionState = "initializing"
	StateCatchingUp   SubscriptionState = "catching_up"
	StateLive         SubscriptionState = "live"
	StateDropped      SubscriptionState = "dropped"
)

const defaultStateBuffer = 64

var errManagerClosed = errors.New("streamflow: subscription manager is closed")

// StateChange is published on every subscription state transition.
type StateChange struct {
	EventName string
	From      SubscriptionState
	To        SubscriptionState
	Err       error
	At        time.Time
}

// SubscriptionInfo is a snapshot of one subscription.
type SubscriptionInfo struct {
	EventName             string            `json:"event_name"`
	State                 SubscriptionState `json:"state"`
	IsLive                bool              `json:"is_live"`
	LastProcessedSequence uint64            `json:"last_processed_sequence"`
	HasCheckpoint         bool              `json:"has_checkpoint"`
	Checkpoint            uint64            `json:"checkpoint"`
	Resubscribes          int               `json:"resubscribes"`
	LastError             string            `json:"last_error,omitempty"`
	Since                 time.Time         `json:"since"`
}

// ResubscribePolicy decides whether a dropped subscription is opened again.
// Consecutive attempts back off exponentially; the backoff resets once the
// new subscription reaches Live.
type ResubscribePolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxAttempts bounds consecutive attempts. Zero means unlimited.
	MaxAttempts int
}

// RedeliveryPolicy spaces out redeliveries of a nacked event.
type RedeliveryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func newExponentialBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if initial > 0 {
		bo.InitialInterval = initial
	}
	if maxInterval > 0 {
		bo.MaxInterval = maxInterval
	}
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}
	bo.Reset()
	return bo
}

// SubscriptionManagerConfig tunes a SubscriptionManager.
type SubscriptionManagerConfig struct {
	Resubscribe ResubscribePolicy
	Redelivery  RedeliveryPolicy
	// StateBuffer is the capacity of the StateChanges channel.
	StateBuffer int
	Metrics     *Metrics
	// OnStateChange is called synchronously on every transition.
	OnStateChange func(StateChange)
	// OnTerminated is called when a dropped subscription will not be reopened.
	OnTerminated func(eventName string, err error)
}

// SubscriptionManager opens one catch-up subscription per event name and
// feeds its events to the router one at a time. It implements
// message.Subscriber, with the topic being the event name.
type SubscriptionManager struct {
	store       store.Store
	checkpoints store.CheckpointStore
	config      SubscriptionManagerConfig
	logger      loggingpkg.ServiceLogger
	now         func() time.Time

	mu     sync.RWMutex
	active map[string]*subscription
	closed bool

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	changes chan StateChange
}

// NewSubscriptionManager creates a manager reading from st and resuming from
// the checkpoints in cp.
func NewSubscriptionManager(st store.Store, cp store.CheckpointStore, cfg SubscriptionManagerConfig, logger loggingpkg.ServiceLogger) (*SubscriptionManager, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if cp == nil {
		return nil, errspkg.ErrCheckpointStoreRequired
	}
	if logger == nil {
		logger = loggingpkg.NewDiscardServiceLogger()
	}
	if cfg.StateBuffer <= 0 {
		cfg.StateBuffer = defaultStateBuffer
	}

	return &SubscriptionManager{
		store:       st,
		checkpoints: cp,
		config:      cfg,
		logger:      logger,
		now:         time.Now,
		active:      make(map[string]*subscription),
		closing:     make(chan struct{}),
		changes:     make(chan StateChange, cfg.StateBuffer),
	}, nil
}

type subscription struct {
	mu sync.Mutex

	name          string
	state         SubscriptionState
	positioned    bool
	position      uint64
	checkpoint    uint64
	hasCheckpoint bool
	resubscribes  int
	lastErr       error
	since         time.Time
}

func (s *subscription) info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SubscriptionInfo{
		EventName:             s.name,
		State:                 s.state,
		IsLive:                s.state == StateLive,
		LastProcessedSequence: s.position,
		HasCheckpoint:         s.hasCheckpoint,
		Checkpoint:            s.checkpoint,
		Resubscribes:          s.resubscribes,
		Since:                 s.since,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

func (s *subscription) currentPosition() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *subscription) advance(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.position {
		s.position = seq
	}
}

// Subscribe starts the catch-up subscription for eventName. The returned
// channel is closed when ctx is done, the manager is closed, or the
// subscription dropped and will not be reopened.
func (m *SubscriptionManager) Subscribe(ctx context.Context, eventName string) (<-chan *message.Message, error) {
	name := strings.TrimSpace(eventName)
	if name == "" {
		return nil, errspkg.ErrEventNameRequired
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed
	}
	if _, ok := m.active[name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errspkg.ErrSubscriptionActive, name)
	}
	sub := &subscription{name: name}
	m.active[name] = sub
	m.wg.Add(1)
	m.mu.Unlock()

	out := make(chan *message.Message)
	m.transition(sub, StateInitializing, nil)
	go m.run(ctx, sub, out)

	return out, nil
}

func (m *SubscriptionManager) run(ctx context.Context, sub *subscription, out chan *message.Message) {
	defer m.wg.Done()
	defer close(out)
	defer m.remove(sub)

	policy := m.config.Resubscribe
	bo := newExponentialBackOff(policy.InitialInterval, policy.MaxInterval)
	failures := 0

	for {
		err := m.consume(ctx, sub, out, func() {
			bo.Reset()
			failures = 0
		})
		if err == nil {
			return
		}

		m.config.Metrics.RecordDrop(sub.name)
		m.transition(sub, StateDropped, err)

		if !policy.Enabled {
			m.logger.Error("Subscription dropped", err, loggingpkg.LogFields{loggingpkg.FieldEventName: sub.name})
			m.terminated(sub.name, err)
			return
		}
		failures++
		if policy.MaxAttempts > 0 && failures > policy.MaxAttempts {
			m.logger.Error("Subscription dropped, giving up", err, loggingpkg.LogFields{
				loggingpkg.FieldEventName: sub.name,
				"attempts":                failures - 1,
			})
			m.terminated(sub.name, err)
			return
		}

		wait := bo.NextBackOff()
		m.logger.Info("Subscription dropped, resubscribing", loggingpkg.LogFields{
			loggingpkg.FieldEventName: sub.name,
			"attempt":                 failures,
			"wait":                    wait.String(),
			"error":                   err.Error(),
		})
		if !m.sleep(ctx, wait) {
			return
		}

		// A new subscription resumes from the stored checkpoint, as after a
		// restart, so acked events that were never checkpointed are replayed.
		sub.mu.Lock()
		sub.resubscribes++
		sub.positioned = false
		sub.mu.Unlock()
		m.transition(sub, StateInitializing, nil)
	}
}

// consume runs one store subscription until it ends. It returns nil when the
// caller stopped it and the drop reason otherwise.
func (m *SubscriptionManager) consume(ctx context.Context, sub *subscription, out chan<- *message.Message, onLive func()) error {
	if !sub.positioned {
		seq, ok, err := m.checkpoints.GetLastSequence(ctx, sub.name)
		if err != nil {
			if m.stopping(ctx) {
				return nil
			}
			return fmt.Errorf("read checkpoint: %w", err)
		}
		sub.mu.Lock()
		sub.positioned = true
		sub.position = seq
		sub.checkpoint = seq
		sub.hasCheckpoint = ok
		sub.mu.Unlock()
	}

	from := sub.currentPosition()
	stream, err := m.store.SubscribeFrom(ctx, sub.name, from)
	if err != nil {
		if m.stopping(ctx) {
			return nil
		}
		return fmt.Errorf("subscribe from %d: %w", from, err)
	}
	defer stream.Close()

	m.transition(sub, StateCatchingUp, nil)

	live := stream.Live()
	markLive := func() {
		live = nil
		m.transition(sub, StateLive, nil)
		onLive()
	}

	for {
		// The live signal wins over a pending event so the transition is
		// observed before the first event appended after subscribing.
		select {
		case <-live:
			markLive()
			continue
		default:
		}

		select {
		case <-live:
			markLive()
		case ev, ok := <-stream.Events():
			if !ok {
				if m.stopping(ctx) {
					return nil
				}
				if err := stream.Err(); err != nil {
					return err
				}
				return errspkg.ErrSubscriptionDropped
			}
			if live != nil {
				select {
				case <-live:
					markLive()
				default:
				}
			}
			if ev.Sequence <= sub.currentPosition() {
				m.logger.Debug("Skipping already processed event", loggingpkg.EventFields(sub.name, ev.Sequence))
				continue
			}
			if err := m.deliver(ctx, sub, ev, out); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		case <-m.closing:
			return nil
		}
	}
}

// deliver hands the event to the router and waits for its ack. A nack
// redelivers the same event after a backoff. It only fails when stopping.
func (m *SubscriptionManager) deliver(ctx context.Context, sub *subscription, ev store.RecordedEvent, out chan<- *message.Message) error {
	bo := newExponentialBackOff(m.config.Redelivery.InitialInterval, m.config.Redelivery.MaxInterval)

	for attempt := 1; ; attempt++ {
		msg := envelopepkg.ToMessage(ev)
		envelopepkg.SetAttempt(msg, attempt)
		msgCtx, cancel := context.WithCancel(ctx)
		msg.SetContext(msgCtx)

		select {
		case out <- msg:
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-m.closing:
			cancel()
			return errManagerClosed
		}

		select {
		case <-msg.Acked():
			cancel()
			sub.advance(ev.Sequence)
			return nil
		case <-msg.Nacked():
			cancel()
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		case <-m.closing:
			cancel()
			return errManagerClosed
		}

		wait := bo.NextBackOff()
		m.logger.Debug("Event nacked, redelivering", loggingpkg.EventFields(sub.name, ev.Sequence).Merge(loggingpkg.LogFields{
			"attempt": attempt,
			"wait":    wait.String(),
		}))
		if !m.sleep(ctx, wait) {
			return errManagerClosed
		}
	}
}

func (m *SubscriptionManager) transition(sub *subscription, to SubscriptionState, err error) {
	now := m.now()

	sub.mu.Lock()
	from := sub.state
	sub.state = to
	sub.since = now
	if err != nil {
		sub.lastErr = err
	}
	sub.mu.Unlock()

	change := StateChange{EventName: sub.name, From: from, To: to, Err: err, At: now}

	m.config.Metrics.SetState(sub.name, to)
	m.logger.Info("Subscription state changed", loggingpkg.LogFields{
		loggingpkg.FieldEventName: sub.name,
		loggingpkg.FieldState:     string(to),
		"from":                    string(from),
	})
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(change)
	}

	select {
	case m.changes <- change:
	default:
	}
}

func (m *SubscriptionManager) terminated(eventName string, err error) {
	if m.config.OnTerminated != nil {
		m.config.OnTerminated(eventName, err)
	}
}

func (m *SubscriptionManager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.closing:
		return false
	}
}

func (m *SubscriptionManager) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-m.closing:
		return true
	default:
		return false
	}
}

func (m *SubscriptionManager) remove(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[sub.name] == sub {
		delete(m.active, sub.name)
	}
}

// RecordCheckpoint updates the snapshot of an active subscription after its
// checkpoint was persisted.
func (m *SubscriptionManager) RecordCheckpoint(eventName string, sequence uint64) {
	m.mu.RLock()
	sub, ok := m.active[eventName]
	m.mu.RUnlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.hasCheckpoint || sequence > sub.checkpoint {
		sub.checkpoint = sequence
		sub.hasCheckpoint = true
	}
}

// Subscriptions returns a snapshot of every active subscription sorted by
// event name.
func (m *SubscriptionManager) Subscriptions() []SubscriptionInfo {
	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.active))
	for _, sub := range m.active {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, sub.info())
	}
	slices.SortFunc(infos, func(a, b SubscriptionInfo) int {
		return strings.Compare(a.EventName, b.EventName)
	})
	return infos
}

// Subscription returns the snapshot of one active subscription.
func (m *SubscriptionManager) Subscription(eventName string) (SubscriptionInfo, bool) {
	m.mu.RLock()
	sub, ok := m.active[eventName]
	m.mu.RUnlock()
	if !ok {
		return SubscriptionInfo{}, false
	}
	return sub.info(), true
}

// StateChanges returns the channel of state transitions. Transitions are
// dropped while the channel is full. It is closed by Close.
func (m *SubscriptionManager) StateChanges() <-chan StateChange {
	return m.changes
}

// Close stops every subscription and waits for them to end. It is safe to
// call more than once.
func (m *SubscriptionManager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.closing)
		m.mu.Unlock()

		m.wg.Wait()
		close(m.changes)
	})
	return nil
}

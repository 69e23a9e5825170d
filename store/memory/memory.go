// Package memory provides an in-process storage engine for streamflow.
// Events and checkpoints live only as long as the process, which makes the
// engine a fit for tests, examples and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/streamflow/store"
)

// EngineName is the name used to register this engine.
const EngineName = "memory"

func init() {
	store.RegisterWithCapabilities(EngineName, Build, store.MemoryCapabilities)
}

// Build creates a new in-memory engine. The config is not consulted.
func Build(ctx context.Context, cfg store.Config, logger watermill.LoggerAdapter) (store.Engine, error) {
	return store.Engine{
		Store:       New(),
		Checkpoints: NewCheckpoints(),
	}, nil
}

// Capabilities returns the capabilities of this engine.
func Capabilities() store.Capabilities {
	return store.MemoryCapabilities
}

// Store keeps every stream as a slice of recorded events. Sequences start at 1
// and are contiguous within a stream.
type Store struct {
	mu      sync.RWMutex
	streams map[string][]store.RecordedEvent
	// notify holds one channel per stream that is closed and replaced on every
	// append, waking up subscriptions waiting for live events.
	notify map[string]chan struct{}
	subs   map[*subscription]struct{}

	closed     bool
	closedChan chan struct{}

	now func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		streams:    make(map[string][]store.RecordedEvent),
		notify:     make(map[string]chan struct{}),
		subs:       make(map[*subscription]struct{}),
		closedChan: make(chan struct{}),
		now:        time.Now,
	}
}

// Append adds an event to the stream and wakes up its subscriptions.
func (s *Store) Append(ctx context.Context, stream string, data, metadata []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if stream == "" {
		return 0, store.ErrStreamRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, store.ErrClosed
	}

	events := s.streams[stream]
	seq := uint64(len(events)) + 1
	s.streams[stream] = append(events, store.RecordedEvent{
		Stream:   stream,
		Sequence: seq,
		Data:     append([]byte(nil), data...),
		Metadata: append([]byte(nil), metadata...),
		Recorded: s.now().UTC(),
	})

	if ch, ok := s.notify[stream]; ok {
		close(ch)
	}
	s.notify[stream] = make(chan struct{})

	return seq, nil
}

// Head returns the last sequence of the stream, 0 when the stream is empty.
func (s *Store) Head(ctx context.Context, stream string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[stream])), nil
}

// Events returns a copy of every event recorded on the stream.
func (s *Store) Events(stream string) []store.RecordedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.streams[stream]
	clone := make([]store.RecordedEvent, len(events))
	copy(clone, events)
	return clone
}

// SubscribeFrom replays every event after the given sequence and then follows
// the stream.
func (s *Store) SubscribeFrom(ctx context.Context, stream string, after uint64) (store.Subscription, error) {
	if stream == "" {
		return nil, store.ErrStreamRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	sub := &subscription{
		owner:  s,
		stream: stream,
		liveAt: uint64(len(s.streams[stream])),
		events: make(chan store.RecordedEvent),
		live:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.subs[sub] = struct{}{}

	go sub.run(ctx, after)

	return sub, nil
}

// DropSubscriptions terminates every active subscription on the stream with
// the given reason, as a server-side drop would. It returns how many
// subscriptions were dropped.
func (s *Store) DropSubscriptions(stream string, reason error) int {
	s.mu.Lock()
	var targets []*subscription
	for sub := range s.subs {
		if sub.stream == stream {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.terminate(reason)
	}
	return len(targets)
}

// Close stops every subscription. Further appends fail with store.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedChan)
	s.mu.Unlock()
	return nil
}

// next returns the event at the given index together with the channel that is
// closed on the next append to the stream.
func (s *Store) next(stream string, index uint64) (store.RecordedEvent, bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.streams[stream]
	if index < uint64(len(events)) {
		return events[index], true, nil
	}
	wait, ok := s.notify[stream]
	if !ok {
		wait = make(chan struct{})
		s.notify[stream] = wait
	}
	return store.RecordedEvent{}, false, wait
}

func (s *Store) forget(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

type subscription struct {
	owner  *Store
	stream string
	liveAt uint64

	events chan store.RecordedEvent
	live   chan struct{}

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

func (s *subscription) Events() <-chan store.RecordedEvent { return s.events }
func (s *subscription) Live() <-chan struct{}              { return s.live }

func (s *subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.terminate(nil)
	return nil
}

func (s *subscription) terminate(reason error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = reason
		s.errMu.Unlock()
		close(s.done)
	})
}

func (s *subscription) run(ctx context.Context, after uint64) {
	defer close(s.events)
	defer s.owner.forget(s)

	index := after
	liveSignalled := false

	for {
		if !liveSignalled && index >= s.liveAt {
			close(s.live)
			liveSignalled = true
		}

		event, ok, wait := s.owner.next(s.stream, index)
		if ok {
			select {
			case s.events <- event:
				index++
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-s.owner.closedChan:
				s.terminate(store.ErrClosed)
				return
			}
			continue
		}

		select {
		case <-wait:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.owner.closedChan:
			s.terminate(store.ErrClosed)
			return
		}
	}
}

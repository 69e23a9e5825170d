// Package polling implements catch-up subscriptions for engines that can only
// be read by querying, such as the SQL engines.
package polling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/streamflow/store"
)

const (
	// DefaultInterval is the default delay between polls once the stream is drained.
	DefaultInterval = 100 * time.Millisecond
	// DefaultBatchSize is the default number of events read per query.
	DefaultBatchSize = 500
	// DefaultMaxFailures is the number of consecutive failed reads after which
	// the subscription is dropped.
	DefaultMaxFailures = 3
)

// FetchFunc reads up to limit events of the stream with a sequence greater than after.
type FetchFunc func(ctx context.Context, stream string, after uint64, limit int) ([]store.RecordedEvent, error)

// HeadFunc returns the last sequence of the stream, 0 when it is empty.
type HeadFunc func(ctx context.Context, stream string) (uint64, error)

// Config tunes a polling subscription.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxFailures int
	Logger      watermill.LoggerAdapter
	// Closed, when closed, drops the subscription with store.ErrClosed.
	Closed <-chan struct{}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.Logger == nil {
		c.Logger = watermill.NopLogger{}
	}
	return c
}

// Subscribe opens a subscription delivering every event after the given
// sequence. The head of the stream is read once to know where catch-up ends.
func Subscribe(ctx context.Context, cfg Config, stream string, after uint64, fetch FetchFunc, head HeadFunc) (store.Subscription, error) {
	if stream == "" {
		return nil, store.ErrStreamRequired
	}
	cfg = cfg.withDefaults()

	liveAt, err := head(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("read stream head: %w", err)
	}

	sub := &subscription{
		cfg:    cfg,
		stream: stream,
		liveAt: liveAt,
		fetch:  fetch,
		events: make(chan store.RecordedEvent),
		live:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger.With(watermill.LogFields{"stream": stream}),
	}
	go sub.run(ctx, after)
	return sub, nil
}

type subscription struct {
	cfg    Config
	stream string
	liveAt uint64
	fetch  FetchFunc
	logger watermill.LoggerAdapter

	events       chan store.RecordedEvent
	live         chan struct{}
	liveSignaled bool

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

func (s *subscription) signalLive() {
	if !s.liveSignaled {
		close(s.live)
		s.liveSignaled = true
	}
}

func (s *subscription) run(ctx context.Context, after uint64) {
	defer close(s.events)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	last := after
	failures := 0

	for {
		if last >= s.liveAt {
			s.signalLive()
		}

		batch, err := s.fetch(ctx, s.stream, last, s.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.logger.Error("Failed to read stream", err, watermill.LogFields{"after": last, "failures": failures})
			if failures >= s.cfg.MaxFailures {
				s.terminate(fmt.Errorf("read stream %s: %w", s.stream, err))
				return
			}
		} else {
			failures = 0
		}

		for _, event := range batch {
			if event.Sequence <= last {
				continue
			}
			if event.Sequence > s.liveAt {
				s.signalLive()
			}
			select {
			case s.events <- event:
				last = event.Sequence
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-s.cfg.Closed:
				s.terminate(store.ErrClosed)
				return
			}
		}

		if err == nil && len(batch) == s.cfg.BatchSize {
			continue
		}

		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.cfg.Closed:
			timer.Stop()
			s.terminate(store.ErrClosed)
			return
		}
	}
}

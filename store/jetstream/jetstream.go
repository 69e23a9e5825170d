// Package jetstream provides a NATS JetStream storage engine for streamflow.
//
// All streamflow streams share one JetStream stream. Each streamflow stream is
// a subject below it, so sequences are the JetStream stream sequences: they
// grow strictly within a streamflow stream but are not contiguous.
// Checkpoints are kept in a JetStream key-value bucket.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/streamflow/internal/runtime/ids"
	"github.com/drblury/streamflow/store"
)

// EngineName is the name used to register this engine.
const EngineName = "nats-jetstream"

const (
	// DefaultStreamName is the JetStream stream holding every streamflow stream.
	DefaultStreamName = "STREAMFLOW"
	// DefaultCheckpointBucket is the key-value bucket holding checkpoints.
	DefaultCheckpointBucket = "streamflow_checkpoints"
	// DefaultMaxResetAttempts bounds how often a subscription recreates its
	// consumer before it is reported as dropped.
	DefaultMaxResetAttempts = 5

	// HeaderMetadata carries the serialized event metadata.
	HeaderMetadata = "Streamflow-Metadata"
)

var errInvalidStream = errors.New("streamflow: stream name is not a valid subject")

func init() {
	store.RegisterWithCapabilities(EngineName, Build, store.JetStreamCapabilities)
}

// Build connects to NATS and opens the JetStream engine.
func Build(ctx context.Context, cfg store.Config, logger watermill.LoggerAdapter) (store.Engine, error) {
	config := Config{
		URL:              cfg.GetNATSURL(),
		User:             cfg.GetNATSUser(),
		Password:         cfg.GetNATSPassword(),
		MaxReconnects:    cfg.GetNATSMaxReconnects(),
		StreamName:       cfg.GetJetStreamStream(),
		CheckpointBucket: cfg.GetJetStreamCheckpointBucket(),
	}

	s, err := New(ctx, config, logger)
	if err != nil {
		return store.Engine{}, err
	}

	checkpoints, err := s.Checkpoints(ctx)
	if err != nil {
		s.Close()
		return store.Engine{}, err
	}

	return store.Engine{
		Store:       s,
		Checkpoints: checkpoints,
	}, nil
}

// Capabilities returns the capabilities of this engine.
func Capabilities() store.Capabilities {
	return store.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string
	// User and Password authenticate the connection when User is set.
	User     string
	Password string
	// MaxReconnects is passed to the NATS client. Negative means forever.
	MaxReconnects int

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to "STREAMFLOW".
	StreamName string
	// CheckpointBucket is the key-value bucket for checkpoints.
	CheckpointBucket string

	// MaxAge is how long events are retained. Zero keeps them forever.
	MaxAge time.Duration
	// Replicas is the number of stream replicas (for clustering).
	Replicas int
	// MaxResetAttempts bounds consumer recreation per subscription.
	MaxResetAttempts int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = nats.DefaultMaxReconnect
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.CheckpointBucket == "" {
		c.CheckpointBucket = DefaultCheckpointBucket
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxResetAttempts <= 0 {
		c.MaxResetAttempts = DefaultMaxResetAttempts
	}
	return c
}

// Store implements store.Store on top of a JetStream stream.
type Store struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config Config
	logger watermill.LoggerAdapter

	subs   map[*subscription]struct{}
	subsMu sync.Mutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New connects to NATS and makes sure the JetStream stream exists.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	opts := []nats.Option{
		nats.Name("streamflow"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS connection lost", err, nil)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection restored", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.StreamName + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   cfg.MaxAge,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return &Store{
		nc:         nc,
		js:         js,
		stream:     stream,
		config:     cfg,
		logger:     logger,
		subs:       make(map[*subscription]struct{}),
		closedChan: make(chan struct{}),
	}, nil
}

func (s *Store) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

func (s *Store) subject(stream string) (string, error) {
	if stream == "" {
		return "", store.ErrStreamRequired
	}
	if strings.ContainsAny(stream, " \t\r\n*>") || strings.HasPrefix(stream, ".") ||
		strings.HasSuffix(stream, ".") || strings.Contains(stream, "..") {
		return "", fmt.Errorf("%w: %q", errInvalidStream, stream)
	}
	return s.config.StreamName + "." + stream, nil
}

// Append publishes the event and waits for the JetStream acknowledgement.
func (s *Store) Append(ctx context.Context, stream string, data, metadata []byte) (uint64, error) {
	subject, err := s.subject(stream)
	if err != nil {
		return 0, err
	}
	if s.isClosed() {
		return 0, store.ErrClosed
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	if len(metadata) > 0 {
		msg.Header.Set(HeaderMetadata, string(metadata))
	}

	ack, err := s.js.PublishMsg(ctx, msg, jetstream.WithMsgID(ids.CreateULID()))
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", subject, err)
	}
	return ack.Sequence, nil
}

// Head returns the sequence of the last event on the stream, 0 when it is empty.
func (s *Store) Head(ctx context.Context, stream string) (uint64, error) {
	subject, err := s.subject(stream)
	if err != nil {
		return 0, err
	}
	last, err := s.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last event of %s: %w", subject, err)
	}
	return last.Sequence, nil
}

// SubscribeFrom opens an ordered consumer starting after the given sequence.
func (s *Store) SubscribeFrom(ctx context.Context, stream string, after uint64) (store.Subscription, error) {
	subject, err := s.subject(stream)
	if err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, store.ErrClosed
	}

	liveAt, err := s.Head(ctx, stream)
	if err != nil {
		return nil, err
	}

	consumerCfg := jetstream.OrderedConsumerConfig{
		FilterSubjects:   []string{subject},
		DeliverPolicy:    jetstream.DeliverAllPolicy,
		MaxResetAttempts: s.config.MaxResetAttempts,
	}
	if after > 0 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = after + 1
	}

	consumer, err := s.js.OrderedConsumer(ctx, s.config.StreamName, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", subject, err)
	}
	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("open consumer for %s: %w", subject, err)
	}

	sub := &subscription{
		owner:  s,
		stream: stream,
		liveAt: liveAt,
		iter:   iter,
		events: make(chan store.RecordedEvent),
		live:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	go sub.run(ctx, after)
	return sub, nil
}

// Checkpoints opens (or creates) the checkpoint bucket.
func (s *Store) Checkpoints(ctx context.Context) (*Checkpoints, error) {
	kv, err := s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      s.config.CheckpointBucket,
		Description: "streamflow checkpoints",
		History:     1,
		Replicas:    s.config.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure checkpoint bucket: %w", err)
	}
	return &Checkpoints{kv: kv}, nil
}

func (s *Store) forget(sub *subscription) {
	s.subsMu.Lock()
	delete(s.subs, sub)
	s.subsMu.Unlock()
}

// Close stops every subscription and drains the NATS connection.
func (s *Store) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedChan)
	s.closedMu.Unlock()

	s.subsMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.terminate(store.ErrClosed)
	}

	return s.nc.Drain()
}

type subscription struct {
	owner  *Store
	stream string
	liveAt uint64
	iter   jetstream.MessagesContext

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

// terminate records the reason and unblocks the iterator.
func (s *subscription) terminate(reason error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = reason
		s.errMu.Unlock()
		close(s.done)
		s.iter.Stop()
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
	defer s.owner.forget(s)

	stop := context.AfterFunc(ctx, func() { s.terminate(nil) })
	defer stop()

	last := after
	for {
		if last >= s.liveAt {
			s.signalLive()
		}

		msg, err := s.iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return
			}
			s.terminate(fmt.Errorf("consume %s: %w", s.stream, err))
			return
		}

		meta, err := msg.Metadata()
		if err != nil {
			s.terminate(fmt.Errorf("read metadata of %s: %w", s.stream, err))
			return
		}
		seq := meta.Sequence.Stream
		if seq <= last {
			continue
		}
		if seq > s.liveAt {
			s.signalLive()
		}

		event := store.RecordedEvent{
			Stream:   s.stream,
			Sequence: seq,
			Data:     msg.Data(),
			Recorded: meta.Timestamp.UTC(),
		}
		if headers := msg.Headers(); headers != nil {
			if raw := headers.Get(HeaderMetadata); raw != "" {
				event.Metadata = []byte(raw)
			}
		}

		select {
		case s.events <- event:
			last = seq
		case <-s.done:
			return
		}
	}
}

// Package sqlite provides a SQLite-based storage engine for streamflow.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/streamflow/internal/runtime/ids"
	"github.com/drblury/streamflow/store"
	"github.com/drblury/streamflow/store/internal/polling"
)

// EngineName is the name used to register this engine.
const EngineName = "sqlite"

const (
	// DefaultFilePath is the database file used when none is configured.
	DefaultFilePath = "streamflow.db"
	// DefaultPollInterval is the default interval for polling new events.
	DefaultPollInterval = polling.DefaultInterval
)

func init() {
	store.RegisterWithCapabilities(EngineName, Build, store.SQLiteCapabilities)
}

// Build opens a SQLite engine. The same database backs events and checkpoints.
func Build(ctx context.Context, cfg store.Config, logger watermill.LoggerAdapter) (store.Engine, error) {
	config := Config{
		FilePath:     cfg.GetSQLiteFile(),
		PollInterval: cfg.GetPollInterval(),
		BatchSize:    cfg.GetCatchUpBatchSize(),
	}

	s, err := New(config, logger)
	if err != nil {
		return store.Engine{}, err
	}

	return store.Engine{
		Store:       s,
		Checkpoints: s.Checkpoints(),
	}, nil
}

// Capabilities returns the capabilities of this engine.
func Capabilities() store.Capabilities {
	return store.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// PollInterval is the interval for polling new events once a
	// subscription caught up.
	PollInterval time.Duration
	// BatchSize is the number of events read per query during catch-up.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = polling.DefaultBatchSize
	}
	return c
}

// Store implements store.Store on top of a single SQLite database.
type Store struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New opens the database and creates the schema if needed.
func New(cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Appends read and bump the stream head inside one transaction, so all
	// writes go through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:         db,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS streamflow_streams (
			stream TEXT PRIMARY KEY,
			head INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS streamflow_events (
			stream TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			data BLOB,
			metadata BLOB,
			recorded_at TIMESTAMP NOT NULL,
			PRIMARY KEY (stream, seq)
		);

		CREATE TABLE IF NOT EXISTS streamflow_checkpoints (
			event_name TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Append writes the event and returns its sequence within the stream.
func (s *Store) Append(ctx context.Context, stream string, data, metadata []byte) (uint64, error) {
	if stream == "" {
		return 0, store.ErrStreamRequired
	}
	if s.isClosed() {
		return 0, store.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO streamflow_streams (stream, head) VALUES (?, 1)
		ON CONFLICT (stream) DO UPDATE SET head = head + 1
		RETURNING head
	`, stream).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advance stream head: %w", err)
	}

	recorded := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO streamflow_events (stream, seq, event_id, data, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, stream, seq, ids.NewEventID(recorded), data, metadata, recorded)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

// Head returns the last sequence of the stream, 0 when it is empty.
func (s *Store) Head(ctx context.Context, stream string) (uint64, error) {
	var head uint64
	err := s.db.QueryRowContext(ctx, `SELECT head FROM streamflow_streams WHERE stream = ?`, stream).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return head, err
}

func (s *Store) fetch(ctx context.Context, stream string, after uint64, limit int) ([]store.RecordedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, data, metadata, recorded_at
		FROM streamflow_events
		WHERE stream = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, stream, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.RecordedEvent
	for rows.Next() {
		event := store.RecordedEvent{Stream: stream}
		if err := rows.Scan(&event.Sequence, &event.Data, &event.Metadata, &event.Recorded); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// SubscribeFrom replays every event after the given sequence and then polls
// for new ones.
func (s *Store) SubscribeFrom(ctx context.Context, stream string, after uint64) (store.Subscription, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}
	return polling.Subscribe(ctx, polling.Config{
		Interval:  s.config.PollInterval,
		BatchSize: s.config.BatchSize,
		Logger:    s.logger,
		Closed:    s.closedChan,
	}, stream, after, s.fetch, s.Head)
}

// Checkpoints returns a checkpoint store backed by the same database.
func (s *Store) Checkpoints() *Checkpoints {
	return &Checkpoints{db: s.db}
}

// Close closes the database. Open subscriptions end with store.ErrClosed.
func (s *Store) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedChan)
	s.closedMu.Unlock()

	return s.db.Close()
}

// Checkpoints persists checkpoints in the streamflow_checkpoints table.
type Checkpoints struct {
	db *sql.DB
}

// GetLastSequence returns the checkpoint recorded for the event name.
func (c *Checkpoints) GetLastSequence(ctx context.Context, eventName string) (uint64, bool, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return 0, false, store.ErrEventNameRequired
	}

	var seq uint64
	err := c.db.QueryRowContext(ctx, `SELECT seq FROM streamflow_checkpoints WHERE event_name = ?`, eventName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint %s: %w", eventName, err)
	}
	return seq, true, nil
}

// SaveLastSequence records the checkpoint for the event name.
func (c *Checkpoints) SaveLastSequence(ctx context.Context, eventName string, sequence uint64) error {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return store.ErrEventNameRequired
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO streamflow_checkpoints (event_name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (event_name) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at
	`, eventName, sequence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", eventName, err)
	}
	return nil
}

// Package postgres provides a PostgreSQL-based storage engine for streamflow.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq"

	"github.com/drblury/streamflow/internal/runtime/ids"
	"github.com/drblury/streamflow/store"
	"github.com/drblury/streamflow/store/internal/polling"
)

// EngineName is the name used to register this engine.
const EngineName = "postgres"

const (
	// DefaultPollInterval is the default interval for polling new events.
	DefaultPollInterval = polling.DefaultInterval
	// DefaultSchemaName is the schema holding the streamflow tables.
	DefaultSchemaName = "streamflow"
)

func init() {
	store.RegisterWithCapabilities(EngineName, Build, store.PostgresCapabilities)
	store.RegisterWithCapabilities("postgresql", Build, store.PostgresCapabilities) // Alias
}

// Build opens a PostgreSQL engine. The same database backs events and checkpoints.
func Build(ctx context.Context, cfg store.Config, logger watermill.LoggerAdapter) (store.Engine, error) {
	config := Config{
		ConnectionString: cfg.GetPostgresURL(),
		PollInterval:     cfg.GetPollInterval(),
		BatchSize:        cfg.GetCatchUpBatchSize(),
	}

	s, err := New(ctx, config, logger)
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
	return store.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the interval for polling new events once a
	// subscription caught up.
	PollInterval time.Duration
	// BatchSize is the number of events read per query during catch-up.
	BatchSize int
	// SchemaName is the schema to use for tables. Defaults to "streamflow".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = polling.DefaultBatchSize
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Store implements store.Store on top of PostgreSQL.
type Store struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	// quoted table names
	streams     string
	events      string
	checkpoints string

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New connects to the database and creates the schema if needed.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}

	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	schema := pq.QuoteIdentifier(cfg.SchemaName)
	s := &Store{
		db:          db,
		config:      cfg,
		logger:      logger,
		streams:     schema + ".streams",
		events:      schema + ".events",
		checkpoints: schema + ".checkpoints",
		closedChan:  make(chan struct{}),
	}

	if err := s.initSchema(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context, schema string) error {
	if _, err := s.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		stream TEXT PRIMARY KEY,
		head BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %[2]s (
		stream TEXT NOT NULL,
		seq BIGINT NOT NULL,
		event_id TEXT NOT NULL UNIQUE,
		data BYTEA,
		metadata BYTEA,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (stream, seq)
	);

	CREATE TABLE IF NOT EXISTS %[3]s (
		event_name TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`, s.streams, s.events, s.checkpoints)

	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Append writes the event and returns its sequence within the stream. The
// stream head row serializes concurrent appends to the same stream.
func (s *Store) Append(ctx context.Context, stream string, data, metadata []byte) (uint64, error) {
	if stream == "" {
		return 0, store.ErrStreamRequired
	}
	if s.isClosed() {
		return 0, store.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	var seq uint64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (stream, head) VALUES ($1, 1)
		ON CONFLICT (stream) DO UPDATE SET head = %[1]s.head + 1
		RETURNING head
	`, s.streams), stream).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advance stream head: %w", err)
	}

	recorded := time.Now().UTC()
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream, seq, event_id, data, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.events), stream, int64(seq), ids.NewEventID(recorded), data, metadata, recorded)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return seq, nil
}

// Head returns the last sequence of the stream, 0 when it is empty.
func (s *Store) Head(ctx context.Context, stream string) (uint64, error) {
	var head uint64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT head FROM %s WHERE stream = $1`, s.streams), stream).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return head, err
}

func (s *Store) fetch(ctx context.Context, stream string, after uint64, limit int) ([]store.RecordedEvent, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT seq, data, metadata, recorded_at
		FROM %s
		WHERE stream = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, s.events), stream, int64(after), limit)
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
		event.Recorded = event.Recorded.UTC()
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
	return &Checkpoints{db: s.db, table: s.checkpoints}
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

// Checkpoints persists checkpoints in the checkpoints table.
type Checkpoints struct {
	db    *sql.DB
	table string
}

// GetLastSequence returns the checkpoint recorded for the event name.
func (c *Checkpoints) GetLastSequence(ctx context.Context, eventName string) (uint64, bool, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return 0, false, store.ErrEventNameRequired
	}

	var seq uint64
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT seq FROM %s WHERE event_name = $1`, c.table), eventName).Scan(&seq)
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

	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (event_name, seq, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (event_name) DO UPDATE SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at
	`, c.table), eventName, int64(sequence))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", eventName, err)
	}
	return nil
}

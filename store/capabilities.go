package store

// Capabilities describes the features supported by a storage engine.
// Use this to introspect what an engine offers at runtime.
type Capabilities struct {
	// Name is the human-readable name of the engine.
	Name string

	// Durable indicates appended events survive a process restart.
	Durable bool

	// ContiguousSequences indicates sequences within a stream have no gaps
	// (1, 2, 3, ...). Engines sharing one log across streams only guarantee
	// strictly increasing sequences.
	ContiguousSequences bool

	// PushDelivery indicates live events are pushed by the engine. When false
	// the engine polls for new events.
	PushDelivery bool

	// DurableCheckpoints indicates the paired checkpoint store is persistent.
	DurableCheckpoints bool

	// Deduplication indicates the engine drops duplicate appends carrying the
	// same event id.
	Deduplication bool

	// MaxEventSize is the maximum size of data plus metadata in bytes (0 = unlimited/unknown).
	MaxEventSize int64
}

// RequiresPolling returns true if live delivery depends on a poll interval.
func (c Capabilities) RequiresPolling() bool {
	return !c.PushDelivery
}

// SurvivesRestart returns true if both events and checkpoints are persistent,
// so a restarted process resumes where it stopped.
func (c Capabilities) SurvivesRestart() bool {
	return c.Durable && c.DurableCheckpoints
}

// Predefined capability sets for the built-in engines.
var (
	// MemoryCapabilities for the in-process engine.
	MemoryCapabilities = Capabilities{
		Name:                "memory",
		Durable:             false,
		ContiguousSequences: true,
		PushDelivery:        true,
		DurableCheckpoints:  false,
	}

	// JetStreamCapabilities for the NATS JetStream engine.
	JetStreamCapabilities = Capabilities{
		Name:                "nats-jetstream",
		Durable:             true,
		ContiguousSequences: false,
		PushDelivery:        true,
		DurableCheckpoints:  true,
		Deduplication:       true,
		MaxEventSize:        1048576, // Default 1MB
	}

	// SQLiteCapabilities for the SQLite engine.
	SQLiteCapabilities = Capabilities{
		Name:                "sqlite",
		Durable:             true,
		ContiguousSequences: true,
		PushDelivery:        false,
		DurableCheckpoints:  true,
	}

	// PostgresCapabilities for the PostgreSQL engine.
	PostgresCapabilities = Capabilities{
		Name:                "postgres",
		Durable:             true,
		ContiguousSequences: true,
		PushDelivery:        false,
		DurableCheckpoints:  true,
		MaxEventSize:        1073741824, // bytea limit 1GB
	}
)

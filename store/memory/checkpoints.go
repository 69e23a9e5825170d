package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/drblury/streamflow/store"
)

// Checkpoints stores checkpoints in memory.
type Checkpoints struct {
	mu        sync.Mutex
	sequences map[string]uint64
}

// NewCheckpoints creates an empty in-memory checkpoint store.
func NewCheckpoints() *Checkpoints {
	return &Checkpoints{sequences: make(map[string]uint64)}
}

// GetLastSequence returns the checkpoint recorded for the event name.
func (c *Checkpoints) GetLastSequence(ctx context.Context, eventName string) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return 0, false, store.ErrEventNameRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq, ok := c.sequences[eventName]
	return seq, ok, nil
}

// SaveLastSequence records the checkpoint for the event name.
func (c *Checkpoints) SaveLastSequence(ctx context.Context, eventName string, sequence uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return store.ErrEventNameRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequences[eventName] = sequence
	return nil
}

package jetstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/streamflow/store"
)

var validKey = regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)

// Checkpoints stores one key per event name in a JetStream key-value bucket.
type Checkpoints struct {
	kv jetstream.KeyValue
}

// checkpointKey maps an event name to a bucket key. Names that are not valid
// keys are base64url encoded behind a "b64." prefix.
func checkpointKey(eventName string) string {
	if validKey.MatchString(eventName) && !strings.HasPrefix(eventName, ".") &&
		!strings.HasSuffix(eventName, ".") && !strings.HasPrefix(eventName, "b64.") {
		return eventName
	}
	return "b64." + base64.RawURLEncoding.EncodeToString([]byte(eventName))
}

// GetLastSequence returns the checkpoint recorded for the event name.
func (c *Checkpoints) GetLastSequence(ctx context.Context, eventName string) (uint64, bool, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return 0, false, store.ErrEventNameRequired
	}

	entry, err := c.kv.Get(ctx, checkpointKey(eventName))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint %s: %w", eventName, err)
	}

	seq, err := strconv.ParseUint(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse checkpoint %s: %w", eventName, err)
	}
	return seq, true, nil
}

// SaveLastSequence records the checkpoint for the event name.
func (c *Checkpoints) SaveLastSequence(ctx context.Context, eventName string, sequence uint64) error {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return store.ErrEventNameRequired
	}

	if _, err := c.kv.Put(ctx, checkpointKey(eventName), []byte(strconv.FormatUint(sequence, 10))); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", eventName, err)
	}
	return nil
}

// Package ids generates the unique event ids written next to every appended
// event. Ids are ULIDs, so they sort by the time the store recorded the event.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// source serializes access to the monotonic entropy, which is not safe for
// concurrent use.
var source = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// NewEventID returns a 26-character ULID whose timestamp is at. Ids created
// for the same millisecond are strictly increasing.
func NewEventID(at time.Time) string {
	source.Lock()
	defer source.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), source.entropy).String()
}

// CreateULID returns a fresh id stamped with the current time.
func CreateULID() string {
	return NewEventID(time.Now())
}

// EventTime extracts the millisecond timestamp embedded in an event id.
func EventTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}

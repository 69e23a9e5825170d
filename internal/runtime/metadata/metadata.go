// Package metadata defines the metadata recorded next to every event and the
// header map carried on Watermill messages.
package metadata

import (
	"strings"
	"time"
)

// Metadata is stored alongside every event payload. Its JSON keys are exactly
// Sent, Sender and Event.
type Metadata struct {
	// Sent is the UTC time the publisher built the event.
	Sent time.Time `json:"Sent"`
	// Sender is the client name of the publishing process.
	Sender string `json:"Sender"`
	// Event is the resolved event name, which is also the stream name.
	Event string `json:"Event"`
}

// New builds metadata for an event published now.
func New(sender, event string, now time.Time) Metadata {
	return Metadata{
		Sent:   now.UTC(),
		Sender: sender,
		Event:  event,
	}
}

// Valid reports whether the metadata names an event.
func (m Metadata) Valid() bool {
	return strings.TrimSpace(m.Event) != ""
}

// Headers represents the transport headers carried alongside an event inside
// the runtime.
type Headers map[string]string

func (h Headers) cloneWithExtra(extra int) Headers {
	size := len(h) + extra
	if size <= 0 {
		return Headers{}
	}

	cloned := make(Headers, size)
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the headers.
func (h Headers) Clone() Headers {
	return h.cloneWithExtra(0)
}

// With returns a copy of the headers containing the provided key/value pair.
func (h Headers) With(key, value string) Headers {
	cloned := h.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy of the headers containing the supplied entries.
func (h Headers) WithAll(entries Headers) Headers {
	cloned := h.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// NewHeaders constructs Headers from alternating key/value pairs.
func NewHeaders(pairs ...string) Headers {
	h := make(Headers, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		h[pairs[i]] = pairs[i+1]
	}
	return h
}

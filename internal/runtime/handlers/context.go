package handlers

import (
	loggingpkg "github.com/drblury/streamflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamflow/internal/runtime/metadata"
)

// MessageContext is what a handler receives for one event: the decoded
// payload, the metadata recorded by the publisher and the position of the
// event in its stream.
type MessageContext[T any] struct {
	Payload  T
	Metadata metadatapkg.Metadata
	Headers  metadatapkg.Headers
	Stream   string
	Sequence uint64
	Logger   loggingpkg.ServiceLogger
}

// EventName returns the event name recorded in the metadata.
func (c MessageContext[T]) EventName() string {
	return c.Metadata.Event
}

// Header retrieves a transport header by key.
func (c MessageContext[T]) Header(key string) string {
	return c.Headers[key]
}

// CloneHeaders returns a copy of the headers so handlers can mutate them safely.
func (c MessageContext[T]) CloneHeaders() metadatapkg.Headers {
	return c.Headers.Clone()
}

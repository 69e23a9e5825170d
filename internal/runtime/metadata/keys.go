package metadata

// Header keys set on every Watermill message produced from a stream.
const (
	// HeaderStream is the stream the event was read from.
	HeaderStream = "streamflow_stream"
	// HeaderSequence is the decimal stream sequence of the event.
	HeaderSequence = "streamflow_sequence"
	// HeaderMetadata is the raw serialized Metadata of the event.
	HeaderMetadata = "streamflow_metadata"
	// HeaderRecorded is the RFC 3339 time the store accepted the event.
	HeaderRecorded = "streamflow_recorded"
	// HeaderAttempt counts deliveries of the same event, starting at 1.
	HeaderAttempt = "streamflow_attempt"
)

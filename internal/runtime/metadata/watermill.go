package metadata

import (
	"maps"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill returns the headers of a message handed out by the router.
// The result never aliases md.
func FromWatermill(md message.Metadata) Headers {
	headers := make(Headers, len(md))
	maps.Copy(headers, md)
	return headers
}

// ToWatermill builds the metadata of a router message from headers. Empty
// values are left out, so an unset header reads the same as a missing one.
func ToWatermill(headers Headers) message.Metadata {
	md := make(message.Metadata, len(headers))
	for key, value := range headers {
		if value != "" {
			md[key] = value
		}
	}
	return md
}

// Package jsoncodec serializes event payloads, event metadata and the web UI
// responses of a streamflow service. Every stream is written through it, so
// all producers of an event name agree on the bytes.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// sonic's std-compatible config sorts map keys and escapes HTML like
// encoding/json.
var api = sonic.ConfigStd

// Marshal encodes v as stored in a stream.
func Marshal(v any) ([]byte, error) { return api.Marshal(v) }

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes a stored payload or metadata document into v.
func Unmarshal(data []byte, v any) error { return api.Unmarshal(data, v) }

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool { return api.Valid(data) }

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, v any) error { return api.NewEncoder(w).Encode(v) }

func Decode(r io.Reader, v any) error { return api.NewDecoder(r).Decode(v) }

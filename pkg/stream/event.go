// Package stream defines the newline-delimited JSON events the relay writes to
// its callers, along with an encoder for producing them and a decoder for
// consuming them.
//
// Every line of a stream is exactly one JSON object tagged by its "type"
// field. A well-formed stream starts with one Meta event and ends with one
// Done event; Delta, Usage, and Error events appear in between.
package stream

import "encoding/json"

// Kind is the wire tag of an event.
type Kind string

const (
	KindMeta  Kind = "meta"
	KindDelta Kind = "delta"
	KindUsage Kind = "usage"
	KindError Kind = "error"
	KindDone  Kind = "done"
)

// ContentType is the media type of an event stream.
const ContentType = "application/x-ndjson; charset=utf-8"

// Event is one outbound stream event. The set of implementations is closed:
// Meta, Delta, Usage, Error, and Done.
type Event interface {
	Kind() Kind
}

// Meta opens every stream. It is written before any upstream I/O.
type Meta struct {
	RequestID string `json:"requestId"`
	Model     string `json:"model"`
}

// Delta carries one non-empty fragment of generated text.
type Delta struct {
	Text string `json:"text"`
}

// Usage carries the upstream token accounting. The payload is opaque to the
// relay and forwarded as received.
type Usage struct {
	Usage json.RawMessage `json:"usage"`
}

// Error reports a non-fatal problem. It does not end the stream.
type Error struct {
	Message string `json:"message"`
}

// Done closes every stream, optionally repeating the usage payload.
type Done struct {
	Usage json.RawMessage `json:"usage,omitempty"`
}

func (Meta) Kind() Kind  { return KindMeta }
func (Delta) Kind() Kind { return KindDelta }
func (Usage) Kind() Kind { return KindUsage }
func (Error) Kind() Kind { return KindError }
func (Done) Kind() Kind  { return KindDone }

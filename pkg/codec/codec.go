// Package codec defines the wire-format contract used by internal/queue:
// the Message interface, the JSON[T] wrapper that implements it for any
// payload type, and UnmarshalJSON, its decoding counterpart.
package codec

import "encoding/json"

// Message is satisfied by any type that can serialize itself for transit
// through a queue. T is expected to also provide a matching
// `func Unmarshal[T](data []byte) (T, error)` free function, since Go
// methods cannot return the implementing type generically from a
// deserialize call.
type Message interface {
	MarshalMessage() ([]byte, error)
}

// JSON implements Message by marshaling v with encoding/json. Embed it (or
// call it from a MarshalMessage method) for payload types that don't need a
// custom wire format.
type JSON[T any] struct {
	Value T
}

// MarshalMessage implements Message.
func (j JSON[T]) MarshalMessage() ([]byte, error) {
	return json.Marshal(j.Value)
}

// UnmarshalJSON decodes data into a T, the mirror image of JSON[T]'s
// MarshalMessage. internal/queue calls this as the default Unmarshal for
// any payload type that opts into the JSON codec.
func UnmarshalJSON[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

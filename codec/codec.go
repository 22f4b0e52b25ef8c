// Package codec implements the codec contract consumed by the endpoint:
// encode/decode for keys and values, kept generic so a storage built over
// any comparable key type and any value type can share one
// implementation. Failure is surfaced as an error; the endpoint drops
// malformed messages rather than propagating a decode panic.
package codec

import "encoding/json"

// Codec encodes and decodes values of type T to and from the
// already-encoded byte strings that cross the message bus.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// JSON is the default Codec, generalizing the teacher's single
// Marshaller/JSONMarshaller pair (iris.go) into a generic codec used
// separately for keys and for values.
type JSON[T any] struct{}

// Encode marshals v as JSON.
func (JSON[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals data as JSON into a T.
func (JSON[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// EncodeAll encodes every element of vs, stopping at the first error.
func EncodeAll[T any](c Codec[T], vs []T) ([][]byte, error) {
	out := make([][]byte, 0, len(vs))
	for _, v := range vs {
		b, err := c.Encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// DecodeAll decodes every element of bs, skipping (and not returning) any
// element that fails to decode — the endpoint's policy for malformed
// messages is to drop them, not to fail the whole batch.
func DecodeAll[T any](c Codec[T], bs [][]byte) []T {
	out := make([]T, 0, len(bs))
	for _, b := range bs {
		v, err := c.Decode(b)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

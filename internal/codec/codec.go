// Package codec encodes values for the wire and for storage.
package codec

import "encoding/json"

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Indented is JSONCodec with indented output, for files read by people.
type Indented struct{}

func (Indented) Marshal(v any) ([]byte, error)   { return json.MarshalIndent(v, "", "  ") }
func (Indented) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

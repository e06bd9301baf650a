package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json for the envelope: readable on the wire and easy
// to debug, at the cost of size.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// It is portable and human-readable, at the cost of size: float64 values are
// printed in decimal. Map keys must be strings or integers.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

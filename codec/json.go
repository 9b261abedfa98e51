package codec

import "encoding/json"

// JSON is the standard-library JSON codec.
//
// The catalog document is a map-like structure for which JSON is stable and
// portable; it also keeps the on-disk format inspectable with ordinary tools.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the codec used when none is configured explicitly.
var Default Codec = JSON{}

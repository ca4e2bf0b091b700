package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"warden/core"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/xeipuuv/gojsonschema"
)

// Content types understood by the decoder
const (
	HeaderContentType  = "Content-Type"
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// rawEventSchema describes a submitted JSON record
const rawEventSchema = `{
  "type": "object",
  "required": ["event_type", "source_ip"],
  "properties": {
    "event_id":   {"type": "string"},
    "timestamp":  {"type": ["string", "number"]},
    "event_type": {"type": "string", "minLength": 1},
    "source_ip":  {"type": "string", "minLength": 1},
    "target":     {"type": "string"},
    "severity":   {"type": "string"},
    "metadata":   {"type": "object"}
  }
}`

// Decoder turns delivered payloads into raw events
type Decoder struct {
	schema *gojsonschema.Schema
}

// NewDecoder compiles the raw event schema
func NewDecoder() (*Decoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(rawEventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile raw event schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode parses data as msgpack when contentType says so and as schema-validated JSON
// otherwise. Malformed payloads wrap core.ErrInvalidEvent.
func (d *Decoder) Decode(data []byte, contentType string) (*core.RawEvent, error) {
	var raw core.RawEvent
	if strings.EqualFold(strings.TrimSpace(contentType), ContentTypeMsgpack) {
		if err := msgpack.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: msgpack: %v", core.ErrInvalidEvent, err)
		}
		return &raw, nil
	}

	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: json: %v", core.ErrInvalidEvent, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidEvent, strings.Join(problems, "; "))
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: json: %v", core.ErrInvalidEvent, err)
	}
	return &raw, nil
}

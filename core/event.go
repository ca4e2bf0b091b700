package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// UnknownTarget is the target recorded for events that do not name one
const UnknownTarget = "unknown"

// Canonical metadata keys read by the detection rules
const (
	MetaPayload      = "payload"
	MetaURL          = "url"
	MetaResponseSize = "response_size"
	MetaPort         = "port"
	MetaCountry      = "country"
)

// RawEvent is a log record as submitted, before normalization
type RawEvent struct {
	EventID   string                 `json:"event_id,omitempty" msgpack:"event_id,omitempty"`
	Timestamp interface{}            `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	EventType string                 `json:"event_type" msgpack:"event_type"`
	SourceIP  string                 `json:"source_ip" msgpack:"source_ip"`
	Target    string                 `json:"target,omitempty" msgpack:"target,omitempty"`
	Severity  string                 `json:"severity,omitempty" msgpack:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Event is a normalized security log record. It is never mutated once the normalizer returns it.
type Event struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	TypeAlias string                 `json:"type"` // legacy lowercase alias of EventType
	SourceIP  string                 `json:"source_ip"`
	Target    string                 `json:"target"`
	Severity  Severity               `json:"severity"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Is reports whether the event type is one of types
func (e *Event) Is(types ...string) bool {
	for _, t := range types {
		if e.EventType == t {
			return true
		}
	}
	return false
}

// MetaString returns a metadata value as a string
func (e *Event) MetaString(key string) (string, bool) {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, val != ""
	case []byte:
		return string(val), len(val) > 0
	default:
		return fmt.Sprint(val), true
	}
}

// MetaInt returns a numeric metadata value, accepting JSON numbers, msgpack integers and numeric strings
func (e *Event) MetaInt(key string) (int64, bool) {
	v, ok := e.Metadata[key]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// Payload returns the request payload text, if any
func (e *Event) Payload() string {
	s, _ := e.MetaString(MetaPayload)
	return s
}

// URL returns the request URL, if any
func (e *Event) URL() string {
	s, _ := e.MetaString(MetaURL)
	return s
}

// ResponseSize returns the number of bytes transferred
func (e *Event) ResponseSize() (int64, bool) {
	return e.MetaInt(MetaResponseSize)
}

// Port returns the destination port
func (e *Event) Port() (int64, bool) {
	return e.MetaInt(MetaPort)
}

// Country returns the upper-cased geo country code
func (e *Event) Country() string {
	s, ok := e.MetaString(MetaCountry)
	if !ok {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), !math.IsNaN(float64(n))
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	default:
		return 0, false
	}
}

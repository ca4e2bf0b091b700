package core

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"warden/util"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FieldMappings maps a canonical metadata key to the raw field names that carry it
type FieldMappings map[string][]string

// DefaultFieldMappings returns the aliases understood without a mappings file
func DefaultFieldMappings() FieldMappings {
	return FieldMappings{
		MetaResponseSize: {"bytes", "response_size", "content_length", "bytes_sent", "responseSize"},
		MetaPort:         {"port", "dst_port", "dest_port", "destination_port"},
		MetaCountry:      {"country", "geo_country", "country_code", "geo"},
		MetaPayload:      {"payload", "body", "query"},
		MetaURL:          {"url", "uri", "path", "request_uri"},
	}
}

// LoadFieldMappings loads metadata aliases from a YAML file and merges them over the defaults
func LoadFieldMappings(configPath string) (FieldMappings, error) {
	cleanPath, err := util.CleanInputPath(configPath)
	if err != nil {
		return nil, fmt.Errorf("invalid field mappings path: %w", err)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read field mappings file: %w", err)
	}

	var loaded FieldMappings
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse field mappings YAML: %w", err)
	}

	mappings := DefaultFieldMappings()
	for canonical, aliases := range loaded {
		mappings[canonical] = aliases
	}
	return mappings, nil
}

// Normalizer turns raw records into immutable Events
type Normalizer struct {
	aliases map[string]fieldAlias // lowercased raw field -> canonical key
}

// fieldAlias ranks a raw field: 0 is the canonical key itself, then the alias list order
type fieldAlias struct {
	canonical string
	rank      int
}

// NewNormalizer creates a normalizer; nil mappings selects the defaults.
// A raw name listed under several canonical keys goes to the first canonical key in sorted order.
func NewNormalizer(mappings FieldMappings) *Normalizer {
	if mappings == nil {
		mappings = DefaultFieldMappings()
	}
	canonicals := make([]string, 0, len(mappings))
	for canonical := range mappings {
		canonicals = append(canonicals, canonical)
	}
	sort.Strings(canonicals)

	aliases := make(map[string]fieldAlias)
	for _, canonical := range canonicals {
		aliases[strings.ToLower(canonical)] = fieldAlias{canonical: canonical}
	}
	for _, canonical := range canonicals {
		for i, raw := range mappings[canonical] {
			raw = strings.ToLower(raw)
			if _, taken := aliases[raw]; taken {
				continue
			}
			aliases[raw] = fieldAlias{canonical: canonical, rank: i + 1}
		}
	}
	return &Normalizer{aliases: aliases}
}

// Normalize validates raw and builds an Event. Missing severity defaults to low and a missing
// target to UnknownTarget; now is used when the record carries no usable timestamp.
func (n *Normalizer) Normalize(raw *RawEvent, now time.Time) (*Event, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidEvent)
	}

	eventType := strings.ToLower(strings.TrimSpace(raw.EventType))
	if eventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	sourceIP := strings.TrimSpace(raw.SourceIP)
	if sourceIP == "" {
		return nil, fmt.Errorf("%w: source_ip is required", ErrInvalidEvent)
	}

	target := strings.TrimSpace(raw.Target)
	if target == "" {
		target = UnknownTarget
	}

	eventID := strings.TrimSpace(raw.EventID)
	if eventID == "" {
		eventID = uuid.New().String()
	}

	return &Event{
		EventID:   eventID,
		Timestamp: parseTimestamp(raw.Timestamp, now),
		EventType: eventType,
		TypeAlias: strings.ToLower(eventType),
		SourceIP:  sourceIP,
		Target:    target,
		Severity:  ParseSeverity(raw.Severity),
		Metadata:  n.normalizeMetadata(raw.Metadata),
	}, nil
}

// normalizeMetadata copies fields, renaming known aliases to their canonical key.
// When several fields map to one key the canonical key wins, then the earliest alias.
func (n *Normalizer) normalizeMetadata(meta map[string]interface{}) map[string]interface{} {
	type pick struct {
		rank int
		key  string
	}
	normalized := make(map[string]interface{}, len(meta))
	picked := make(map[string]pick)
	for key, value := range meta {
		if s, ok := value.(string); ok {
			value = strings.TrimSpace(s)
		}
		alias, known := n.aliases[strings.ToLower(key)]
		if !known {
			normalized[key] = value
			continue
		}
		if prev, exists := picked[alias.canonical]; exists {
			if prev.rank < alias.rank || (prev.rank == alias.rank && prev.key < key) {
				continue
			}
		}
		picked[alias.canonical] = pick{rank: alias.rank, key: key}
		normalized[alias.canonical] = value
	}
	return normalized
}

func parseTimestamp(value interface{}, now time.Time) time.Time {
	switch ts := value.(type) {
	case time.Time:
		if !ts.IsZero() {
			return ts.UTC()
		}
	case string:
		ts = strings.TrimSpace(ts)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return parsed.UTC()
		}
		if secs, err := strconv.ParseInt(ts, 10, 64); err == nil && secs > 0 {
			return unixTime(secs)
		}
	default:
		if secs, ok := toInt64(value); ok && secs > 0 {
			return unixTime(secs)
		}
	}
	return now.UTC()
}

// unixTime accepts seconds or milliseconds since the epoch
func unixTime(v int64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

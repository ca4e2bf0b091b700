package core

import "strings"

// Severity is the severity of an event, finding or incident
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// String returns the string representation
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is one of low, medium, high or critical
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities, 0 for unknown values
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity lowercases and trims value, falling back to low when it is not a known severity
func ParseSeverity(value string) Severity {
	s := Severity(strings.ToLower(strings.TrimSpace(value)))
	if !s.IsValid() {
		return SeverityLow
	}
	return s
}

// SeverityThresholds maps an ascending count onto medium, high and critical
type SeverityThresholds struct {
	Medium   int64 `mapstructure:"medium" yaml:"medium" json:"medium" validate:"gt=0"`
	High     int64 `mapstructure:"high" yaml:"high" json:"high" validate:"gtfield=Medium"`
	Critical int64 `mapstructure:"critical" yaml:"critical" json:"critical" validate:"gtfield=High"`
}

// Classify returns the severity reached by value and false when value is below the medium threshold.
// Comparisons use >=, so a value equal to a threshold takes the higher severity.
func (t SeverityThresholds) Classify(value int64) (Severity, bool) {
	switch {
	case value >= t.Critical:
		return SeverityCritical, true
	case value >= t.High:
		return SeverityHigh, true
	case value >= t.Medium:
		return SeverityMedium, true
	default:
		return "", false
	}
}

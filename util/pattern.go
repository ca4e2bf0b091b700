package util

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxPatternLength is the longest operator-supplied signature accepted
	MaxPatternLength = 500
	// maxAlternations bounds the top-level branches of one signature
	maxAlternations = 50
	// maxNestingDepth bounds group nesting
	maxNestingDepth = 3
)

var (
	nestedQuantifiers = []*regexp.Regexp{
		regexp.MustCompile(`\([^)]*[*+]\)[*+{]`), // (a+)+ (a*)* (a+){2,}
		regexp.MustCompile(`\([^)]*\{[^}]*\}\)[*+{]`),
	}
	repetition = regexp.MustCompile(`\{(\d+)(?:,\d*)?\}`)
)

// ValidatePattern rejects operator-supplied signature patterns prone to catastrophic
// backtracking: nested quantifiers, deep nesting, huge repetition counts and excessive
// alternation. Syntax is checked by the caller's regex engine.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	if len(pattern) > MaxPatternLength {
		return fmt.Errorf("pattern too long: %d characters (max %d)", len(pattern), MaxPatternLength)
	}

	for _, re := range nestedQuantifiers {
		if m := re.FindString(pattern); m != "" {
			return fmt.Errorf("pattern contains nested quantifiers which may cause ReDoS: found '%s'", m)
		}
	}
	for _, dangerous := range []string{"++", "**", "*+", "+*"} {
		if strings.Contains(pattern, dangerous) {
			return fmt.Errorf("pattern contains stacked quantifiers: found '%s'", dangerous)
		}
	}

	if n := strings.Count(pattern, "|"); n > maxAlternations {
		return fmt.Errorf("too many alternations: %d (max %d)", n, maxAlternations)
	}

	for _, m := range repetition.FindAllStringSubmatch(pattern, -1) {
		var count int
		fmt.Sscanf(m[1], "%d", &count)
		if count >= 1000 {
			return fmt.Errorf("excessive repetition: %s (max 999)", m[0])
		}
	}

	depth := 0
	escaped := false
	for _, c := range pattern {
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '(':
			depth++
			if depth > maxNestingDepth {
				return fmt.Errorf("pattern has excessive nesting depth: %d (max %d)", depth, maxNestingDepth)
			}
		case c == ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("pattern has unmatched closing parenthesis")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("pattern has unmatched parentheses")
	}
	return nil
}

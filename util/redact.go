package util

import "regexp"

// redaction replaces one kind of secret
type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)(password|passwd|pwd)([\s:=]+)[^\s&;,"']+`), "${1}${2}REDACTED"},
	{regexp.MustCompile(`(?i)"(password|token|secret|api[_-]?key)"\s*:\s*"[^"]*"`), `"$1":"REDACTED"`},
	{regexp.MustCompile(`(?i)(access_token|token|api[_-]?key|apikey|client[_-]?secret|secret)=[^\s&;,"']+`), "${1}=REDACTED"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "bearer REDACTED"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "REDACTED_AWS_KEY"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},
	{regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "REDACTED_CC"},
}

// RedactSecrets masks credentials, tokens and card numbers in attacker-controlled text
// before it is kept as evidence.
func RedactSecrets(s string) string {
	if s == "" {
		return ""
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

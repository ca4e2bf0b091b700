package detect

import (
	"context"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"warden/config"
	"warden/core"
	"warden/util"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMatchTimeout bounds a single signature match so a hostile payload cannot stall a worker
const DefaultMatchTimeout = 100 * time.Millisecond

const maxEvidenceSample = 256

// patternCache shares compiled signatures between rules and rule rebuilds
var patternCache, _ = lru.New[string, *regexp2.Regexp](512)

type signature struct {
	name string
	re   *regexp2.Regexp
}

var sqlInjectionSignatures = map[string]string{
	"boolean_tautology":  `(?:'|")\s*(?:or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+|\bor\s+1\s*=\s*1\b`,
	"union_select":       `\bunion(?:\s+all)?\s+select\b`,
	"comment_truncation": `(?:'|")\s*(?:--|#|/\*)`,
	"stacked_drop_table": `;\s*drop\s+table\b`,
}

var xssSignatures = map[string]string{
	"script_tag":     `<\s*script\b`,
	"event_handler":  `<[^>]*\bon[a-z]+\s*=`,
	"javascript_uri": `javascript\s*:`,
}

// signature names in match order; map iteration order is random
var (
	sqlInjectionOrder = []string{"boolean_tautology", "union_select", "comment_truncation", "stacked_drop_table"}
	xssOrder          = []string{"script_tag", "event_handler", "javascript_uri"}
)

// compilePattern compiles a case-insensitive signature with a match timeout, reusing cached compilations
func compilePattern(pattern string) (*regexp2.Regexp, error) {
	if re, ok := patternCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("failed to compile signature %q: %w", pattern, err)
	}
	re.MatchTimeout = DefaultMatchTimeout
	patternCache.Add(pattern, re)
	return re, nil
}

// SignatureRule fires when the event declares the attack type outright or when its payload or
// URL matches one of the rule's signatures. Findings are deduplicated per (source, target).
type SignatureRule struct {
	key        string
	eventType  string
	severity   core.Severity
	reference  string
	signatures []signature
}

// NewSQLInjectionRule creates the SQL injection signature rule
func NewSQLInjectionRule(cfg config.RuleConfig) (Rule, error) {
	return newSignatureRule(config.RuleSQLInjection, "sql_injection", core.SeverityHigh, "T1190",
		sqlInjectionOrder, sqlInjectionSignatures, cfg.Patterns)
}

// NewXSSRule creates the cross-site scripting signature rule
func NewXSSRule(cfg config.RuleConfig) (Rule, error) {
	return newSignatureRule(config.RuleXSS, "xss", core.SeverityMedium, "T1059.007",
		xssOrder, xssSignatures, cfg.Patterns)
}

func newSignatureRule(key, eventType string, severity core.Severity, reference string,
	order []string, builtin map[string]string, extra []string) (*SignatureRule, error) {
	r := &SignatureRule{key: key, eventType: eventType, severity: severity, reference: reference}

	for _, name := range order {
		re, err := compilePattern(builtin[name])
		if err != nil {
			return nil, err
		}
		r.signatures = append(r.signatures, signature{name: name, re: re})
	}
	for i, p := range extra {
		re, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		r.signatures = append(r.signatures, signature{name: fmt.Sprintf("custom_%d", i), re: re})
	}
	return r, nil
}

// Key implements Rule
func (r *SignatureRule) Key() string { return r.key }

// Evaluate implements Rule
func (r *SignatureRule) Evaluate(ctx context.Context, rc *RuleContext) ([]*core.Finding, error) {
	ev := rc.Event
	declared := ev.Is(r.eventType) || ev.TypeAlias == r.eventType

	sig, field, sample := r.match(rc, ev)
	if !declared && sig == "" {
		return nil, nil
	}

	key := dedupKey(r.key, ev.SourceIP, ev.Target)
	claimed, err := rc.claim(ctx, key)
	if err != nil || !claimed {
		return nil, err
	}

	evidence := map[string]interface{}{"matched_by": "event_type"}
	if sig != "" {
		evidence["matched_by"] = "signature"
		evidence["signature"] = sig
		evidence["field"] = field
		evidence["sample"] = sample
	}
	if declared {
		evidence["declared_type"] = ev.EventType
	}

	return []*core.Finding{rc.finding(r.key, r.severity, key, evidence).WithReference(r.reference)}, nil
}

// match returns the first signature matching the payload, the URL or the decoded URL
func (r *SignatureRule) match(rc *RuleContext, ev *core.Event) (name, field, sample string) {
	type candidate struct{ field, text string }
	var inputs []candidate
	if p := ev.Payload(); p != "" {
		inputs = append(inputs, candidate{core.MetaPayload, p})
	}
	if u := ev.URL(); u != "" {
		inputs = append(inputs, candidate{core.MetaURL, u})
		if decoded, err := url.QueryUnescape(u); err == nil && decoded != u {
			inputs = append(inputs, candidate{core.MetaURL, decoded})
		}
	}

	for _, in := range inputs {
		for _, sig := range r.signatures {
			ok, err := sig.re.MatchString(in.text)
			if err != nil {
				// regexp2 reports an exceeded MatchTimeout as an error; skip the signature
				if rc.Helpers.Logger != nil {
					rc.Helpers.Logger.Warnw("Signature match aborted",
						"rule", r.key,
						"signature", sig.name,
						"input_length", len(in.text),
						"error", err)
				}
				continue
			}
			if ok {
				return sig.name, in.field, truncate(util.RedactSecrets(in.text), maxEvidenceSample)
			}
		}
	}
	return "", "", ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

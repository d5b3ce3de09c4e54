// Package redact implements the Redactor component (C6): fixed-pattern
// scanning for secrets and PII, with a per-category policy of redact, block,
// or allow.
package redact

import (
	"fmt"
	"regexp"

	"github.com/subcog/subcog/internal/kind"
)

// Policy is the action taken when a category matches.
type Policy string

const (
	PolicyRedact Policy = "redact"
	PolicyBlock  Policy = "block"
	PolicyAllow  Policy = "allow"
)

// Finding records one matched span, without ever carrying the raw matched
// text: callers must not be able to reconstruct the secret from a Finding.
type Finding struct {
	Kind  string
	Start int
	End   int
}

// Result is the outcome of a scrub pass.
type Result struct {
	Text     string
	Findings []Finding
}

type pattern struct {
	kind Policy
	name string
	re   *regexp.Regexp
}

// Redactor scans content for secrets and PII using a fixed pattern set. A
// stdlib regexp pass is used rather than a third-party scanner: the pattern
// set is small, fixed, and the match logic (redact vs. block vs. allow) is
// bespoke policy plumbing no general secret-scanning library exposes as a
// library call (see DESIGN.md).
type Redactor struct {
	patterns []pattern
	policies map[string]Policy
}

// defaultPatterns is a fixed set covering the categories named in §4.6:
// secrets (API keys, private keys, tokens, connection strings) and PII
// (emails, phone numbers, SSNs, credit-card numbers, IPs).
func defaultPatterns() []pattern {
	return []pattern{
		{name: "aws_access_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
		{name: "generic_api_key", re: regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token)\b\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,}['"]?`)},
		{name: "private_key_block", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
		{name: "bearer_token", re: regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-_\.]{10,}\b`)},
		{name: "connection_string", re: regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.\-]*://[^:\s]+:[^@\s]+@[^\s/]+`)},
		{name: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
		{name: "phone_number", re: regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
		{name: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{name: "credit_card", re: regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)},
		{name: "ipv4", re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	}
}

var secretKinds = map[string]bool{
	"aws_access_key": true, "generic_api_key": true, "private_key_block": true,
	"bearer_token": true, "connection_string": true,
}

// New builds a Redactor with the default pattern set. policies overrides the
// default (redact for every category) for specific kinds.
func New(policies map[string]Policy) *Redactor {
	defaults := defaultPatterns()
	merged := make(map[string]Policy, len(defaults))
	for _, p := range defaults {
		merged[p.name] = PolicyRedact
	}
	for name, p := range policies {
		merged[name] = p
	}
	patterns := make([]pattern, len(defaults))
	for i, p := range defaults {
		p.kind = merged[p.name]
		patterns[i] = p
	}
	return &Redactor{patterns: patterns, policies: merged}
}

// Scrub scans text and applies each category's policy. A "block" match
// returns a RedactionBlocked error immediately with no text: the raw span is
// never returned, logged, or persisted in that case either.
func (r *Redactor) Scrub(text string) (Result, error) {
	result := Result{Text: text}
	for _, p := range r.patterns {
		if p.kind == PolicyAllow {
			continue
		}
		locs := p.re.FindAllStringIndex(result.Text, -1)
		if len(locs) == 0 {
			continue
		}
		if p.kind == PolicyBlock {
			return Result{}, kind.New(kind.RedactionBlocked, "redact.Scrub",
				fmt.Sprintf("content blocked: matched %s", p.name))
		}
		// redact: replace back-to-front so earlier offsets stay valid.
		for i := len(locs) - 1; i >= 0; i-- {
			loc := locs[i]
			replacement := fmt.Sprintf("[REDACTED:%s]", p.name)
			result.Text = result.Text[:loc[0]] + replacement + result.Text[loc[1]:]
			result.Findings = append(result.Findings, Finding{Kind: p.name, Start: loc[0], End: loc[0] + len(replacement)})
		}
	}
	return result, nil
}

// IsSecretKind reports whether a pattern name refers to a credential-class
// finding rather than a PII-class finding; callers building audit records may
// want to treat the two differently.
func IsSecretKind(name string) bool { return secretKinds[name] }

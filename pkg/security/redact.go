package security

import (
	"regexp"
	"strings"
	"sync"
)

const redactedPlaceholder = "[REDACTED]"

// Redactor removes secret material from strings before they are
// persisted or published. It combines a configurable regex set with an
// exact-match list of known secret values.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	values   []string
}

// DefaultPatterns match common credential shapes in free-form output
var DefaultPatterns = []string{
	`(?i)(password|passwd|secret|token|api[_-]?key|authorization)\s*[=:]\s*\S+`,
	`(?i)bearer\s+[a-z0-9._~+/-]+=*`,
	`ghp_[A-Za-z0-9]{36,}`,
	`AKIA[0-9A-Z]{16}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

// NewRedactor compiles the given patterns; nil means DefaultPatterns
func NewRedactor(patterns []string) (*Redactor, error) {
	if patterns == nil {
		patterns = DefaultPatterns
	}
	r := &Redactor{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// AddValue registers a literal secret value to scrub wherever it
// appears. Short values are ignored so the placeholder does not shred
// ordinary output.
func (r *Redactor) AddValue(v string) {
	if len(v) < 4 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

// Redact returns s with every registered value and pattern match
// replaced by a placeholder
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, redactedPlaceholder)
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// Package filter decides which fetched messages are archived, using regex
// allow-lists or block-lists over the raw header and body text.
package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) > 0
}

// Stats reports how often each pattern matched. Patterns are listed in
// configuration order.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeHeaderHits     map[string]int
	IncludeBodyPatterns   []string
	IncludeBodyHits       map[string]int
	ExcludeHeaderPatterns []string
	ExcludeHeaderHits     map[string]int
	ExcludeBodyPatterns   []string
	ExcludeBodyHits       map[string]int
	Checked               int
	Rejected              int
}

type patternSet struct {
	patterns []*regexp.Regexp
	hits     map[string]int
}

func (s *patternSet) names() []string {
	out := make([]string, 0, len(s.patterns))
	for _, re := range s.patterns {
		out = append(out, re.String())
	}
	return out
}

func (s *patternSet) hitCopy() map[string]int {
	out := make(map[string]int, len(s.hits))
	for k, v := range s.hits {
		out[k] = v
	}
	return out
}

// match counts every pattern that matches, not only the first.
func (s *patternSet) match(text string) bool {
	matched := false
	for _, re := range s.patterns {
		if re.MatchString(text) {
			s.hits[re.String()]++
			matched = true
		}
	}
	return matched
}

// Filter holds compiled regex patterns for filtering messages. It is not
// safe for concurrent use.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader *patternSet
	includeBody   *patternSet
	excludeHeader *patternSet
	excludeBody   *patternSet
	checked       int
	rejected      int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader.patterns) > 0 || len(includeBody.patterns) > 0
	excludeActive := len(excludeHeader.patterns) > 0 || len(excludeBody.patterns) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		includeBody:   includeBody,
		excludeHeader: excludeHeader,
		excludeBody:   excludeBody,
	}, nil
}

// Allows splits raw into header and body and applies the filter. A nil
// filter allows everything.
func (f *Filter) Allows(raw []byte) bool {
	if f == nil {
		return true
	}
	header, body := SplitRawMessage(raw)
	return f.AllowsParts(header, body)
}

// AllowsParts returns true if the message passes the filter criteria.
func (f *Filter) AllowsParts(header, body []byte) bool {
	if f == nil {
		return true
	}
	f.checked++

	allowed := true
	switch {
	case f.includeMode:
		headerHit := f.includeHeader.match(string(header))
		bodyHit := f.includeBody.match(string(body))
		allowed = headerHit || bodyHit
	case f.excludeMode:
		headerHit := f.excludeHeader.match(string(header))
		bodyHit := f.excludeBody.match(string(body))
		allowed = !headerHit && !bodyHit
	}

	if !allowed {
		f.rejected++
	}
	return allowed
}

// GetStats returns a copy of the per-pattern hit counters.
func (f *Filter) GetStats() Stats {
	return Stats{
		IncludeHeaderPatterns: f.includeHeader.names(),
		IncludeHeaderHits:     f.includeHeader.hitCopy(),
		IncludeBodyPatterns:   f.includeBody.names(),
		IncludeBodyHits:       f.includeBody.hitCopy(),
		ExcludeHeaderPatterns: f.excludeHeader.names(),
		ExcludeHeaderHits:     f.excludeHeader.hitCopy(),
		ExcludeBodyPatterns:   f.excludeBody.names(),
		ExcludeBodyHits:       f.excludeBody.hitCopy(),
		Checked:               f.checked,
		Rejected:              f.rejected,
	}
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) (*patternSet, error) {
	set := &patternSet{
		patterns: make([]*regexp.Regexp, 0, len(patterns)),
		hits:     make(map[string]int),
	}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		set.patterns = append(set.patterns, re)
	}
	return set, nil
}

package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mail-backup/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeSubject []string
	IncludeFrom    []string
	ExcludeSubject []string
	ExcludeFrom    []string
}

// Filter holds compiled regex patterns for selecting messages to export.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeSubject []*regexp.Regexp
	includeFrom    []*regexp.Regexp
	excludeSubject []*regexp.Regexp
	excludeFrom    []*regexp.Regexp
	hits           map[string]int
}

// Stats reports how often each pattern matched.
type Stats struct {
	Patterns []string
	Hits     map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeSubject, err := compilePatterns(opts.IncludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile include-subject pattern: %w", err)
	}
	includeFrom, err := compilePatterns(opts.IncludeFrom)
	if err != nil {
		return nil, fmt.Errorf("compile include-from pattern: %w", err)
	}
	excludeSubject, err := compilePatterns(opts.ExcludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-subject pattern: %w", err)
	}
	excludeFrom, err := compilePatterns(opts.ExcludeFrom)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-from pattern: %w", err)
	}

	includeActive := len(includeSubject) > 0 || len(includeFrom) > 0
	excludeActive := len(excludeSubject) > 0 || len(excludeFrom) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeSubject: includeSubject,
		includeFrom:    includeFrom,
		excludeSubject: excludeSubject,
		excludeFrom:    excludeFrom,
		hits:           make(map[string]int),
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (f.includeMode || f.excludeMode)
}

// Allows returns true if the message passes the filter criteria. A nil
// Filter allows everything.
func (f *Filter) Allows(msg model.Message) bool {
	if !f.Active() {
		return true
	}

	from := msg.From.String()

	if f.includeMode {
		return f.matchAny(f.includeSubject, msg.Subject) || f.matchAny(f.includeFrom, from)
	}

	if f.matchAny(f.excludeSubject, msg.Subject) || f.matchAny(f.excludeFrom, from) {
		return false
	}
	return true
}

// GetStats returns the configured patterns and their hit counts.
func (f *Filter) GetStats() Stats {
	if f == nil {
		return Stats{Hits: map[string]int{}}
	}
	var patterns []string
	for _, group := range [][]*regexp.Regexp{f.includeSubject, f.includeFrom, f.excludeSubject, f.excludeFrom} {
		for _, re := range group {
			patterns = append(patterns, re.String())
		}
	}
	hits := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}
	return Stats{Patterns: patterns, Hits: hits}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			f.hits[re.String()]++
			return true
		}
	}
	return false
}

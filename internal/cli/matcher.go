package cli

import (
	"fmt"
	"regexp"
)

// Match describes the expected pattern that ended an expect loop.
type Match struct {
	// Index is the position of the pattern in the caller's list.
	Index int
	// Pattern is the pattern source as supplied by the caller.
	Pattern string
	// Groups holds the whole match followed by each capture group.
	Groups []string
	// Named maps named capture groups to their value.
	Named map[string]string
	// Before is the cleaned text preceding the match.
	Before string
	// After is the cleaned text following the match.
	After string
}

// Matcher tests an ordered list of patterns against cleaned output. Patterns
// are compiled in multi-line mode so ^ and $ anchor on line boundaries.
type Matcher struct {
	sources  []string
	patterns []*regexp.Regexp
}

// Compile builds a Matcher. An empty list is valid and never matches.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{
		sources:  append([]string(nil), patterns...),
		patterns: make([]*regexp.Regexp, len(patterns)),
	}
	for i, p := range patterns {
		re, err := regexp.Compile("(?m)" + p)
		if err != nil {
			return nil, fmt.Errorf("expect pattern %d %q: %w", i, p, err)
		}
		m.patterns[i] = re
	}
	return m, nil
}

// Empty reports whether no pattern was supplied.
func (m *Matcher) Empty() bool { return len(m.patterns) == 0 }

// Match returns the first pattern, in list order, that matches text. The
// list order is a priority: a later pattern matching earlier in the text
// does not win over an earlier pattern.
func (m *Matcher) Match(text string) *Match {
	for i, re := range m.patterns {
		loc := re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		groups := make([]string, len(loc)/2)
		for g := range groups {
			if loc[2*g] >= 0 {
				groups[g] = text[loc[2*g]:loc[2*g+1]]
			}
		}
		var named map[string]string
		for g, name := range re.SubexpNames() {
			if name == "" {
				continue
			}
			if named == nil {
				named = make(map[string]string)
			}
			named[name] = groups[g]
		}
		return &Match{
			Index:   i,
			Pattern: m.sources[i],
			Groups:  groups,
			Named:   named,
			Before:  text[:loc[0]],
			After:   text[loc[1]:],
		}
	}
	return nil
}

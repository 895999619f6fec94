// Package rules compiles the configured alert patterns into a matcher that
// maps an incident description to the rules it triggers and expands each
// rule's command template against that description.
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule maps an incident description pattern to a remediation command.
type Rule struct {
	Pattern        string `json:"alert"`
	Command        string `json:"cmd"`
	PauseSeconds   int    `json:"pause_sec,omitempty"`
	Resolve        bool   `json:"resolve,omitempty"`
	ResolveCheck   string `json:"resolve_check,omitempty"`
	TimeoutSeconds int    `json:"timeout_sec,omitempty"`
}

// PatternError reports a rule whose pattern is not a valid regular expression.
type PatternError struct {
	Index   int
	Field   string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("rule %d: invalid %s pattern %q: %v", e.Index, e.Field, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Set is an immutable compiled rule list. Indices match the order rules were
// passed to Compile.
type Set struct {
	rules    []Rule
	anchored []*regexp.Regexp
	checks   []*regexp.Regexp
	any      *regexp.Regexp
}

// Compile anchors and compiles every rule. Patterns must match the entire
// trimmed description, never a substring of it.
func Compile(rs []Rule) (*Set, error) {
	s := &Set{
		rules:    make([]Rule, len(rs)),
		anchored: make([]*regexp.Regexp, len(rs)),
		checks:   make([]*regexp.Regexp, len(rs)),
	}
	copy(s.rules, rs)

	alts := make([]string, 0, len(rs))
	for i, r := range rs {
		expr := anchor(r.Pattern)
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, &PatternError{Index: i, Field: "alert", Pattern: r.Pattern, Err: err}
		}
		s.anchored[i] = re
		alts = append(alts, expr)

		if r.ResolveCheck != "" {
			check, err := regexp.Compile(r.ResolveCheck)
			if err != nil {
				return nil, &PatternError{Index: i, Field: "resolve_check", Pattern: r.ResolveCheck, Err: err}
			}
			s.checks[i] = check
		}
	}

	if len(alts) > 0 {
		// prefilter so descriptions that match nothing cost one scan
		combined, err := regexp.Compile(strings.Join(alts, "|"))
		if err != nil {
			return nil, &PatternError{Index: -1, Field: "combined", Pattern: strings.Join(alts, "|"), Err: err}
		}
		s.any = combined
	}

	return s, nil
}

func anchor(pattern string) string {
	return "^(?:" + strings.TrimSpace(pattern) + ")$"
}

// Len returns the number of compiled rules.
func (s *Set) Len() int { return len(s.rules) }

// Rule returns the rule at index i.
func (s *Set) Rule(i int) (Rule, bool) {
	if i < 0 || i >= len(s.rules) {
		return Rule{}, false
	}
	return s.rules[i], true
}

// Rules returns a copy of the compiled rules in configured order.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Match returns the ascending indices of every rule whose pattern matches
// the whole of desc.
func (s *Set) Match(desc string) []int {
	if s.any == nil || !s.any.MatchString(desc) {
		return nil
	}
	var out []int
	for i, re := range s.anchored {
		if re.MatchString(desc) {
			out = append(out, i)
		}
	}
	return out
}

// Expand substitutes the capture groups of rule i's pattern, matched against
// desc, into the rule's command template. Templates use $1, ${1} or ${name}.
func (s *Set) Expand(i int, desc string) (string, bool) {
	if i < 0 || i >= len(s.anchored) {
		return "", false
	}
	return s.anchored[i].ReplaceAllString(desc, s.rules[i].Command), true
}

// ShouldResolve reports whether rule i wants its incident resolved after a
// command produced stdout.
func (s *Set) ShouldResolve(i int, stdout string) bool {
	if i < 0 || i >= len(s.rules) || !s.rules[i].Resolve {
		return false
	}
	if check := s.checks[i]; check != nil {
		return check.MatchString(stdout)
	}
	return true
}

// Package policy implements the pure rewrite-decision function from
// spec.md §4.3: (UA, policy) -> should_modify.
package policy

import "strings"

// MatchKind and MatchPolicy live in internal/config; policy only needs the
// shape, not the parsing, so it depends on config's exported types through
// the caller rather than importing config itself. ShouldModify takes the
// three pieces of state it actually needs to stay a pure, trivially-tested
// function independent of how the policy was built.

// Kind mirrors config.MatchKind so that policy stays a leaf package that
// does not import config.
type Kind int

const (
	Force Kind = iota
	Keywords
	Regex
)

// Matcher is the minimal interface ShouldModify needs for the Regex case.
// *regexp.Regexp satisfies it.
type Matcher interface {
	MatchString(string) bool
}

// ShouldModify is deterministic and depends only on ua and the policy
// arguments -- no hidden state, per spec.md §8's invariant.
func ShouldModify(ua string, kind Kind, keywords []string, re Matcher) bool {
	switch kind {
	case Force:
		return true
	case Regex:
		return re != nil && re.MatchString(ua)
	default:
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(ua, kw) {
				return true
			}
		}
		return false
	}
}

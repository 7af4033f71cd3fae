// Package pattern implements the matching rules shared by the event bus,
// the pub-sub coordinator, and the message router.
//
// Two flavours exist:
//
//   - MatchTopic matches hierarchical dotted names segment by segment. The
//     pattern and the name must have the same number of segments, so "a.*.c"
//     matches "a.b.c" but not "a.b.d.c". A bare "*" matches any name.
//   - MatchName matches flat strings such as service names with "*" and "?"
//     wildcards spanning the whole string.
package pattern

import "strings"

// MatchTopic reports whether a dotted topic name matches a dotted pattern.
// Segments support "*" and "?" wildcards; segment counts must be equal.
func MatchTopic(pat, name string) bool {
	if pat == "" || pat == "*" {
		return true
	}
	if pat == name {
		return true
	}
	patSegs := strings.Split(pat, ".")
	nameSegs := strings.Split(name, ".")
	if len(patSegs) != len(nameSegs) {
		return false
	}
	for i, ps := range patSegs {
		if !matchSegment(ps, nameSegs[i]) {
			return false
		}
	}
	return true
}

// MatchName reports whether a flat name matches a glob pattern with "*" and
// "?" wildcards. Dots carry no special meaning here.
func MatchName(pat, name string) bool {
	if pat == "" || pat == "*" {
		return true
	}
	return matchSegment(pat, name)
}

// matchSegment is an iterative glob matcher over a single string.
func matchSegment(pat, s string) bool {
	var pi, si int
	star, starSi := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pat) && (pat[pi] == '?' || pat[pi] == s[si]):
			pi++
			si++
		case pi < len(pat) && pat[pi] == '*':
			star = pi
			starSi = si
			pi++
		case star >= 0:
			pi = star + 1
			starSi++
			si = starSi
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}

// Package suggest finds near matches for mistyped names such as resource
// URIs.
package suggest

import "strings"

// MaxDistance is the largest edit distance still offered as a suggestion.
const MaxDistance = 3

// Distance returns the Levenshtein edit distance between a and b.
func Distance(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// Closest returns the candidate nearest to name, or "" when none is within
// MaxDistance or name itself is a candidate. Trailing slashes and case are
// ignored.
func Closest(name string, candidates []string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimRight(s, "/")) }
	target := norm(name)

	best, bestDist := "", MaxDistance+1
	for _, c := range candidates {
		if c == name {
			return ""
		}
		if d := Distance(target, norm(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// Unique returns values without duplicates or blanks, in first-seen order.
func Unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

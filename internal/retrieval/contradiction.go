package retrieval

import "regexp"

// Modal-verb pairing used to flag opposing rules. The heuristic is coarse:
// unrelated rules that share "must" and "never" are flagged, and semantically
// opposed rules without these words are missed.
var (
	mandatePattern     = regexp.MustCompile(`(?i)\b(must|always|requires?|required)\b`)
	prohibitionPattern = regexp.MustCompile(`(?i)\b(never|do not|don't|avoid|forbid\w*|prohibit\w*)\b`)
)

// Contradicts reports whether one text mandates where the other prohibits.
// The check is symmetric.
func Contradicts(a, b string) bool {
	aMust, aNever := mandatePattern.MatchString(a), prohibitionPattern.MatchString(a)
	bMust, bNever := mandatePattern.MatchString(b), prohibitionPattern.MatchString(b)
	return (aMust && bNever) || (aNever && bMust)
}

// sharedDomains returns the domains present in both lists.
func sharedDomains(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a))
	for _, d := range a {
		set[d] = struct{}{}
	}
	var out []string
	for _, d := range b {
		if _, ok := set[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

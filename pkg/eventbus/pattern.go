package eventbus

import "strings"

// MatchPattern reports whether a dotted event type matches a dotted glob
// pattern. "*" matches exactly one segment, "**" matches any number of
// segments including zero.
//
//	agent.*            matches agent.completed, not workflow.step.completed
//	workflow.step.**   matches workflow.step.completed and workflow.step.retry.scheduled
//	**                 matches everything
func MatchPattern(pattern, eventType string) bool {
	if pattern == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(eventType, "."))
}

func matchSegments(pat, typ []string) bool {
	if len(pat) == 0 {
		return len(typ) == 0
	}
	switch pat[0] {
	case "**":
		// Try consuming zero segments, then one, and so on.
		for i := 0; i <= len(typ); i++ {
			if matchSegments(pat[1:], typ[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(typ) > 0 && matchSegments(pat[1:], typ[1:])
	default:
		return len(typ) > 0 && pat[0] == typ[0] && matchSegments(pat[1:], typ[1:])
	}
}

// dedupPatterns coalesces duplicate patterns on one subscription.
func dedupPatterns(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

package cc

import "strings"

// Match reports whether requested is covered by any capability in granted,
// per §4.1: exact equality, the universal wildcard "*", or a ":*"-suffixed
// prefix grant. Matching is case-sensitive.
func Match(granted []string, requested string) bool {
	for _, g := range granted {
		if matchOne(g, requested) {
			return true
		}
	}
	return false
}

func matchOne(granted, requested string) bool {
	if granted == requested || granted == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, ":*"); ok {
		return requested == prefix || strings.HasPrefix(requested, prefix+":")
	}
	return false
}

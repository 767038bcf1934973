package conduit

import (
	"path"
	"strings"
)

// ScopeResult is the outcome of checking a single path against an
// allow/deny glob pair.
type ScopeResult struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason"`
	MatchedPattern string `json:"matched_pattern,omitempty"`
}

// CheckScope matches path against deny and allow glob lists, deny always
// taking precedence. Globs follow shell conventions: "**" matches any
// number of path segments (including zero), "*" matches within a single
// segment. Comparisons are case-sensitive; path separators are normalized
// to "/" regardless of host OS.
func CheckScope(p string, allow, deny []string) ScopeResult {
	norm := normalizePath(p)

	for _, pat := range deny {
		if globMatch(normalizePath(pat), norm) {
			return ScopeResult{Allowed: false, Reason: "matched deny pattern", MatchedPattern: pat}
		}
	}
	for _, pat := range allow {
		if globMatch(normalizePath(pat), norm) {
			return ScopeResult{Allowed: true, Reason: "matched allow pattern", MatchedPattern: pat}
		}
	}
	return ScopeResult{Allowed: false, Reason: "not in allow list"}
}

// CheckScopeBulk runs CheckScope over every path and additionally returns
// the subset that was denied, for callers that just need a quick veto list.
func CheckScopeBulk(paths []string, allow, deny []string) (results map[string]ScopeResult, denied []string) {
	results = make(map[string]ScopeResult, len(paths))
	for _, p := range paths {
		r := CheckScope(p, allow, deny)
		results[p] = r
		if !r.Allowed {
			denied = append(denied, p)
		}
	}
	return results, denied
}

func normalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// globMatch implements shell-style glob matching with "**" as a segment
// wildcard. path.Match handles single-segment "*"/"?"/"[...]" but has no
// concept of "**", so "**" path components are expanded to the regex-free
// recursive matcher below.
func globMatch(pattern, name string) bool {
	patSegs := strings.Split(pattern, "/")
	nameSegs := strings.Split(name, "/")
	return matchSegments(patSegs, nameSegs)
}

func matchSegments(pat, name []string) bool {
	if len(pat) == 0 {
		return len(name) == 0
	}
	if pat[0] == "**" {
		// "**" matches zero or more segments: try consuming 0..len(name).
		if matchSegments(pat[1:], name) {
			return true
		}
		for i := 0; i < len(name); i++ {
			if matchSegments(pat[1:], name[i+1:]) {
				return true
			}
		}
		return false
	}
	if len(name) == 0 {
		return false
	}
	ok, err := path.Match(pat[0], name[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pat[1:], name[1:])
}

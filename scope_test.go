package conduit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckScopeAllowMatch(t *testing.T) {
	tests := []struct {
		path  string
		allow []string
		want  bool
	}{
		{"src/main.go", []string{"src/**"}, true},
		{"src/pkg/util.go", []string{"src/**"}, true},
		{"docs/readme.md", []string{"src/**"}, false},
		{"README.md", []string{"*.md"}, true},
		{"docs/README.md", []string{"*.md"}, false},
		{"a/b/c.go", []string{"a/*/c.go"}, true},
	}
	for _, tt := range tests {
		r := CheckScope(tt.path, tt.allow, nil)
		assert.Equal(t, tt.want, r.Allowed, "CheckScope(%q, %v, nil)", tt.path, tt.allow)
	}
}

func TestCheckScopeNotInAllowList(t *testing.T) {
	r := CheckScope("src/main.go", []string{"docs/**"}, nil)
	require.False(t, r.Allowed, "expected denial")
	assert.Equal(t, "not in allow list", r.Reason)
}

// TestCheckScopeDenyPrecedence: deny always wins, even over a broader
// allow pattern that also matches.
func TestCheckScopeDenyPrecedence(t *testing.T) {
	r := CheckScope("src/secrets.go", []string{"src/**"}, []string{"**/secrets.go"})
	require.False(t, r.Allowed, "deny pattern should take precedence over allow")
	assert.Equal(t, "matched deny pattern", r.Reason)
	assert.Equal(t, "**/secrets.go", r.MatchedPattern)
}

func TestCheckScopeBackslashNormalization(t *testing.T) {
	r := CheckScope(`src\main.go`, []string{"src/**"}, nil)
	assert.True(t, r.Allowed, "expected backslash path to normalize to forward slashes and match")
}

func TestCheckScopeBulk(t *testing.T) {
	paths := []string{"src/a.go", "src/b.go", "docs/readme.md"}
	results, denied := CheckScopeBulk(paths, []string{"src/**"}, nil)
	require.Len(t, results, 3)
	require.Len(t, denied, 1)
	assert.Equal(t, "docs/readme.md", denied[0])
}

func TestGlobMatchDoubleStarZeroSegments(t *testing.T) {
	assert.True(t, globMatch("src/**/test.go", "src/test.go"), "** should match zero intervening segments")
}

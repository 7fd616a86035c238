package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"https://api.example.com", "https://api.example.com", 0},
		{"https://api.example.com", "https://apj.example.com", 1},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Distance(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
		assert.Equal(t, tc.want, Distance(tc.b, tc.a), "%q vs %q", tc.b, tc.a)
	}
}

func TestClosest(t *testing.T) {
	t.Parallel()
	candidates := []string{"https://api.example.com", "https://graph.example.com"}

	assert.Equal(t, "https://api.example.com", Closest("https://api.exmple.com", candidates))
	assert.Equal(t, "https://graph.example.com", Closest("HTTPS://GRAPH.EXAMPLE.COM/", candidates))
	assert.Empty(t, Closest("https://api.example.com", candidates), "exact match needs no suggestion")
	assert.Empty(t, Closest("https://storage.example.net", candidates))
	assert.Empty(t, Closest("anything", nil))
}

func TestUnique(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b"}, Unique([]string{" a ", "b", "", "a"}))
	assert.Nil(t, Unique(nil))
}

package keyspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern string
		text    string
		want    bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"", "", true},
		{"", "x", false},
		{"foo", "foo", true},
		{"foo", "bar", false},
		{"f?o", "foo", true},
		{"f?o", "fo", false},
		{"user:*", "user:42", true},
		{"user:*", "order:42", false},
		{"*:42", "user:42", true},
		{"u*r:4?", "user:42", true},
		{"*x*", "axb", true},
		{"*x*", "ab", false},
		{"a*b*c", "a123b456c", true},
		{"a*b*c", "a123b456", false},
		{"**", "ab", true},
		{"a*", "a", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, GlobMatch([]byte(tc.pattern), []byte(tc.text)),
			"pattern %q text %q", tc.pattern, tc.text)
	}
}

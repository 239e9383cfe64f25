package access

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeNext(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/course", "/course"},
		{"/course/lessons/intro?t=30", "/course/lessons/intro?t=30"},
		{"  /pricing  ", "/pricing"},
		{"", ""},
		{"course", ""},
		{"//evil.example/path", ""},
		{"/\\evil.example", ""},
		{"https://evil.example/course", ""},
		{"javascript:alert(1)", ""},
		{"/course\r\nSet-Cookie: x=1", ""},
		{"/" + strings.Repeat("a", maxNextLength), ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeNext(tt.raw))
		})
	}
}

func TestWithNext(t *testing.T) {
	assert.Equal(t, "/signup", withNext("/signup", ""))
	assert.Equal(t, "/signup?next=%2Fcourse", withNext("/signup", "/course"))
	assert.Equal(t, "/pricing?plan=a&next=%2Fcourse", withNext("/pricing?plan=a", "/course"))
}

func TestRouteTable_Lookup(t *testing.T) {
	table := DefaultRoutes(DefaultPaths())

	assert.Equal(t, PaidOnly, table.Classify("/course"))
	assert.Equal(t, PaidOnly, table.Classify("/course/"))
	assert.Equal(t, PaidOnly, table.Classify("/course/lessons/intro"))
	assert.Equal(t, Public, table.Classify("/"))
	assert.Equal(t, Public, table.Classify(""))
	assert.Equal(t, Public, table.Classify("/pricing#faq"))
	assert.True(t, table.Lookup("/signup").ForwardWhenPaid)
	assert.False(t, table.Lookup("/pricing").ForwardWhenPaid)
}

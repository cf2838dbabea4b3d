package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeiliFilters(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{"unrestricted", Request{}, nil},
		{"root scope is no filter", Request{Scope: "/"}, nil},
		{"scope", Request{Scope: "/docs"}, []string{`ancestors = "/docs"`}},
		{"authorized", Request{Authorized: []string{"everyone@group", "alice@user"}},
			[]string{`authorized IN ["everyone@group", "alice@user"]`}},
		{"nobody", Request{Authorized: []string{}}, []string{`authorized = ""`}},
		{"both", Request{Scope: "/a b", Authorized: []string{"x@user"}},
			[]string{`ancestors = "/a b"`, `authorized IN ["x@user"]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, meiliFilters(tt.req))
		})
	}
}

func TestSanitizeUID(t *testing.T) {
	assert.Equal(t, "contentrepo", sanitizeUID(""))
	assert.Equal(t, "repo_default", sanitizeUID("repo_default"))
	assert.Equal(t, "my_space_1", sanitizeUID("my space/1"))
}

func TestAncestors(t *testing.T) {
	assert.Empty(t, Ancestors("/"))
	assert.Equal(t, []string{"/"}, Ancestors("/a"))
	assert.Equal(t, []string{"/", "/a", "/a/b"}, Ancestors("/a/b/c.txt"))
}

func TestWindowDefaults(t *testing.T) {
	limit, offset := window(Request{Limit: 0, Offset: -4})
	assert.Equal(t, 20, limit)
	assert.Equal(t, 0, offset)
}

func TestDocumentAddProperty(t *testing.T) {
	var d Document
	d.AddProperty("tags", "a")
	d.AddProperty("tags", "b")
	assert.Equal(t, []string{"a", "b"}, d.Properties["tags"])
}

package acl

import (
	"testing"

	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestAuthorizedPropagation(t *testing.T) {
	lattice := privilege.Default()
	tests := []struct {
		name     string
		policies []store.Policy
		want     []string
	}{
		{
			name: "allow group and user",
			policies: []store.Policy{
				{Path: "/", Entries: []store.ACE{allow("everyone", privilege.Read)}},
				{Path: "/a", Entries: []store.ACE{allowGroup("editors", privilege.All), allow("alice", privilege.Read)}},
			},
			want: []string{"everyone@group", "editors@group", "alice@user"},
		},
		{
			name: "deny removes one grantee",
			policies: []store.Policy{
				{Path: "/", Entries: []store.ACE{allow("alice", privilege.Read), allow("bob", privilege.Read)}},
				{Path: "/a", Entries: []store.ACE{deny("alice", privilege.Read)}},
			},
			want: []string{"bob@user"},
		},
		{
			name: "deny for everyone clears the set",
			policies: []store.Policy{
				{Path: "/", Entries: []store.ACE{allow("everyone", privilege.Read), allowGroup("editors", privilege.Read)}},
				{Path: "/private", Entries: []store.ACE{deny("everyone", privilege.Read), allow("alice", privilege.Read)}},
			},
			want: []string{"alice@user"},
		},
		{
			name: "entries without read are ignored",
			policies: []store.Policy{
				{Path: "/", Entries: []store.ACE{allow("alice", privilege.Write), allow("bob", privilege.LockManagement)}},
			},
			want: nil,
		},
		{
			name: "duplicate allows are collapsed",
			policies: []store.Policy{
				{Path: "/", Entries: []store.ACE{allow("alice", privilege.Read)}},
				{Path: "/a", Entries: []store.ACE{allow("alice", privilege.All)}},
			},
			want: []string{"alice@user"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Authorized(lattice, tt.policies)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorizables(t *testing.T) {
	assert.Nil(t, Authorizables(session.NewSystem("default")))
	assert.Nil(t, Authorizables(session.New("default", "admin", nil, session.KindAdmin, 8)))
	assert.Nil(t, Authorizables(session.New("default", "svc", nil, session.KindService, 8)))
	assert.Equal(t, []string{"everyone@group"}, Authorizables(session.New("default", "anonymous", []string{"x"}, session.KindGuest, 8)))
	assert.Equal(t,
		[]string{"everyone@group", "editors@group", "alice@user"},
		Authorizables(session.New("default", "alice", []string{"everyone", "editors"}, session.KindUser, 8)))
}

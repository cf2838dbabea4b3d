package acl

import (
	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

const (
	GroupSuffix = "@group"
	UserSuffix  = "@user"
)

// Grantee renders a principal the way the search index stores it.
func Grantee(principal string, isGroup bool) string {
	if isGroup || principal == session.Everyone {
		return principal + GroupSuffix
	}
	return principal + UserSuffix
}

// Authorized replays policies root to node and returns the grantees allowed
// to read. A deny for everyone clears the set.
func Authorized(lattice *privilege.Lattice, policies []store.Policy) []string {
	var authorized []string
	for _, policy := range policies {
		for _, ace := range policy.Entries {
			if !grantsRead(lattice, ace.Privileges) {
				continue
			}
			grantee := Grantee(ace.Principal, ace.IsGroup)
			if ace.Allow {
				if indexOf(authorized, grantee) < 0 {
					authorized = append(authorized, grantee)
				}
				continue
			}
			if ace.Principal == session.Everyone {
				authorized = authorized[:0]
				continue
			}
			if i := indexOf(authorized, grantee); i >= 0 {
				authorized = append(authorized[:i], authorized[i+1:]...)
			}
		}
	}
	return authorized
}

func grantsRead(lattice *privilege.Lattice, names []string) bool {
	for _, name := range names {
		if lattice.Implies(name, privilege.Read) {
			return true
		}
	}
	return false
}

func indexOf(values []string, v string) int {
	for i, value := range values {
		if value == v {
			return i
		}
	}
	return -1
}

// Authorizables returns the grantees a query by sess may match, or nil when
// the session is not restricted.
func Authorizables(sess *session.Session) []string {
	if sess.Kind.Unrestricted() {
		return nil
	}
	grantees := []string{Grantee(session.Everyone, true)}
	if sess.IsGuest() {
		return grantees
	}
	for _, group := range sess.Groups {
		if group == session.Everyone {
			continue
		}
		grantees = append(grantees, Grantee(group, true))
	}
	return append(grantees, Grantee(sess.UserID, false))
}

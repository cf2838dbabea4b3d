// Package acl evaluates effective policies and privileges over the
// ancestor chain of stored access control lists.
package acl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrAccessDenied  = errors.New("access denied")
	ErrNoPolicy      = errors.New("no access control policy")
	ErrInvalidPolicy = errors.New("invalid access control entry")
)

// PolicyStore reads the ACLs stored on the nodes at the given paths,
// nearest node first.
type PolicyStore interface {
	Policies(ctx context.Context, workspace string, paths []string) ([]store.Policy, error)
}

// PublicAccess grants read access on matching paths regardless of ACLs.
// Path is exact, "prefix*" or "*suffix"; User optionally restricts the
// filter to one principal.
type PublicAccess struct {
	Path string
	User string
}

func (p PublicAccess) matches(sess *session.Session, path string) bool {
	pattern := strings.TrimSpace(p.Path)
	switch {
	case pattern == "":
		return false
	case strings.HasSuffix(pattern, "*"):
		if !strings.HasPrefix(path, strings.TrimSuffix(pattern, "*")) {
			return false
		}
	case strings.HasPrefix(pattern, "*"):
		if !strings.HasSuffix(path, strings.TrimPrefix(pattern, "*")) {
			return false
		}
	default:
		if path != pattern {
			return false
		}
	}
	return p.User == "" || p.User == sess.UserID
}

type Evaluator struct {
	lattice  *privilege.Lattice
	policies PolicyStore
	public   []PublicAccess
	log      zerolog.Logger
}

func NewEvaluator(lattice *privilege.Lattice, policies PolicyStore, public []PublicAccess, log zerolog.Logger) *Evaluator {
	if lattice == nil {
		lattice = privilege.Default()
	}
	return &Evaluator{
		lattice:  lattice,
		policies: policies,
		public:   append([]PublicAccess(nil), public...),
		log:      log,
	}
}

func (e *Evaluator) Lattice() *privilege.Lattice {
	return e.lattice
}

// EffectivePolicies returns the ACLs stored from the root down to path,
// root first.
func (e *Evaluator) EffectivePolicies(ctx context.Context, workspace, path string) ([]store.Policy, error) {
	policies, err := e.policies.Policies(ctx, workspace, store.AncestorPaths(path))
	if err != nil {
		return nil, fmt.Errorf("effective policies %s: %w", path, err)
	}
	for i, j := 0, len(policies)-1; i < j; i, j = i+1, j-1 {
		policies[i], policies[j] = policies[j], policies[i]
	}
	return policies, nil
}

// EffectivePrivileges computes the privileges sess holds at path.
func (e *Evaluator) EffectivePrivileges(ctx context.Context, sess *session.Session, path string) (privilege.Set, error) {
	if sess.IsSystem() {
		return e.lattice.Expand(privilege.All)
	}
	if path == store.SystemPath {
		return privilege.NewSet(), nil
	}
	if store.IsDescendant(path, store.SystemPath) {
		return privilege.NewSet(privilege.Read), nil
	}
	if sess.Kind.Unrestricted() {
		return e.lattice.Expand(privilege.All)
	}
	for _, filter := range e.public {
		if filter.matches(sess, path) {
			return privilege.NewSet(privilege.Read), nil
		}
	}

	cache := sess.PrivilegeCache()
	if set, ok := cache.Get(path); ok {
		return set, nil
	}
	policies, err := e.EffectivePolicies(ctx, sess.Workspace, path)
	if err != nil {
		return nil, err
	}
	set := Evaluate(e.lattice, policies, sess)
	cache.Put(path, set)
	return set, nil
}

// Evaluate walks policies root to node and applies every entry that names
// the session's principal, one of its groups or everyone.
func Evaluate(lattice *privilege.Lattice, policies []store.Policy, sess *session.Session) privilege.Set {
	held := privilege.NewSet()
	for _, policy := range policies {
		for _, ace := range policy.Entries {
			if !applies(ace, sess) {
				continue
			}
			named := expandKnown(lattice, ace.Privileges)
			if ace.Allow {
				held.Union(named)
				continue
			}
			for name := range named {
				held.Remove(name)
			}
			// An aggregate cannot stay held once part of it is denied.
			for name := range held {
				for denied := range named {
					if lattice.Contains(name, denied) {
						held.Remove(name)
						break
					}
				}
			}
		}
	}
	return held
}

func applies(ace store.ACE, sess *session.Session) bool {
	if ace.Principal == session.Everyone {
		return true
	}
	if ace.IsGroup {
		return sess.InGroup(ace.Principal)
	}
	return ace.Principal == sess.UserID
}

// expandKnown expands the names the lattice knows, skipping stale ones.
func expandKnown(lattice *privilege.Lattice, names []string) privilege.Set {
	set := privilege.NewSet()
	for _, name := range names {
		expanded, err := lattice.Expand(name)
		if err != nil {
			continue
		}
		set.Union(expanded)
	}
	return set
}

// HasPrivileges reports whether every required privilege is held at path,
// directly or through an aggregate.
func (e *Evaluator) HasPrivileges(ctx context.Context, sess *session.Session, path string, required ...string) (bool, error) {
	if err := e.lattice.Resolve(required...); err != nil {
		return false, err
	}
	held, err := e.EffectivePrivileges(ctx, sess, path)
	if err != nil {
		return false, err
	}
	for _, req := range required {
		if !granted(e.lattice, held, req) {
			return false, nil
		}
	}
	return true, nil
}

func granted(lattice *privilege.Lattice, held privilege.Set, required string) bool {
	for name := range held {
		if lattice.Implies(name, required) {
			return true
		}
	}
	return false
}

// CheckPrivileges is HasPrivileges that fails with ErrAccessDenied.
func (e *Evaluator) CheckPrivileges(ctx context.Context, sess *session.Session, path string, required ...string) error {
	ok, err := e.HasPrivileges(ctx, sess, path, required...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s requires %s at %s", ErrAccessDenied, sess.UserID, strings.Join(required, ", "), path)
	}
	return nil
}

// Package session models the principal-bound sessions the repository core
// works with, the live-session registry and its Redis persistence.
package session

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/mintjamsinc/cms0-sub002/internal/util"
)

// Everyone is the group every principal belongs to.
const Everyone = "everyone"

// SystemUser is the principal of internal system sessions.
const SystemUser = "system"

type Kind string

const (
	KindUser    Kind = "user"
	KindGuest   Kind = "guest"
	KindAdmin   Kind = "admin"
	KindService Kind = "service"
	KindSystem  Kind = "system"
)

// Unrestricted reports whether sessions of this kind bypass access control.
func (k Kind) Unrestricted() bool {
	return k == KindSystem || k == KindAdmin || k == KindService
}

const defaultCacheSize = 64

// Session is one principal's view of a workspace.
type Session struct {
	ID        string
	Workspace string
	UserID    string
	Groups    []string
	Kind      Kind
	CreatedAt time.Time

	privileges *PrivilegeCache

	mu      sync.Mutex
	pending map[string]struct{}
}

// New creates a session. cacheSize bounds the per-session privilege cache.
func New(workspace, userID string, groups []string, kind Kind, cacheSize int) *Session {
	return &Session{
		ID:         util.NewID("sess"),
		Workspace:  workspace,
		UserID:     userID,
		Groups:     append([]string(nil), groups...),
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
		privileges: NewPrivilegeCache(cacheSize),
	}
}

// NewSystem creates a short-lived session with full privileges.
func NewSystem(workspace string) *Session {
	return New(workspace, SystemUser, nil, KindSystem, 8)
}

func (s *Session) IsSystem() bool {
	return s.Kind == KindSystem
}

func (s *Session) IsGuest() bool {
	return s.Kind == KindGuest
}

// InGroup reports whether the session's principal belongs to group. Every
// principal belongs to the everyone group.
func (s *Session) InGroup(group string) bool {
	if group == Everyone {
		return true
	}
	for _, g := range s.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// PrivilegeCache returns the session's own effective-privilege cache.
func (s *Session) PrivilegeCache() *PrivilegeCache {
	return s.privileges
}

// MarkPending records an unsaved change at path.
func (s *Session) MarkPending(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]struct{})
	}
	s.pending[path] = struct{}{}
}

// ClearPending forgets every unsaved change, after a save or a refresh.
func (s *Session) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// HasPendingChanges reports whether path or any descendant carries an
// unsaved change in this session.
func (s *Session) HasPendingChanges(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.pending {
		if p == path || store.IsDescendant(p, path) {
			return true
		}
	}
	return false
}

// PrivilegeCache maps paths to effective privilege sets for one session.
type PrivilegeCache struct {
	cache *lru.Cache[string, privilege.Set]
}

func NewPrivilegeCache(size int) *PrivilegeCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, privilege.Set](size)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &PrivilegeCache{cache: cache}
}

func (c *PrivilegeCache) Get(path string) (privilege.Set, bool) {
	set, ok := c.cache.Get(path)
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}

func (c *PrivilegeCache) Put(path string, set privilege.Set) {
	c.cache.Add(path, set.Clone())
}

// InvalidateUnder drops the entries for path and everything below it.
func (c *PrivilegeCache) InvalidateUnder(path string) {
	for _, key := range c.cache.Keys() {
		if key == path || store.IsDescendant(key, path) {
			c.cache.Remove(key)
		}
	}
}

func (c *PrivilegeCache) Purge() {
	c.cache.Purge()
}

func (c *PrivilegeCache) Len() int {
	return c.cache.Len()
}

// Registry tracks the live sessions of this process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Sessions returns the live sessions of a workspace.
func (r *Registry) Sessions(workspace string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Workspace == workspace {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// InvalidatePrivileges drops cached privileges at or below path in every
// live session of the workspace.
func (r *Registry) InvalidatePrivileges(workspace, path string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Workspace == workspace {
			s.privileges.InvalidateUnder(path)
		}
	}
}

// KindFor classifies a principal from the configured admin and service
// principal lists. An empty user or "anonymous" is a guest.
func KindFor(userID string, admins, services []string) Kind {
	switch {
	case userID == "" || strings.EqualFold(userID, "anonymous") || strings.EqualFold(userID, "guest"):
		return KindGuest
	case contains(admins, userID):
		return KindAdmin
	case contains(services, userID):
		return KindService
	default:
		return KindUser
	}
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

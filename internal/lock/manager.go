// Package lock grants and releases pessimistic locks on lockable nodes.
// Each session works through its own Manager, which tracks the lock tokens
// the session holds.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/mintjamsinc/cms0-sub002/internal/util"
	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedOperation = errors.New("node is not lockable")
	ErrInvalidState         = errors.New("node has pending changes")
	ErrLockConflict         = errors.New("lock conflict")
	ErrNotLockOwner         = errors.New("lock token not held")
	ErrNotLocked            = errors.New("node is not locked")
)

// Store reads nodes and lock rows.
type Store interface {
	NodeByPath(ctx context.Context, workspace, path string) (store.Node, error)
	LocksOnPaths(ctx context.Context, workspace string, paths []string) ([]store.Lock, error)
	DescendantLocks(ctx context.Context, workspace, path string) ([]store.Lock, error)
	LocksByPrincipal(ctx context.Context, workspace, principal string) ([]store.Lock, error)
	LocksBySession(ctx context.Context, workspace, sessionID string) ([]store.Lock, error)
}

// Tx is the slice of an item-store transaction lock bookkeeping writes
// through.
type Tx interface {
	InsertLock(ctx context.Context, l store.Lock) error
	DeleteLock(ctx context.Context, itemID string) (int64, error)
	TouchLock(ctx context.Context, itemID string, at time.Time) (int64, error)
	SetProperty(ctx context.Context, nodeID string, prop store.Property) error
	RemoveProperty(ctx context.Context, nodeID, name string) error
	AppendJournal(ctx context.Context, e store.JournalEntry) error
}

// TxRunner commits fn as the system principal, independent of the caller's
// own unsaved changes.
type TxRunner interface {
	RunSystemTx(ctx context.Context, workspace string, fn func(Tx) error) error
}

// PrivilegeChecker fails with acl.ErrAccessDenied when a privilege is
// missing.
type PrivilegeChecker interface {
	CheckPrivileges(ctx context.Context, sess *session.Session, path string, required ...string) error
}

type Deps struct {
	Store      Store
	Tx         TxRunner
	Privileges PrivilegeChecker
	Log        zerolog.Logger
	Now        func() time.Time
}

// Manager is one session's view of the lock table.
type Manager struct {
	sess *session.Session
	deps Deps
	log  zerolog.Logger

	mu     sync.Mutex
	tokens map[string]struct{}
}

// Open creates the lock manager of sess and seeds it with the tokens of
// every open-scoped lock the principal owns.
func Open(ctx context.Context, sess *session.Session, deps Deps) (*Manager, error) {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	m := &Manager{
		sess:   sess,
		deps:   deps,
		log:    deps.Log.With().Str("component", "lock").Str("session", sess.ID).Logger(),
		tokens: make(map[string]struct{}),
	}
	owned, err := deps.Store.LocksByPrincipal(ctx, sess.Workspace, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("seed lock tokens: %w", err)
	}
	for _, l := range owned {
		m.tokens[l.Token] = struct{}{}
	}
	return m, nil
}

// Options describe a lock request.
type Options struct {
	Deep          bool
	SessionScoped bool
	OwnerInfo     string
	TimeoutHint   int64
}

// Lock locks the node at path.
func (m *Manager) Lock(ctx context.Context, path string, opts Options) (store.Lock, error) {
	node, err := m.lockableNode(ctx, path)
	if err != nil {
		return store.Lock{}, err
	}
	if err := m.deps.Privileges.CheckPrivileges(ctx, m.sess, path, privilege.LockManagement); err != nil {
		return store.Lock{}, err
	}
	if m.sess.HasPendingChanges(path) {
		return store.Lock{}, fmt.Errorf("lock %s: %w", path, ErrInvalidState)
	}
	if current, ok, err := m.effectiveLock(ctx, path); err != nil {
		return store.Lock{}, err
	} else if ok {
		return store.Lock{}, fmt.Errorf("%w: %s is already locked by %s at %s", ErrLockConflict, path, current.Principal, current.Path)
	}
	if opts.Deep {
		below, err := m.deps.Store.DescendantLocks(ctx, m.sess.Workspace, path)
		if err != nil {
			return store.Lock{}, fmt.Errorf("lock %s: %w", path, err)
		}
		for _, l := range below {
			if !m.holds(l.Token) {
				return store.Lock{}, fmt.Errorf("%w: descendant %s is locked by %s", ErrLockConflict, l.Path, l.Principal)
			}
		}
	}

	l := store.Lock{
		Workspace:   m.sess.Workspace,
		ItemID:      node.ID,
		Path:        node.Path,
		Token:       util.NewLockToken(),
		Principal:   m.sess.UserID,
		OwnerInfo:   opts.OwnerInfo,
		IsDeep:      opts.Deep,
		TimeoutHint: opts.TimeoutHint,
		CreatedAt:   m.deps.Now(),
	}
	if opts.SessionScoped {
		l.SessionID = m.sess.ID
	}
	err = m.deps.Tx.RunSystemTx(ctx, m.sess.Workspace, func(tx Tx) error {
		if err := tx.InsertLock(ctx, l); err != nil {
			if errors.Is(err, store.ErrAlreadyLocked) {
				return fmt.Errorf("%w: %s is already locked", ErrLockConflict, path)
			}
			return err
		}
		if err := tx.SetProperty(ctx, node.ID, store.Property{
			Name: store.PropLockOwner, Type: store.ValueString, Values: []string{m.sess.UserID},
		}); err != nil {
			return err
		}
		if err := tx.SetProperty(ctx, node.ID, store.Property{
			Name: store.PropLockIsDeep, Type: store.ValueBoolean, Values: []string{fmt.Sprint(opts.Deep)},
		}); err != nil {
			return err
		}
		return tx.AppendJournal(ctx, entry(store.EventLocked, node, m.sess.UserID))
	})
	if err != nil {
		return store.Lock{}, fmt.Errorf("lock %s: %w", path, err)
	}
	m.AddLockToken(l.Token)
	m.log.Debug().Str("path", path).Bool("deep", opts.Deep).Bool("session_scoped", opts.SessionScoped).Msg("locked")
	return l, nil
}

// Unlock releases the lock rooted at path. The session must hold the lock's
// token.
func (m *Manager) Unlock(ctx context.Context, path string) error {
	node, err := m.lockableNode(ctx, path)
	if err != nil {
		return err
	}
	if err := m.deps.Privileges.CheckPrivileges(ctx, m.sess, path, privilege.LockManagement); err != nil {
		return err
	}
	if m.sess.HasPendingChanges(path) {
		return fmt.Errorf("unlock %s: %w", path, ErrInvalidState)
	}
	l, ok, err := m.rootedLock(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unlock %s: %w", path, ErrNotLocked)
	}
	if !m.holds(l.Token) {
		return fmt.Errorf("unlock %s: %w", path, ErrNotLockOwner)
	}
	if err := m.deps.Tx.RunSystemTx(ctx, m.sess.Workspace, func(tx Tx) error {
		return release(ctx, tx, node, m.sess.UserID)
	}); err != nil {
		return fmt.Errorf("unlock %s: %w", path, err)
	}
	m.RemoveLockToken(l.Token)
	m.log.Debug().Str("path", path).Msg("unlocked")
	return nil
}

func release(ctx context.Context, tx Tx, node store.Node, principal string) error {
	n, err := tx.DeleteLock(ctx, node.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotLocked
	}
	if err := tx.RemoveProperty(ctx, node.ID, store.PropLockOwner); err != nil {
		return err
	}
	if err := tx.RemoveProperty(ctx, node.ID, store.PropLockIsDeep); err != nil {
		return err
	}
	return tx.AppendJournal(ctx, entry(store.EventUnlocked, node, principal))
}

// Refresh resets the creation time of the lock that applies to path.
func (m *Manager) Refresh(ctx context.Context, path string) (store.Lock, error) {
	l, ok, err := m.effectiveLock(ctx, path)
	if err != nil {
		return store.Lock{}, err
	}
	if !ok {
		return store.Lock{}, fmt.Errorf("refresh %s: %w", path, ErrNotLocked)
	}
	if !m.holds(l.Token) {
		return store.Lock{}, fmt.Errorf("refresh %s: %w", path, ErrNotLockOwner)
	}
	node, err := m.deps.Store.NodeByPath(ctx, m.sess.Workspace, l.Path)
	if err != nil {
		return store.Lock{}, fmt.Errorf("refresh %s: %w", path, err)
	}
	at := m.deps.Now()
	err = m.deps.Tx.RunSystemTx(ctx, m.sess.Workspace, func(tx Tx) error {
		n, err := tx.TouchLock(ctx, l.ItemID, at)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotLocked
		}
		return tx.AppendJournal(ctx, entry(store.EventLockRefreshed, node, m.sess.UserID))
	})
	if err != nil {
		return store.Lock{}, fmt.Errorf("refresh %s: %w", path, err)
	}
	l.CreatedAt = at
	return l, nil
}

// ReleaseSessionScoped removes every session-scoped lock the session
// created. It runs when the session logs out.
func (m *Manager) ReleaseSessionScoped(ctx context.Context) error {
	scoped, err := m.deps.Store.LocksBySession(ctx, m.sess.Workspace, m.sess.ID)
	if err != nil {
		return fmt.Errorf("release session locks: %w", err)
	}
	if len(scoped) == 0 {
		return nil
	}
	nodes := make([]store.Node, 0, len(scoped))
	for _, l := range scoped {
		node, err := m.deps.Store.NodeByPath(ctx, m.sess.Workspace, l.Path)
		if err != nil {
			return fmt.Errorf("release session lock %s: %w", l.Path, err)
		}
		nodes = append(nodes, node)
	}
	err = m.deps.Tx.RunSystemTx(ctx, m.sess.Workspace, func(tx Tx) error {
		for _, node := range nodes {
			if err := release(ctx, tx, node, m.sess.UserID); err != nil && !errors.Is(err, ErrNotLocked) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release session locks: %w", err)
	}
	for _, l := range scoped {
		m.RemoveLockToken(l.Token)
	}
	m.log.Debug().Int("count", len(scoped)).Msg("released session-scoped locks")
	return nil
}

// GetLock returns the lock that applies to path, either rooted there or
// inherited from a deep lock above. The token is only disclosed to a
// session that holds it.
func (m *Manager) GetLock(ctx context.Context, path string) (store.Lock, error) {
	l, ok, err := m.effectiveLock(ctx, path)
	if err != nil {
		return store.Lock{}, err
	}
	if !ok {
		return store.Lock{}, fmt.Errorf("get lock %s: %w", path, ErrNotLocked)
	}
	if !m.holds(l.Token) {
		l.Token = ""
	}
	return l, nil
}

// IsLocked reports whether path is locked directly or by a deep ancestor.
func (m *Manager) IsLocked(ctx context.Context, path string) (bool, error) {
	_, ok, err := m.effectiveLock(ctx, path)
	return ok, err
}

// HoldsLock reports whether a lock is rooted exactly at path. Inherited
// deep locks do not count.
func (m *Manager) HoldsLock(ctx context.Context, path string) (bool, error) {
	_, ok, err := m.rootedLock(ctx, path)
	return ok, err
}

// LockTokens returns the tokens the session holds, sorted.
func (m *Manager) LockTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tokens := make([]string, 0, len(m.tokens))
	for token := range m.tokens {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

func (m *Manager) AddLockToken(token string) {
	if token == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = struct{}{}
}

func (m *Manager) RemoveLockToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// Close forgets the held tokens. Lock rows stay until explicitly unlocked.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]struct{})
}

func (m *Manager) holds(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[token]
	return ok
}

func (m *Manager) lockableNode(ctx context.Context, path string) (store.Node, error) {
	node, err := m.deps.Store.NodeByPath(ctx, m.sess.Workspace, path)
	if err != nil {
		return store.Node{}, fmt.Errorf("lock %s: %w", path, err)
	}
	if !node.HasMixin(store.MixinLockable) {
		return store.Node{}, fmt.Errorf("%w: %s", ErrUnsupportedOperation, path)
	}
	return node, nil
}

// effectiveLock finds the lock rooted at path or the nearest deep lock on
// an ancestor.
func (m *Manager) effectiveLock(ctx context.Context, path string) (store.Lock, bool, error) {
	locks, err := m.deps.Store.LocksOnPaths(ctx, m.sess.Workspace, store.AncestorPaths(path))
	if err != nil {
		return store.Lock{}, false, fmt.Errorf("find lock %s: %w", path, err)
	}
	var best store.Lock
	found := false
	for _, l := range locks {
		if l.Path != path && !l.IsDeep {
			continue
		}
		if !found || len(l.Path) > len(best.Path) {
			best, found = l, true
		}
	}
	return best, found, nil
}

func (m *Manager) rootedLock(ctx context.Context, path string) (store.Lock, bool, error) {
	locks, err := m.deps.Store.LocksOnPaths(ctx, m.sess.Workspace, []string{path})
	if err != nil {
		return store.Lock{}, false, fmt.Errorf("find lock %s: %w", path, err)
	}
	for _, l := range locks {
		if l.Path == path {
			return l, true, nil
		}
	}
	return store.Lock{}, false, nil
}

func entry(eventType store.EventType, node store.Node, principal string) store.JournalEntry {
	return store.JournalEntry{
		Type:        eventType,
		ItemID:      node.ID,
		ItemPath:    node.Path,
		ParentID:    node.ParentID,
		PrimaryType: node.PrimaryType,
		Principal:   principal,
	}
}

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mintjamsinc/cms0-sub002/internal/acl"
	"github.com/mintjamsinc/cms0-sub002/internal/lock"
	"github.com/mintjamsinc/cms0-sub002/internal/query"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

type LockInput struct {
	Path          string `json:"path"`
	Deep          bool   `json:"deep"`
	SessionScoped bool   `json:"sessionScoped"`
	OwnerInfo     string `json:"ownerInfo"`
	TimeoutHint   int64  `json:"timeoutHint"`
}

type LockView struct {
	Path          string `json:"path"`
	Owner         string `json:"owner"`
	OwnerInfo     string `json:"ownerInfo,omitempty"`
	Token         string `json:"token,omitempty"`
	Deep          bool   `json:"deep"`
	SessionScoped bool   `json:"sessionScoped"`
	TimeoutHint   int64  `json:"timeoutHint,omitempty"`
	// Inherited is set when the lock is rooted at an ancestor.
	Inherited bool      `json:"inherited"`
	CreatedAt time.Time `json:"createdAt"`
}

func lockView(l store.Lock, path string) LockView {
	return LockView{
		Path:          l.Path,
		Owner:         l.Principal,
		OwnerInfo:     l.OwnerInfo,
		Token:         l.Token,
		Deep:          l.IsDeep,
		SessionScoped: l.SessionScoped(),
		TimeoutHint:   l.TimeoutHint,
		Inherited:     l.Path != path,
		CreatedAt:     l.CreatedAt.UTC(),
	}
}

func (s *Service) Lock(ctx context.Context, sess *session.Session, input LockInput) (LockView, error) {
	path, err := cleanPath(input.Path)
	if err != nil {
		return LockView{}, err
	}
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return LockView{}, err
	}
	l, err := m.Lock(ctx, path, lock.Options{
		Deep:          input.Deep,
		SessionScoped: input.SessionScoped,
		OwnerInfo:     strings.TrimSpace(input.OwnerInfo),
		TimeoutHint:   input.TimeoutHint,
	})
	if err != nil {
		return LockView{}, err
	}
	return lockView(l, path), nil
}

func (s *Service) Unlock(ctx context.Context, sess *session.Session, path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return err
	}
	return m.Unlock(ctx, path)
}

func (s *Service) RefreshLock(ctx context.Context, sess *session.Session, path string) (LockView, error) {
	path, err := cleanPath(path)
	if err != nil {
		return LockView{}, err
	}
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return LockView{}, err
	}
	l, err := m.Refresh(ctx, path)
	if err != nil {
		return LockView{}, err
	}
	return lockView(l, path), nil
}

// LockInfo describes the lock that applies to path. The token is only
// returned to a session holding it.
func (s *Service) LockInfo(ctx context.Context, sess *session.Session, path string) (LockView, error) {
	path, err := cleanPath(path)
	if err != nil {
		return LockView{}, err
	}
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return LockView{}, err
	}
	l, err := m.GetLock(ctx, path)
	if err != nil {
		return LockView{}, err
	}
	return lockView(l, path), nil
}

func (s *Service) HoldsLock(ctx context.Context, sess *session.Session, path string) (bool, error) {
	path, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return false, err
	}
	return m.HoldsLock(ctx, path)
}

func (s *Service) LockTokens(ctx context.Context, sess *session.Session) ([]string, error) {
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return nil, err
	}
	return m.LockTokens(), nil
}

// AddLockToken hands a token obtained elsewhere to this session.
func (s *Service) AddLockToken(ctx context.Context, sess *session.Session, token string) error {
	if strings.TrimSpace(token) == "" {
		return validationError("token is required")
	}
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return err
	}
	m.AddLockToken(strings.TrimSpace(token))
	return nil
}

func (s *Service) RemoveLockToken(ctx context.Context, sess *session.Session, token string) error {
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return err
	}
	m.RemoveLockToken(token)
	return nil
}

type ACEView struct {
	Principal  string   `json:"principal"`
	Group      bool     `json:"group"`
	Allow      bool     `json:"allow"`
	Privileges []string `json:"privileges"`
}

type PolicyView struct {
	Path    string    `json:"path"`
	Entries []ACEView `json:"entries"`
}

func (s *Service) GetPolicy(ctx context.Context, sess *session.Session, path string) (PolicyView, error) {
	path, err := cleanPath(path)
	if err != nil {
		return PolicyView{}, err
	}
	policy, err := s.policies.GetPolicy(ctx, sess, path)
	if err != nil {
		return PolicyView{}, err
	}
	view := PolicyView{Path: path, Entries: make([]ACEView, 0, len(policy.Entries))}
	for _, ace := range policy.Entries {
		view.Entries = append(view.Entries, ACEView{
			Principal: ace.Principal, Group: ace.IsGroup, Allow: ace.Allow, Privileges: ace.Privileges,
		})
	}
	return view, nil
}

func (s *Service) SetPolicy(ctx context.Context, sess *session.Session, policy PolicyView) error {
	path, err := cleanPath(policy.Path)
	if err != nil {
		return err
	}
	entries := make([]store.ACE, 0, len(policy.Entries))
	for _, e := range policy.Entries {
		entries = append(entries, store.ACE{
			Principal: strings.TrimSpace(e.Principal), IsGroup: e.Group, Allow: e.Allow, Privileges: e.Privileges,
		})
	}
	return s.policies.SetPolicy(ctx, sess, path, entries)
}

func (s *Service) RemovePolicy(ctx context.Context, sess *session.Session, path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	return s.policies.RemovePolicy(ctx, sess, path)
}

// EffectivePrivileges lists the privileges sess holds at path.
func (s *Service) EffectivePrivileges(ctx context.Context, sess *session.Session, path string) ([]string, error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	set, err := s.evaluator.EffectivePrivileges(ctx, sess, path)
	if err != nil {
		return nil, err
	}
	return s.evaluator.Lattice().Ordered(set), nil
}

func (s *Service) HasPrivileges(ctx context.Context, sess *session.Session, path string, names []string) (bool, error) {
	path, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	if len(names) == 0 {
		return false, validationError("privileges are required")
	}
	return s.evaluator.HasPrivileges(ctx, sess, path, names...)
}

type QueryInput struct {
	Text   string
	Scope  string
	Offset int
	Limit  int
}

type QueryRow struct {
	Node  NodeView `json:"node"`
	Score float64  `json:"score"`
}

type QueryResult struct {
	Rows []QueryRow `json:"rows"`
	// Size and HasMore reflect the index, which trails the tree.
	Size    int  `json:"size"`
	HasMore bool `json:"hasMore"`
}

func (s *Service) Query(ctx context.Context, sess *session.Session, input QueryInput) (QueryResult, error) {
	if strings.TrimSpace(input.Text) == "" {
		return QueryResult{}, validationError("query text is required")
	}
	if input.Scope != "" {
		scope, err := cleanPath(input.Scope)
		if err != nil {
			return QueryResult{}, err
		}
		input.Scope = scope
	}
	result, err := s.executor.Execute(ctx, sess, query.Statement{Text: input.Text, Scope: input.Scope}, input.Offset, input.Limit)
	if err != nil {
		return QueryResult{}, err
	}
	out := QueryResult{Rows: []QueryRow{}}
	for {
		row, ok, err := result.Next(ctx)
		if err != nil {
			return QueryResult{}, fmt.Errorf("read query result: %w", err)
		}
		if !ok {
			break
		}
		out.Rows = append(out.Rows, QueryRow{Node: nodeView(row.Node, nil), Score: row.Score})
	}
	out.Size = result.Size()
	out.HasMore = input.Offset+len(out.Rows) < out.Size
	return out, nil
}

func (s *Service) Suggest(ctx context.Context, sess *session.Session, prefix string, limit int) ([]string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return []string{}, nil
	}
	terms, err := s.index.Suggest(ctx, sess.Workspace, prefix, acl.Authorizables(sess), limit)
	if err != nil {
		return nil, err
	}
	if terms == nil {
		terms = []string{}
	}
	return terms, nil
}

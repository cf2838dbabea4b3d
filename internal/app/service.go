package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mintjamsinc/cms0-sub002/internal/acl"
	"github.com/mintjamsinc/cms0-sub002/internal/auth"
	"github.com/mintjamsinc/cms0-sub002/internal/authpw"
	"github.com/mintjamsinc/cms0-sub002/internal/blob"
	"github.com/mintjamsinc/cms0-sub002/internal/config"
	"github.com/mintjamsinc/cms0-sub002/internal/lock"
	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/query"
	"github.com/mintjamsinc/cms0-sub002/internal/search"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/mintjamsinc/cms0-sub002/internal/util"
)

// itemStore is the part of the Postgres item store the service uses.
type itemStore interface {
	Ping(ctx context.Context) error
	NodeByPath(ctx context.Context, workspace, path string) (store.Node, error)
	NodesByIDs(ctx context.Context, workspace string, ids []string) (map[string]store.Node, error)
	Children(ctx context.Context, workspace, parentID string) ([]store.Node, error)
	Properties(ctx context.Context, workspace, nodeID string) ([]store.Property, error)
	Policies(ctx context.Context, workspace string, paths []string) ([]store.Policy, error)
	LocksOnPaths(ctx context.Context, workspace string, paths []string) ([]store.Lock, error)
	DescendantLocks(ctx context.Context, workspace, path string) ([]store.Lock, error)
	LocksByPrincipal(ctx context.Context, workspace, principal string) ([]store.Lock, error)
	LocksBySession(ctx context.Context, workspace, sessionID string) ([]store.Lock, error)
	SessionScopedLocks(ctx context.Context, workspace string) ([]store.Lock, error)
	authpw.PrincipalStore
	WithTx(ctx context.Context, workspace, principal string, fn func(*store.Tx) error) (string, error)
}

type sessionStore interface {
	Save(ctx context.Context, record session.Record, ttl time.Duration) error
	Lookup(ctx context.Context, id string) (session.Record, error)
	Revoke(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Query(ctx context.Context, req search.Request) (search.Page, error)
	Suggest(ctx context.Context, workspace, prefix string, authorized []string, limit int) ([]string, error)
}

type blobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (blob.Info, error)
	Remove(ctx context.Context, key string) error
}

type Deps struct {
	Store    *store.PostgresStore
	Sessions *session.RedisStore
	Search   *search.Service
	// Blobs is optional; without it binary values are stored inline.
	Blobs    *blob.MinioStore
	Registry *session.Registry
	Log      zerolog.Logger
}

// Service is the repository facade: sessions, node mutations guarded by
// privilege and lock checks, locks, access control and queries.
type Service struct {
	cfg       config.Config
	store     itemStore
	sessions  sessionStore
	index     searchIndex
	blobs     blobStore
	registry  *session.Registry
	evaluator *acl.Evaluator
	policies  *acl.Manager
	executor  *query.Executor
	passwords *authpw.Service
	signer    *auth.Signer
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*lock.Manager
}

func New(cfg config.Config, deps Deps) *Service {
	var blobs blobStore
	if deps.Blobs != nil {
		blobs = deps.Blobs
	}
	return newService(cfg, deps.Store, deps.Sessions, deps.Search, blobs, deps.Registry, deps.Log)
}

func newService(cfg config.Config, items itemStore, sessions sessionStore, index searchIndex, blobs blobStore, registry *session.Registry, log zerolog.Logger) *Service {
	if registry == nil {
		registry = session.NewRegistry()
	}
	log = log.With().Str("component", "repository").Logger()
	evaluator := acl.NewEvaluator(privilege.Default(), items, publicAccess(cfg.PublicAccess), log)
	s := &Service{
		cfg:       cfg,
		store:     items,
		sessions:  sessions,
		index:     index,
		blobs:     blobs,
		registry:  registry,
		evaluator: evaluator,
		passwords: authpw.NewService(items),
		signer:    auth.NewSigner(cfg.SessionSecret),
		log:       log,
		locks:     make(map[string]*lock.Manager),
	}
	s.policies = acl.NewManager(evaluator, txRunner{items}, registry)
	s.executor = query.NewExecutor(index, items, query.Options{
		NodeCacheSize: cfg.NodeCacheSize,
		DefaultLimit:  cfg.QueryLimit,
	}, log)
	return s
}

func publicAccess(filters []config.PublicAccess) []acl.PublicAccess {
	out := make([]acl.PublicAccess, 0, len(filters))
	for _, f := range filters {
		out = append(out, acl.PublicAccess{Path: f.Path, User: f.User})
	}
	return out
}

// Evaluator exposes the access control evaluator for the index synchronizer.
func (s *Service) Evaluator() *acl.Evaluator {
	return s.evaluator
}

func (s *Service) Registry() *session.Registry {
	return s.registry
}

func (s *Service) Passwords() *authpw.Service {
	return s.passwords
}

// txRunner adapts the item store to the transaction shapes of the acl and
// lock packages.
type txRunner struct {
	store itemStore
}

func (r txRunner) RunPolicyTx(ctx context.Context, workspace, principal string, fn func(acl.PolicyTx) error) error {
	_, err := r.store.WithTx(ctx, workspace, principal, func(tx *store.Tx) error { return fn(tx) })
	return err
}

func (r txRunner) RunSystemTx(ctx context.Context, workspace string, fn func(lock.Tx) error) error {
	_, err := r.store.WithTx(ctx, workspace, session.SystemUser, func(tx *store.Tx) error { return fn(tx) })
	return err
}

// Ping checks the item store and the session store.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.sessions.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

type LoginResult struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Workspace string    `json:"workspace"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Service) Login(ctx context.Context, workspace, name, password string) (LoginResult, error) {
	workspace = strings.TrimSpace(workspace)
	if workspace == "" {
		workspace = s.defaultWorkspace()
	}
	if !s.knownWorkspace(workspace) {
		return LoginResult{}, validationError("unknown workspace " + workspace)
	}
	principal, groups, err := s.passwords.Authenticate(ctx, name, password)
	if err != nil {
		return LoginResult{}, err
	}
	kind := session.KindFor(principal.Name, s.cfg.AdminPrincipals, s.cfg.ServicePrincipals)
	sess := session.New(workspace, principal.Name, groups, kind, s.cfg.NodeCacheSize)
	locks, err := s.openLocks(ctx, sess)
	if err != nil {
		return LoginResult{}, err
	}

	ttl := s.sessionTTL()
	if err := s.sessions.Save(ctx, session.RecordOf(sess), ttl); err != nil {
		return LoginResult{}, err
	}
	expires := time.Now().Add(ttl)
	token, err := s.signer.Issue(auth.Claims{
		Sub:       sess.ID,
		Name:      sess.UserID,
		Workspace: sess.Workspace,
		JTI:       util.NewID("jti"),
		Exp:       expires.Unix(),
	})
	if err != nil {
		return LoginResult{}, err
	}
	s.adoptLocks(sess.ID, locks)
	s.registry.Add(sess)
	s.log.Info().Str("user", sess.UserID).Str("workspace", workspace).Str("kind", string(kind)).Msg("session opened")
	return LoginResult{
		Token:     token,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Workspace: sess.Workspace,
		Kind:      string(sess.Kind),
		ExpiresAt: expires.UTC(),
	}, nil
}

// SessionFromToken resolves a bearer token to its live session, restoring
// it from Redis after a restart.
func (s *Service) SessionFromToken(ctx context.Context, token string) (*session.Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return nil, err
	}
	if sess, ok := s.registry.Get(claims.Sub); ok {
		return sess, nil
	}
	record, err := s.sessions.Lookup(ctx, claims.Sub)
	if err != nil {
		return nil, err
	}
	if record.UserID != claims.Name || record.Workspace != claims.Workspace {
		return nil, auth.ErrInvalidToken
	}
	sess := record.Restore(s.cfg.NodeCacheSize)
	locks, err := s.openLocks(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.adoptLocks(sess.ID, locks)
	s.registry.Add(sess)
	return sess, nil
}

// Logout releases the session's session-scoped locks and forgets the
// session. Open-scoped locks stay in place.
func (s *Service) Logout(ctx context.Context, sess *session.Session) error {
	var releaseErr error
	if m, err := s.lockManager(ctx, sess); err == nil {
		releaseErr = m.ReleaseSessionScoped(ctx)
	}
	s.forget(sess)
	if err := s.sessions.Revoke(ctx, sess.ID); err != nil {
		return errors.Join(releaseErr, err)
	}
	return releaseErr
}

// forget drops the in-memory state of a session.
func (s *Service) forget(sess *session.Session) {
	s.mu.Lock()
	m, ok := s.locks[sess.ID]
	delete(s.locks, sess.ID)
	s.mu.Unlock()
	if ok {
		m.Close()
	}
	s.registry.Remove(sess.ID)
	sess.PrivilegeCache().Purge()
}

// SweepSessions evicts registered sessions whose Redis record has expired
// and releases the session-scoped locks of every session without a record,
// including sessions of an earlier process.
func (s *Service) SweepSessions(ctx context.Context) error {
	var errs []error
	for _, ws := range s.workspaces() {
		for _, sess := range s.registry.Sessions(ws) {
			alive, err := s.sessionAlive(ctx, sess.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !alive {
				s.forget(sess)
				s.log.Info().Str("session", sess.ID).Str("user", sess.UserID).Msg("expired session evicted")
			}
		}

		scoped, err := s.store.SessionScopedLocks(ctx, ws)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		owners := make(map[string]string)
		var order []string
		for _, l := range scoped {
			if _, ok := owners[l.SessionID]; !ok {
				owners[l.SessionID] = l.Principal
				order = append(order, l.SessionID)
			}
		}
		for _, id := range order {
			alive, err := s.sessionAlive(ctx, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if alive {
				continue
			}
			expired := session.Record{ID: id, Workspace: ws, UserID: owners[id], Kind: session.KindUser}.Restore(s.cfg.NodeCacheSize)
			m, err := s.openLocks(ctx, expired)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := m.ReleaseSessionScoped(ctx); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
				continue
			}
			s.log.Info().Str("session", id).Str("user", owners[id]).Msg("released locks of expired session")
		}
	}
	return errors.Join(errs...)
}

// RunSessionSweeper sweeps expired sessions now and then every interval
// until ctx is done.
func (s *Service) RunSessionSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := s.SweepSessions(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("session sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) sessionAlive(ctx context.Context, id string) (bool, error) {
	_, err := s.sessions.Lookup(ctx, id)
	if errors.Is(err, session.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) workspaces() []string {
	if len(s.cfg.Workspaces) == 0 {
		return []string{"default"}
	}
	return s.cfg.Workspaces
}

func (s *Service) defaultWorkspace() string {
	if len(s.cfg.Workspaces) == 0 {
		return "default"
	}
	return s.cfg.Workspaces[0]
}

func (s *Service) knownWorkspace(workspace string) bool {
	if len(s.cfg.Workspaces) == 0 {
		return workspace == "default"
	}
	for _, ws := range s.cfg.Workspaces {
		if ws == workspace {
			return true
		}
	}
	return false
}

func (s *Service) sessionTTL() time.Duration {
	if s.cfg.SessionTTL <= 0 {
		return 12 * time.Hour
	}
	return s.cfg.SessionTTL
}

// openLocks creates a lock manager for sess seeded with the principal's
// open-scoped lock tokens. It does not register it.
func (s *Service) openLocks(ctx context.Context, sess *session.Session) (*lock.Manager, error) {
	return lock.Open(ctx, sess, lock.Deps{
		Store:      s.store,
		Tx:         txRunner{s.store},
		Privileges: s.evaluator,
		Log:        s.log,
	})
}

// adoptLocks registers m for a session unless one is registered already,
// and returns the registered manager.
func (s *Service) adoptLocks(sessionID string, m *lock.Manager) *lock.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[sessionID]; ok {
		return existing
	}
	s.locks[sessionID] = m
	return m
}

// lockManager returns the session's lock manager. Sessions opened through
// Login or SessionFromToken already have one; the seeding read of any other
// session runs outside s.mu.
func (s *Service) lockManager(ctx context.Context, sess *session.Session) (*lock.Manager, error) {
	s.mu.Lock()
	m, ok := s.locks[sess.ID]
	s.mu.Unlock()
	if ok {
		return m, nil
	}
	m, err := s.openLocks(ctx, sess)
	if err != nil {
		return nil, err
	}
	return s.adoptLocks(sess.ID, m), nil
}

package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mintjamsinc/cms0-sub002/internal/acl"
	"github.com/mintjamsinc/cms0-sub002/internal/indexsync"
	"github.com/mintjamsinc/cms0-sub002/internal/journal"
	"github.com/mintjamsinc/cms0-sub002/internal/lock"
	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/search"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/mintjamsinc/cms0-sub002/internal/util"
)

// openIntegrationService wires the service, index synchronizer and journal
// workers against Postgres, or skips when no database is configured.
func openIntegrationService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	databaseURL := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), zerolog.Nop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	workspace := util.NewID("it")
	items := store.NewPostgresStore(db)
	if err := items.EnsureWorkspace(ctx, workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	searchService := search.NewService(search.NewPgIndex(db), nil, []string{workspace}, zerolog.Nop())
	cfg := testConfig()
	cfg.Workspaces = []string{workspace}
	svc := New(cfg, Deps{
		Store:    items,
		Sessions: session.NewRedisStoreWithClient(client),
		Search:   searchService,
		Log:      zerolog.Nop(),
	})

	synchronizer := indexsync.New(indexsync.Deps{
		Store:          items,
		Policies:       svc.Evaluator(),
		Writer:         func(ws string) indexsync.Writer { return searchService.Writer(ws) },
		Invalidator:    svc.Registry(),
		Mime:           indexsync.NewDetector(),
		SuggestionKeys: []string{"jcr:title"},
	}, zerolog.Nop())
	journals := journal.NewManager(items, synchronizer, journal.Options{Retry: 20 * time.Millisecond}, zerolog.Nop())
	items.OnCommit(journals.Notify)
	if err := journals.Start(ctx, workspace); err != nil {
		t.Fatalf("start journal: %v", err)
	}
	t.Cleanup(func() { _ = journals.Close() })

	if err := svc.Passwords().Register(ctx, "admin", "administrator", nil); err != nil {
		t.Fatalf("register admin: %v", err)
	}
	if err := svc.Passwords().Register(ctx, "avery", "correct horse", []string{"editors"}); err != nil {
		t.Fatalf("register avery: %v", err)
	}
	return svc, mr
}

func loginTo(t *testing.T, svc *Service, name, password string) *session.Session {
	t.Helper()
	ctx := context.Background()
	result, err := svc.Login(ctx, svc.defaultWorkspace(), name, password)
	if err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	sess, err := svc.SessionFromToken(ctx, result.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRepositoryEndToEnd(t *testing.T) {
	svc, _ := openIntegrationService(t)
	ctx := context.Background()
	admin := loginTo(t, svc, "admin", "administrator")
	avery := loginTo(t, svc, "avery", "correct horse")

	if _, err := svc.AddNode(ctx, admin, AddNodeInput{ParentPath: "/", Name: "docs", PrimaryType: store.TypeFolder}); err != nil {
		t.Fatalf("add folder: %v", err)
	}
	if _, err := svc.PutFile(ctx, admin, FileInput{
		Path:     "/docs/report.txt",
		MimeType: "text/plain",
		Body:     strings.NewReader("quarterly report"),
		Size:     int64(len("quarterly report")),
	}); err != nil {
		t.Fatalf("put file: %v", err)
	}

	if _, err := svc.GetNode(ctx, avery, "/docs/report.txt"); !errors.Is(err, acl.ErrAccessDenied) {
		t.Fatalf("expected access denied before policy, got %v", err)
	}
	if err := svc.SetPolicy(ctx, admin, PolicyView{Path: "/docs", Entries: []ACEView{{
		Principal:  "editors",
		Group:      true,
		Allow:      true,
		Privileges: []string{privilege.Read, privilege.ModifyProperties, privilege.LockManagement},
	}}}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	node, err := svc.GetNode(ctx, avery, "/docs/report.txt")
	if err != nil {
		t.Fatalf("get file after policy: %v", err)
	}
	if node.PrimaryType != store.TypeFile {
		t.Fatalf("expected nt:file, got %s", node.PrimaryType)
	}
	if _, err := svc.AddNode(ctx, avery, AddNodeInput{ParentPath: "/docs", Name: "x", PrimaryType: store.TypeFolder}); !errors.Is(err, acl.ErrAccessDenied) {
		t.Fatalf("expected add-children denied, got %v", err)
	}

	waitFor(t, "report to become searchable by avery", func() bool {
		result, err := svc.Query(ctx, avery, QueryInput{Text: "quarterly"})
		return err == nil && len(result.Rows) == 1 && result.Rows[0].Node.Path == "/docs/report.txt"
	})

	if err := svc.AddMixin(ctx, admin, "/docs/report.txt", store.MixinLockable); err != nil {
		t.Fatalf("add lockable mixin: %v", err)
	}
	held, err := svc.Lock(ctx, admin, LockInput{Path: "/docs/report.txt"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if held.Token == "" || held.Owner != "admin" {
		t.Fatalf("unexpected lock %+v", held)
	}

	title := PropertyInput{Path: "/docs/report.txt", Name: "jcr:title", Values: []string{"Q3"}}
	if err := svc.SetProperty(ctx, avery, title); !errors.Is(err, lock.ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	if _, err := svc.Lock(ctx, avery, LockInput{Path: "/docs/report.txt"}); !errors.Is(err, lock.ErrLockConflict) {
		t.Fatalf("expected second lock to conflict, got %v", err)
	}
	info, err := svc.LockInfo(ctx, avery, "/docs/report.txt")
	if err != nil {
		t.Fatalf("lock info: %v", err)
	}
	if info.Token != "" {
		t.Fatalf("lock token disclosed to a non-holder")
	}

	if err := svc.Unlock(ctx, admin, "/docs/report.txt"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := svc.SetProperty(ctx, avery, title); err != nil {
		t.Fatalf("set property after unlock: %v", err)
	}

	keywords := PropertyInput{Path: "/docs/report.txt/jcr:content", Name: "jcr:title", Values: []string{"Quarterly numbers\nQ3 outlook"}}
	if err := svc.SetProperty(ctx, avery, keywords); err != nil {
		t.Fatalf("set content title: %v", err)
	}
	waitFor(t, "title suggestion", func() bool {
		terms, err := svc.Suggest(ctx, avery, "Q3", 10)
		return err == nil && len(terms) == 1 && terms[0] == "Q3 outlook"
	})

	if err := svc.RemoveNode(ctx, admin, "/docs"); err != nil {
		t.Fatalf("remove folder: %v", err)
	}
	waitFor(t, "removed report to leave the index", func() bool {
		result, err := svc.Query(ctx, admin, QueryInput{Text: "quarterly"})
		return err == nil && result.Size == 0
	})
}

func TestExpiredSessionLocksAreReleased(t *testing.T) {
	svc, mr := openIntegrationService(t)
	ctx := context.Background()
	admin := loginTo(t, svc, "admin", "administrator")

	if _, err := svc.AddNode(ctx, admin, AddNodeInput{ParentPath: "/", Name: "drafts", PrimaryType: store.TypeFolder}); err != nil {
		t.Fatalf("add folder: %v", err)
	}
	if err := svc.AddMixin(ctx, admin, "/drafts", store.MixinLockable); err != nil {
		t.Fatalf("add mixin: %v", err)
	}
	if _, err := svc.Lock(ctx, admin, LockInput{Path: "/drafts", SessionScoped: true}); err != nil {
		t.Fatalf("session-scoped lock: %v", err)
	}

	mr.FastForward(2 * time.Hour)
	if err := svc.SweepSessions(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, ok := svc.Registry().Get(admin.ID); ok {
		t.Fatalf("expected expired session evicted")
	}

	next := loginTo(t, svc, "admin", "administrator")
	info, err := svc.LockInfo(ctx, next, "/drafts")
	if !errors.Is(err, lock.ErrNotLocked) {
		t.Fatalf("expected lock released with its session, got %+v, %v", info, err)
	}
	if _, err := svc.Lock(ctx, next, LockInput{Path: "/drafts"}); err != nil {
		t.Fatalf("relock after sweep: %v", err)
	}
}

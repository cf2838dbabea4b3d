package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/mintjamsinc/cms0-sub002/internal/util"
	"github.com/rs/zerolog"
)

func openIntegrationIndex(t *testing.T) (*Service, *PgIndex, string) {
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
	pg := NewPgIndex(db)
	return NewService(pg, nil, []string{workspace}, zerolog.Nop()), pg, workspace
}

func doc(id, path, content string, authorized ...string) Document {
	return Document{
		ID:         id,
		Path:       path,
		Name:       path[strings.LastIndex(path, "/")+1:],
		Ancestors:  Ancestors(path),
		MimeType:   "text/plain",
		Content:    content,
		Authorized: authorized,
	}
}

func TestPgIndexRoundTrip(t *testing.T) {
	svc, pg, ws := openIntegrationIndex(t)
	ctx := context.Background()

	b := svc.Writer(ws)
	b.Update(doc("d1", "/docs/a.txt", "quarterly report", "everyone@group"))
	b.Update(doc("d2", "/docs/sub/b.txt", "quarterly budget", "alice@user"))
	b.Update(doc("d3", "/other/c.txt", "quarterly plan", "everyone@group"))
	b.UpdateSuggestion(Suggestion{ID: "d2-0", ItemID: "d2", Term: "budget", Path: "/docs/sub/b.txt",
		Ancestors: Ancestors("/docs/sub/b.txt"), Authorized: []string{"alice@user"}})
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	page, err := svc.Query(ctx, Request{Workspace: ws, Text: "quarterly", Authorized: []string{"everyone@group"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 readable hits, got %d", page.Total)
	}

	page, err = svc.Query(ctx, Request{Workspace: ws, Scope: "/docs"})
	if err != nil {
		t.Fatalf("scoped query: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 hits under /docs, got %d", page.Total)
	}

	terms, err := svc.Suggest(ctx, ws, "bud", []string{"bob@user"}, 10)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(terms) != 0 {
		t.Fatalf("expected no suggestions for bob, got %v", terms)
	}

	b = svc.Writer(ws)
	b.DeleteDescendants("/docs")
	b.DeleteDescendants("/docs")
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("delete descendants: %v", err)
	}
	docs, suggestions, err := pg.LoadAll(ctx, ws)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "d3" {
		t.Fatalf("expected only d3 to survive, got %+v", docs)
	}
	if len(suggestions) != 0 {
		t.Fatalf("expected suggestions below /docs to be gone, got %+v", suggestions)
	}
}

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestJournalMigrationUsesBlockingTriggers(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0004_journal.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"journal_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_journal_block_update",
		"CREATE TRIGGER trg_journal_block_delete",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

// openIntegrationStore returns a migrated store on a fresh workspace, or
// skips when no database is configured.
func openIntegrationStore(t *testing.T) (*PostgresStore, string) {
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
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), zerolog.Nop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewPostgresStore(db)
	workspace := "it_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_")) + "_" + time.Now().Format("150405.000000")
	if err := s.EnsureWorkspace(ctx, workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	return s, workspace
}

func TestJournalImmutabilityBlocksUpdate(t *testing.T) {
	s, workspace := openIntegrationStore(t)
	ctx := context.Background()

	txID, err := s.WithTx(ctx, workspace, "tester", func(tx *Tx) error {
		_, err := tx.AddNode(ctx, "/", "immutable", TypeFolder)
		return err
	})
	if err != nil {
		t.Fatalf("add node: %v", err)
	}

	_, err = s.DB().ExecContext(ctx, `UPDATE journal SET item_path = '/changed' WHERE transaction_id = $1`, txID)
	if err == nil {
		t.Fatal("expected UPDATE to be blocked, but it succeeded")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
	}

	_, err = s.DB().ExecContext(ctx, `DELETE FROM journal WHERE transaction_id = $1`, txID)
	if err == nil {
		t.Fatal("expected DELETE to be blocked, but it succeeded")
	}
}

func TestTransactionsJournalStructuralChanges(t *testing.T) {
	s, workspace := openIntegrationStore(t)
	ctx := context.Background()

	var committed []string
	s.OnCommit(func(ws, txID string) {
		if ws == workspace {
			committed = append(committed, txID)
		}
	})

	var file Node
	txID, err := s.WithTx(ctx, workspace, "tester", func(tx *Tx) error {
		folder, err := tx.AddNode(ctx, "/", "docs", TypeFolder)
		if err != nil {
			return err
		}
		file, err = tx.AddNode(ctx, folder.Path, "a.txt", TypeFile, MixinLockable)
		if err != nil {
			return err
		}
		content, err := tx.AddNode(ctx, file.Path, ContentName, TypeResource)
		if err != nil {
			return err
		}
		return tx.SetProperty(ctx, content.ID, Property{Name: PropMimeType, Values: []string{"text/plain"}})
	})
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	if len(committed) != 1 || committed[0] != txID {
		t.Fatalf("expected commit hook for %s, got %v", txID, committed)
	}

	entries, err := s.JournalEntries(ctx, workspace, txID)
	if err != nil {
		t.Fatalf("journal entries: %v", err)
	}
	var types []string
	for _, e := range entries {
		types = append(types, string(e.Type))
	}
	if got := strings.Join(types, ","); got != "ADDED,ADDED,ADDED,PROPERTY_ADDED" {
		t.Fatalf("unexpected journal %s", got)
	}
	if last := entries[len(entries)-1]; last.ItemPath != "/docs/a.txt/jcr:content/jcr:mimeType" || last.ParentID != file.ID {
		t.Fatalf("unexpected property entry %+v", last)
	}

	pending, err := s.PendingTransactions(ctx, workspace)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending transaction, got %v (%v)", pending, err)
	}
	if err := s.MarkConsumed(ctx, workspace, txID); err != nil {
		t.Fatalf("mark consumed: %v", err)
	}
	if pending, _ = s.PendingTransactions(ctx, workspace); len(pending) != 0 {
		t.Fatalf("expected no pending transactions, got %v", pending)
	}

	if _, err := s.WithTx(ctx, workspace, "tester", func(tx *Tx) error {
		_, err := tx.MoveNode(ctx, "/docs", "/archive")
		return err
	}); err != nil {
		t.Fatalf("move: %v", err)
	}
	moved, err := s.NodeByID(ctx, workspace, file.ID)
	if err != nil {
		t.Fatalf("load moved file: %v", err)
	}
	if moved.Path != "/archive/a.txt" {
		t.Fatalf("expected descendant path rewrite, got %s", moved.Path)
	}
}

func TestInsertLockIsMutuallyExclusive(t *testing.T) {
	s, workspace := openIntegrationStore(t)
	ctx := context.Background()

	var node Node
	if _, err := s.WithTx(ctx, workspace, "tester", func(tx *Tx) error {
		var err error
		node, err = tx.AddNode(ctx, "/", "locked", TypeFolder, MixinLockable)
		return err
	}); err != nil {
		t.Fatalf("add node: %v", err)
	}

	insert := func(token string) error {
		_, err := s.WithTx(ctx, workspace, "tester", func(tx *Tx) error {
			return tx.InsertLock(ctx, Lock{ItemID: node.ID, Token: token, Principal: "tester", CreatedAt: time.Now()})
		})
		return err
	}
	if err := insert("token-1"); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := insert("token-2"); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}

	locks, err := s.LocksOnPaths(ctx, workspace, AncestorPaths(node.Path))
	if err != nil {
		t.Fatalf("locks on paths: %v", err)
	}
	if len(locks) != 1 || locks[0].Token != "token-1" || locks[0].Path != node.Path {
		t.Fatalf("unexpected locks %+v", locks)
	}
}

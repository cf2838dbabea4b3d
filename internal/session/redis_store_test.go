package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func testRecord(id, user string) Record {
	return Record{
		ID:        id,
		Workspace: "default",
		UserID:    user,
		Groups:    []string{"editors"},
		Kind:      KindUser,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	record := testRecord("sess_1", "alice")
	if err := store.Save(ctx, record, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Lookup(ctx, "sess_1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.UserID != "alice" || got.Workspace != "default" || len(got.Groups) != 1 || got.Groups[0] != "editors" {
		t.Errorf("unexpected record %+v", got)
	}
	if !got.CreatedAt.Equal(record.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, record.CreatedAt)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("sess_short", "bob"), time.Second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.Lookup(ctx, "sess_short"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTouchExtendsLifetime(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("sess_touch", "carol"), 2*time.Second); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Touch(ctx, "sess_touch", time.Minute); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	s.FastForward(10 * time.Second)
	if _, err := store.Lookup(ctx, "sess_touch"); err != nil {
		t.Fatalf("session should survive after touch: %v", err)
	}
	if err := store.Touch(ctx, "missing", time.Minute); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for missing session, got %v", err)
	}
}

func TestRevokeSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("sess_1", "user-1"), time.Hour); err != nil {
		t.Fatalf("Save 1 failed: %v", err)
	}
	if err := store.Save(ctx, testRecord("sess_2", "user-2"), time.Hour); err != nil {
		t.Fatalf("Save 2 failed: %v", err)
	}

	if err := store.Revoke(ctx, "sess_1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "sess_1"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expected revoked session to be gone")
	}
	if got, err := store.Lookup(ctx, "sess_2"); err != nil || got.UserID != "user-2" {
		t.Errorf("other session should remain, got %+v (%v)", got, err)
	}
	if err := store.Revoke(ctx, "never-existed"); err != nil {
		t.Errorf("revoking a missing session should not error: %v", err)
	}
}

func TestRecordRestore(t *testing.T) {
	record := testRecord("sess_restore", "dave")
	s := record.Restore(16)
	if s.ID != record.ID || s.UserID != "dave" || s.PrivilegeCache() == nil {
		t.Fatalf("unexpected restored session %+v", s)
	}
	if back := RecordOf(s); back.ID != record.ID || back.Kind != KindUser {
		t.Fatalf("unexpected record %+v", back)
	}
}

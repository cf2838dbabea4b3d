package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

// mockPrincipalStore keeps principals in memory.
type mockPrincipalStore struct {
	principals map[string]store.Principal
	groups     map[string][]string
}

func newMockPrincipalStore() *mockPrincipalStore {
	return &mockPrincipalStore{
		principals: make(map[string]store.Principal),
		groups:     make(map[string][]string),
	}
}

func (m *mockPrincipalStore) Principal(_ context.Context, name string) (store.Principal, error) {
	p, ok := m.principals[name]
	if !ok {
		return store.Principal{}, store.ErrNotFound
	}
	return p, nil
}

func (m *mockPrincipalStore) PrincipalGroups(_ context.Context, name string) ([]string, error) {
	return m.groups[name], nil
}

func (m *mockPrincipalStore) UpsertPrincipal(_ context.Context, p store.Principal, groups []string) error {
	m.principals[p.Name] = p
	m.groups[p.Name] = groups
	return nil
}

func (m *mockPrincipalStore) SetPasswordHash(_ context.Context, name, hash string) error {
	p, ok := m.principals[name]
	if !ok {
		return store.ErrNotFound
	}
	p.PasswordHash = hash
	m.principals[name] = p
	return nil
}

func newTestService() (*Service, *mockPrincipalStore) {
	principals := newMockPrincipalStore()
	svc := NewService(principals)
	svc.cost = bcrypt.MinCost
	return svc, principals
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if err := svc.Register(ctx, "alice", "correct-horse", []string{"editors"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	p, groups, err := svc.Authenticate(ctx, "alice", "correct-horse")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.Name != "alice" || len(groups) != 1 || groups[0] != "editors" {
		t.Fatalf("unexpected principal %+v groups %v", p, groups)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	svc, principals := newTestService()
	ctx := context.Background()
	if err := svc.Register(ctx, "alice", "correct-horse", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	principals.principals["editors"] = store.Principal{Name: "editors", IsGroup: true}

	cases := []struct {
		name, user, password string
	}{
		{"wrong password", "alice", "wrong-horse"},
		{"unknown principal", "bob", "correct-horse"},
		{"empty password", "alice", ""},
		{"group", "editors", "correct-horse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := svc.Authenticate(ctx, tc.user, tc.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	svc, principals := newTestService()
	ctx := context.Background()
	if err := svc.Register(ctx, "alice", "correct-horse", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	p := principals.principals["alice"]
	p.Disabled = true
	principals.principals["alice"] = p

	if _, _, err := svc.Authenticate(ctx, "alice", "correct-horse"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestSetPassword(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if err := svc.Register(ctx, "alice", "correct-horse", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := svc.SetPassword(ctx, "alice", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := svc.SetPassword(ctx, "alice", "battery-staple"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, "alice", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, _, err := svc.Authenticate(ctx, "alice", "battery-staple"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	if err := svc.SetPassword(ctx, "nobody", "battery-staple"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

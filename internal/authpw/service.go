// Package authpw authenticates repository principals by password.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

const minPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid principal or password")
	ErrDisabled           = errors.New("principal disabled")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

type PrincipalStore interface {
	Principal(ctx context.Context, name string) (store.Principal, error)
	PrincipalGroups(ctx context.Context, name string) ([]string, error)
	UpsertPrincipal(ctx context.Context, p store.Principal, groups []string) error
	SetPasswordHash(ctx context.Context, name, hash string) error
}

type Service struct {
	store PrincipalStore
	cost  int
}

func NewService(principals PrincipalStore) *Service {
	return &Service{store: principals, cost: bcrypt.DefaultCost}
}

// Authenticate verifies the password and returns the principal with its
// group memberships. Unknown names and wrong passwords are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, name, password string) (store.Principal, []string, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return store.Principal{}, nil, ErrInvalidCredentials
	}
	p, err := s.store.Principal(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.Principal{}, nil, ErrInvalidCredentials
	}
	if err != nil {
		return store.Principal{}, nil, fmt.Errorf("load principal: %w", err)
	}
	if p.IsGroup || p.PasswordHash == "" {
		return store.Principal{}, nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return store.Principal{}, nil, ErrInvalidCredentials
	}
	if p.Disabled {
		return store.Principal{}, nil, ErrDisabled
	}
	groups, err := s.store.PrincipalGroups(ctx, name)
	if err != nil {
		return store.Principal{}, nil, fmt.Errorf("load groups: %w", err)
	}
	return p, groups, nil
}

// Register creates or updates a user principal with a password.
func (s *Service) Register(ctx context.Context, name, password string, groups []string) error {
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	p := store.Principal{Name: strings.TrimSpace(name), PasswordHash: hash}
	if p.Name == "" {
		return errors.New("principal name is required")
	}
	if err := s.store.UpsertPrincipal(ctx, p, groups); err != nil {
		return fmt.Errorf("register %s: %w", p.Name, err)
	}
	return nil
}

func (s *Service) SetPassword(ctx context.Context, name, password string) error {
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	if err := s.store.SetPasswordHash(ctx, name, hash); err != nil {
		return fmt.Errorf("set password of %s: %w", name, err)
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

package acl

import (
	"context"
	"fmt"
	"strings"

	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

// PolicyTx is the slice of an item-store transaction that policy writes use.
type PolicyTx interface {
	NodeByPath(ctx context.Context, path string) (store.Node, error)
	ReplaceACEs(ctx context.Context, nodeID string, entries []store.ACE) error
	DeleteACEs(ctx context.Context, nodeID string) (int64, error)
}

// TxRunner runs fn in one journaled item-store transaction.
type TxRunner interface {
	RunPolicyTx(ctx context.Context, workspace, principal string, fn func(PolicyTx) error) error
}

// Invalidator drops cached privileges at or below a path.
type Invalidator interface {
	InvalidatePrivileges(workspace, path string)
}

// Manager reads and writes access control lists.
type Manager struct {
	evaluator   *Evaluator
	tx          TxRunner
	invalidator Invalidator
}

func NewManager(evaluator *Evaluator, tx TxRunner, invalidator Invalidator) *Manager {
	return &Manager{evaluator: evaluator, tx: tx, invalidator: invalidator}
}

// GetPolicy returns the ACL stored on the node at path.
func (m *Manager) GetPolicy(ctx context.Context, sess *session.Session, path string) (store.Policy, error) {
	if err := m.evaluator.CheckPrivileges(ctx, sess, path, privilege.ReadAccessControl); err != nil {
		return store.Policy{}, err
	}
	policies, err := m.evaluator.policies.Policies(ctx, sess.Workspace, []string{path})
	if err != nil {
		return store.Policy{}, fmt.Errorf("get policy %s: %w", path, err)
	}
	if len(policies) == 0 {
		return store.Policy{Path: path}, nil
	}
	return policies[0], nil
}

// SetPolicy replaces the ACL of the node at path.
func (m *Manager) SetPolicy(ctx context.Context, sess *session.Session, path string, entries []store.ACE) error {
	if err := m.evaluator.CheckPrivileges(ctx, sess, path, privilege.ModifyAccessControl); err != nil {
		return err
	}
	if err := m.validate(entries); err != nil {
		return err
	}
	err := m.tx.RunPolicyTx(ctx, sess.Workspace, sess.UserID, func(tx PolicyTx) error {
		node, err := tx.NodeByPath(ctx, path)
		if err != nil {
			return err
		}
		return tx.ReplaceACEs(ctx, node.ID, entries)
	})
	if err != nil {
		return fmt.Errorf("set policy %s: %w", path, err)
	}
	m.invalidator.InvalidatePrivileges(sess.Workspace, path)
	return nil
}

// RemovePolicy deletes the ACL of the node at path.
func (m *Manager) RemovePolicy(ctx context.Context, sess *session.Session, path string) error {
	if err := m.evaluator.CheckPrivileges(ctx, sess, path, privilege.ModifyAccessControl); err != nil {
		return err
	}
	err := m.tx.RunPolicyTx(ctx, sess.Workspace, sess.UserID, func(tx PolicyTx) error {
		node, err := tx.NodeByPath(ctx, path)
		if err != nil {
			return err
		}
		n, err := tx.DeleteACEs(ctx, node.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w at %s", ErrNoPolicy, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove policy %s: %w", path, err)
	}
	m.invalidator.InvalidatePrivileges(sess.Workspace, path)
	return nil
}

func (m *Manager) validate(entries []store.ACE) error {
	for i, ace := range entries {
		if strings.TrimSpace(ace.Principal) == "" {
			return fmt.Errorf("%w: entry %d has no principal", ErrInvalidPolicy, i)
		}
		if len(ace.Privileges) == 0 {
			return fmt.Errorf("%w: entry %d has no privileges", ErrInvalidPolicy, i)
		}
		if err := m.evaluator.lattice.Resolve(ace.Privileges...); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

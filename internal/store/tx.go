package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mintjamsinc/cms0-sub002/internal/util"
)

// Tx is one item-store transaction. Every structural mutation appends the
// matching journal entries under the transaction id.
type Tx struct {
	tx        *sql.Tx
	workspace string
	principal string
	id        string
	now       func() time.Time
	journaled int
}

func (t *Tx) ID() string {
	return t.id
}

func (t *Tx) Workspace() string {
	return t.workspace
}

func (t *Tx) NodeByID(ctx context.Context, id string) (Node, error) {
	return nodeByID(ctx, t.tx, t.workspace, id)
}

func (t *Tx) NodeByPath(ctx context.Context, path string) (Node, error) {
	return nodeByPath(ctx, t.tx, t.workspace, path)
}

// AppendJournal writes one journal entry.
func (t *Tx) AppendJournal(ctx context.Context, e JournalEntry) error {
	if e.Principal == "" {
		e.Principal = t.principal
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO journal (workspace, transaction_id, occurred_at, event_type, item_id, item_path,
			parent_id, primary_type, source_path, property_name, principal_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.workspace, t.id, t.now(), string(e.Type), e.ItemID, e.ItemPath,
		e.ParentID, e.PrimaryType, e.SourcePath, e.PropertyName, e.Principal); err != nil {
		return fmt.Errorf("append journal %s %s: %w", e.Type, e.ItemPath, err)
	}
	t.journaled++
	return nil
}

func (t *Tx) nodeEntry(eventType EventType, node Node) JournalEntry {
	return JournalEntry{
		Type:        eventType,
		ItemID:      node.ID,
		ItemPath:    node.Path,
		ParentID:    node.ParentID,
		PrimaryType: node.PrimaryType,
	}
}

// AddNode creates a child node below parentPath.
func (t *Tx) AddNode(ctx context.Context, parentPath, name, primaryType string, mixins ...string) (Node, error) {
	if name == "" {
		return Node{}, fmt.Errorf("add node: empty name")
	}
	parent, err := t.NodeByPath(ctx, parentPath)
	if err != nil {
		return Node{}, err
	}
	if mixins == nil {
		mixins = []string{}
	}
	now := t.now()
	node := Node{
		Workspace:      t.workspace,
		ID:             util.NewNodeID(),
		ParentID:       parent.ID,
		Name:           name,
		Path:           ChildPath(parent.Path, name),
		PrimaryType:    primaryType,
		MixinTypes:     mixins,
		CreatedAt:      now,
		CreatedBy:      t.principal,
		LastModifiedAt: now,
		LastModifiedBy: t.principal,
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO nodes (workspace, id, parent_id, name, path, primary_type, mixin_types,
			created_at, created_by, last_modified_at, last_modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $8, $9)
	`, node.Workspace, node.ID, node.ParentID, node.Name, node.Path, node.PrimaryType, node.MixinTypes,
		now, t.principal); err != nil {
		if isUniqueViolation(err) {
			return Node{}, fmt.Errorf("add node %s: %w", node.Path, ErrItemExists)
		}
		return Node{}, fmt.Errorf("insert node: %w", err)
	}
	if err := t.AppendJournal(ctx, t.nodeEntry(EventAdded, node)); err != nil {
		return Node{}, err
	}
	return node, nil
}

// RemoveNode deletes the node at path with its whole subtree.
func (t *Tx) RemoveNode(ctx context.Context, path string) error {
	node, err := t.NodeByPath(ctx, path)
	if err != nil {
		return err
	}
	if node.Path == RootPath {
		return fmt.Errorf("remove node: cannot remove the root node")
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE workspace = $1 AND (path = $2 OR starts_with(path, $3))
		ORDER BY path DESC
	`, t.workspace, node.Path, node.Path+"/")
	if err != nil {
		return fmt.Errorf("list subtree: %w", err)
	}
	var subtree []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan subtree node: %w", err)
		}
		subtree = append(subtree, n)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("list subtree: %w", err)
	}

	for _, n := range subtree {
		if err := t.AppendJournal(ctx, t.nodeEntry(EventRemoved, n)); err != nil {
			return err
		}
	}
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM nodes WHERE workspace = $1 AND (path = $2 OR starts_with(path, $3))
	`, t.workspace, node.Path, node.Path+"/"); err != nil {
		return fmt.Errorf("delete subtree: %w", err)
	}
	return nil
}

// MoveNode moves the node at srcPath, with its subtree, to destPath.
func (t *Tx) MoveNode(ctx context.Context, srcPath, destPath string) (Node, error) {
	node, err := t.NodeByPath(ctx, srcPath)
	if err != nil {
		return Node{}, err
	}
	if node.Path == RootPath || destPath == node.Path || IsDescendant(destPath, node.Path) {
		return Node{}, fmt.Errorf("move node %s to %s: invalid destination", srcPath, destPath)
	}
	parent, err := t.NodeByPath(ctx, ParentPath(destPath))
	if err != nil {
		return Node{}, err
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE nodes SET path = $3 || substr(path, length($2) + 1)
		WHERE workspace = $1 AND starts_with(path, $2 || '/')
	`, t.workspace, node.Path, destPath); err != nil {
		return Node{}, fmt.Errorf("move subtree: %w", err)
	}
	now := t.now()
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE nodes SET path = $3, name = $4, parent_id = $5, last_modified_at = $6, last_modified_by = $7
		WHERE workspace = $1 AND id = $2
	`, t.workspace, node.ID, destPath, BaseName(destPath), parent.ID, now, t.principal); err != nil {
		if isUniqueViolation(err) {
			return Node{}, fmt.Errorf("move node to %s: %w", destPath, ErrItemExists)
		}
		return Node{}, fmt.Errorf("move node: %w", err)
	}
	moved := node
	moved.Path = destPath
	moved.Name = BaseName(destPath)
	moved.ParentID = parent.ID
	moved.LastModifiedAt = now
	moved.LastModifiedBy = t.principal

	entry := t.nodeEntry(EventMoved, moved)
	entry.SourcePath = srcPath
	if err := t.AppendJournal(ctx, entry); err != nil {
		return Node{}, err
	}
	return moved, nil
}

func (t *Tx) touch(ctx context.Context, nodeID string) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE nodes SET last_modified_at = $3, last_modified_by = $4 WHERE workspace = $1 AND id = $2
	`, t.workspace, nodeID, t.now(), t.principal); err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	return nil
}

func (t *Tx) propertyEntry(eventType EventType, node Node, name string) JournalEntry {
	e := t.nodeEntry(eventType, node)
	e.ItemPath = ChildPath(node.Path, name)
	e.PropertyName = name
	return e
}

// SetProperty creates or replaces a property of the node.
func (t *Tx) SetProperty(ctx context.Context, nodeID string, prop Property) error {
	node, err := t.NodeByID(ctx, nodeID)
	if err != nil {
		return err
	}
	if prop.Type == "" {
		prop.Type = ValueString
	}
	if prop.Values == nil {
		prop.Values = []string{}
	}
	var existed bool
	if err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM properties WHERE workspace = $1 AND node_id = $2 AND name = $3)
	`, t.workspace, nodeID, prop.Name).Scan(&existed); err != nil {
		return fmt.Errorf("check property: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO properties (workspace, node_id, name, value_type, is_multiple, string_values, blob_key, blob_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace, node_id, name) DO UPDATE SET
			value_type = EXCLUDED.value_type,
			is_multiple = EXCLUDED.is_multiple,
			string_values = EXCLUDED.string_values,
			blob_key = EXCLUDED.blob_key,
			blob_size = EXCLUDED.blob_size
	`, t.workspace, nodeID, prop.Name, prop.Type, prop.Multiple, prop.Values, prop.BlobKey, prop.BlobSize); err != nil {
		return fmt.Errorf("upsert property %s: %w", prop.Name, err)
	}
	if err := t.touch(ctx, nodeID); err != nil {
		return err
	}
	eventType := EventPropertyAdded
	if existed {
		eventType = EventPropertyChanged
	}
	return t.AppendJournal(ctx, t.propertyEntry(eventType, node, prop.Name))
}

// RemoveProperty deletes a property. Removing a missing property is a no-op.
func (t *Tx) RemoveProperty(ctx context.Context, nodeID, name string) error {
	node, err := t.NodeByID(ctx, nodeID)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		DELETE FROM properties WHERE workspace = $1 AND node_id = $2 AND name = $3
	`, t.workspace, nodeID, name)
	if err != nil {
		return fmt.Errorf("delete property %s: %w", name, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil
	}
	if err := t.touch(ctx, nodeID); err != nil {
		return err
	}
	return t.AppendJournal(ctx, t.propertyEntry(EventPropertyRemoved, node, name))
}

// AddMixin adds a mixin type to the node if it is not present yet.
func (t *Tx) AddMixin(ctx context.Context, nodeID, mixin string) error {
	node, err := t.NodeByID(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.HasMixin(mixin) {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE nodes SET mixin_types = array_append(mixin_types, $3) WHERE workspace = $1 AND id = $2
	`, t.workspace, nodeID, mixin); err != nil {
		return fmt.Errorf("add mixin: %w", err)
	}
	return t.AppendJournal(ctx, t.propertyEntry(EventPropertyChanged, node, PropMixinTypes))
}

// ReplaceACEs stores the access control list of a node, replacing any
// previous entries.
func (t *Tx) ReplaceACEs(ctx context.Context, nodeID string, entries []ACE) error {
	node, err := t.NodeByID(ctx, nodeID)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM aces WHERE workspace = $1 AND item_id = $2`, t.workspace, nodeID); err != nil {
		return fmt.Errorf("clear aces: %w", err)
	}
	for i, ace := range entries {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO aces (workspace, item_id, row_no, principal_name, is_group, privilege_names, is_allow)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, t.workspace, nodeID, i, ace.Principal, ace.IsGroup, ace.Privileges, ace.Allow); err != nil {
			return fmt.Errorf("insert ace %d: %w", i, err)
		}
	}
	return t.AppendJournal(ctx, t.nodeEntry(EventACLChanged, node))
}

// DeleteACEs removes the access control list of a node.
func (t *Tx) DeleteACEs(ctx context.Context, nodeID string) (int64, error) {
	node, err := t.NodeByID(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	result, err := t.tx.ExecContext(ctx, `DELETE FROM aces WHERE workspace = $1 AND item_id = $2`, t.workspace, nodeID)
	if err != nil {
		return 0, fmt.Errorf("delete aces: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return 0, nil
	}
	return n, t.AppendJournal(ctx, t.nodeEntry(EventACLRemoved, node))
}

// InsertLock creates a lock row. The primary key on the item id is the
// mutual exclusion point; a conflicting row yields ErrAlreadyLocked.
func (t *Tx) InsertLock(ctx context.Context, l Lock) error {
	var sessionID any
	if l.SessionID != "" {
		sessionID = l.SessionID
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO locks (workspace, item_id, lock_token, principal_name, owner_info, is_deep, session_id, timeout_hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.workspace, l.ItemID, l.Token, l.Principal, l.OwnerInfo, l.IsDeep, sessionID, l.TimeoutHint, l.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("lock %s: %w", l.ItemID, ErrAlreadyLocked)
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

// DeleteLock removes the lock row of an item and reports the rows deleted.
func (t *Tx) DeleteLock(ctx context.Context, itemID string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM locks WHERE workspace = $1 AND item_id = $2`, t.workspace, itemID)
	if err != nil {
		return 0, fmt.Errorf("delete lock: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// TouchLock resets the creation time of a lock.
func (t *Tx) TouchLock(ctx context.Context, itemID string, at time.Time) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `UPDATE locks SET created_at = $3 WHERE workspace = $1 AND item_id = $2`, t.workspace, itemID, at)
	if err != nil {
		return 0, fmt.Errorf("refresh lock: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

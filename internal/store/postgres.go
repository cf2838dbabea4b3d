package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mintjamsinc/cms0-sub002/internal/util"
)

const uniqueViolation = "23505"

// CommitHook is called after a transaction that wrote journal entries has
// committed.
type CommitHook func(workspace, transactionID string)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time

	hookMu sync.RWMutex
	hooks  []CommitHook
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// OnCommit registers a hook fired after every journaled commit.
func (s *PostgresStore) OnCommit(hook CommitHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *PostgresStore) fireCommit(workspace, txID string) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	for _, hook := range s.hooks {
		hook(workspace, txID)
	}
}

// EnsureWorkspace creates the root and system nodes of a workspace.
func (s *PostgresStore) EnsureWorkspace(ctx context.Context, workspace string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (workspace, id, parent_id, name, path, primary_type, created_by, last_modified_by)
		VALUES ($1, $2, NULL, '', '/', $3, 'system', 'system')
		ON CONFLICT (workspace, path) DO NOTHING
	`, workspace, util.NewNodeID(), TypeRoot); err != nil {
		return fmt.Errorf("ensure root node: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (workspace, id, parent_id, name, path, primary_type, created_by, last_modified_by)
		SELECT $1, $2, id, $3, $4, $5, 'system', 'system' FROM nodes WHERE workspace = $1 AND path = '/'
		ON CONFLICT (workspace, path) DO NOTHING
	`, workspace, util.NewNodeID(), SystemName, SystemPath, TypeUnstructured); err != nil {
		return fmt.Errorf("ensure system node: %w", err)
	}
	return nil
}

const nodeColumns = `workspace, id, COALESCE(parent_id, ''), name, path, primary_type, to_json(mixin_types),
	created_at, created_by, last_modified_at, last_modified_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var node Node
	var mixins jsonStrings
	if err := row.Scan(&node.Workspace, &node.ID, &node.ParentID, &node.Name, &node.Path, &node.PrimaryType, &mixins,
		&node.CreatedAt, &node.CreatedBy, &node.LastModifiedAt, &node.LastModifiedBy); err != nil {
		return Node{}, err
	}
	node.MixinTypes = mixins
	return node, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nodeByID(ctx context.Context, q queryer, workspace, id string) (Node, error) {
	node, err := scanNode(q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE workspace = $1 AND id = $2`, workspace, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node by id: %w", err)
	}
	return node, nil
}

func nodeByPath(ctx context.Context, q queryer, workspace, path string) (Node, error) {
	node, err := scanNode(q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE workspace = $1 AND path = $2`, workspace, path))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, fmt.Errorf("node %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node by path: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) NodeByID(ctx context.Context, workspace, id string) (Node, error) {
	return nodeByID(ctx, s.db, workspace, id)
}

func (s *PostgresStore) NodeByPath(ctx context.Context, workspace, path string) (Node, error) {
	return nodeByPath(ctx, s.db, workspace, path)
}

// NodesByIDs loads every listed node in one round trip. Missing ids are
// absent from the result.
func (s *PostgresStore) NodesByIDs(ctx context.Context, workspace string, ids []string) (map[string]Node, error) {
	nodes := make(map[string]Node, len(ids))
	if len(ids) == 0 {
		return nodes, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE workspace = $1 AND id = ANY($2)`, workspace, ids)
	if err != nil {
		return nil, fmt.Errorf("list nodes by id: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes[node.ID] = node
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) Children(ctx context.Context, workspace, parentID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE workspace = $1 AND parent_id = $2 ORDER BY name`, workspace, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// ContentNode returns the jcr:content child of a node.
func (s *PostgresStore) ContentNode(ctx context.Context, workspace, nodeID string) (Node, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE workspace = $1 AND parent_id = $2 AND name = $3`,
		workspace, nodeID, ContentName))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, fmt.Errorf("content of %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return Node{}, fmt.Errorf("get content node: %w", err)
	}
	return node, nil
}

func (s *PostgresStore) Properties(ctx context.Context, workspace, nodeID string) ([]Property, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, value_type, is_multiple, to_json(string_values), blob_key, blob_size
		FROM properties
		WHERE workspace = $1 AND node_id = $2
		ORDER BY name
	`, workspace, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()
	var props []Property
	for rows.Next() {
		var prop Property
		var values jsonStrings
		if err := rows.Scan(&prop.Name, &prop.Type, &prop.Multiple, &values, &prop.BlobKey, &prop.BlobSize); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		prop.Values = values
		props = append(props, prop)
	}
	return props, rows.Err()
}

// Policies returns the stored ACLs of the nodes at the given paths, nearest
// node first (path descending).
func (s *PostgresStore) Policies(ctx context.Context, workspace string, paths []string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.path, a.principal_name, a.is_group, a.is_allow, to_json(a.privilege_names)
		FROM aces a
		JOIN nodes n ON n.workspace = a.workspace AND n.id = a.item_id
		WHERE a.workspace = $1 AND n.path = ANY($2)
		ORDER BY n.path DESC, a.row_no ASC
	`, workspace, paths)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var itemID, path string
		var ace ACE
		var privileges jsonStrings
		if err := rows.Scan(&itemID, &path, &ace.Principal, &ace.IsGroup, &ace.Allow, &privileges); err != nil {
			return nil, fmt.Errorf("scan ace: %w", err)
		}
		ace.Privileges = privileges
		if n := len(policies); n == 0 || policies[n-1].ItemID != itemID {
			policies = append(policies, Policy{ItemID: itemID, Path: path})
		}
		last := &policies[len(policies)-1]
		last.Entries = append(last.Entries, ace)
	}
	return policies, rows.Err()
}

// JournalEntries returns the entries of one transaction in commit order.
func (s *PostgresStore) JournalEntries(ctx context.Context, workspace, transactionID string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, workspace, transaction_id, occurred_at, event_type, item_id, item_path,
			parent_id, primary_type, source_path, property_name, principal_name
		FROM journal
		WHERE workspace = $1 AND transaction_id = $2
		ORDER BY seq ASC
	`, workspace, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var eventType string
		if err := rows.Scan(&e.Seq, &e.Workspace, &e.TransactionID, &e.OccurredAt, &eventType, &e.ItemID, &e.ItemPath,
			&e.ParentID, &e.PrimaryType, &e.SourcePath, &e.PropertyName, &e.Principal); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Type = EventType(eventType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkConsumed records that a transaction has been replayed.
func (s *PostgresStore) MarkConsumed(ctx context.Context, workspace, transactionID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_consumed (workspace, transaction_id)
		VALUES ($1, $2)
		ON CONFLICT (workspace, transaction_id) DO NOTHING
	`, workspace, transactionID); err != nil {
		return fmt.Errorf("mark transaction consumed: %w", err)
	}
	return nil
}

// PendingTransactions lists committed but not yet consumed transactions in
// commit order.
func (s *PostgresStore) PendingTransactions(ctx context.Context, workspace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.transaction_id
		FROM journal j
		LEFT JOIN journal_consumed c ON c.workspace = j.workspace AND c.transaction_id = j.transaction_id
		WHERE j.workspace = $1 AND c.transaction_id IS NULL
		GROUP BY j.transaction_id
		ORDER BY MIN(j.seq) ASC
	`, workspace)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending transaction: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const lockColumns = `l.workspace, l.item_id, n.path, l.lock_token, l.principal_name, l.owner_info, l.is_deep,
	COALESCE(l.session_id, ''), l.timeout_hint, l.created_at`

func (s *PostgresStore) queryLocks(ctx context.Context, query string, args ...any) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	var locks []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.Workspace, &l.ItemID, &l.Path, &l.Token, &l.Principal, &l.OwnerInfo, &l.IsDeep,
			&l.SessionID, &l.TimeoutHint, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// LocksOnPaths returns the locks rooted at any of the given paths, deepest
// path first.
func (s *PostgresStore) LocksOnPaths(ctx context.Context, workspace string, paths []string) ([]Lock, error) {
	return s.queryLocks(ctx, `
		SELECT `+lockColumns+`
		FROM locks l
		JOIN nodes n ON n.workspace = l.workspace AND n.id = l.item_id
		WHERE l.workspace = $1 AND n.path = ANY($2)
		ORDER BY n.path DESC
	`, workspace, paths)
}

// DescendantLocks returns the locks rooted strictly below path.
func (s *PostgresStore) DescendantLocks(ctx context.Context, workspace, path string) ([]Lock, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	return s.queryLocks(ctx, `
		SELECT `+lockColumns+`
		FROM locks l
		JOIN nodes n ON n.workspace = l.workspace AND n.id = l.item_id
		WHERE l.workspace = $1 AND starts_with(n.path, $2) AND n.path <> $3
		ORDER BY n.path ASC
	`, workspace, prefix, path)
}

// LocksByPrincipal returns the open-scoped locks owned by a principal.
func (s *PostgresStore) LocksByPrincipal(ctx context.Context, workspace, principal string) ([]Lock, error) {
	return s.queryLocks(ctx, `
		SELECT `+lockColumns+`
		FROM locks l
		JOIN nodes n ON n.workspace = l.workspace AND n.id = l.item_id
		WHERE l.workspace = $1 AND l.principal_name = $2 AND l.session_id IS NULL
		ORDER BY n.path ASC
	`, workspace, principal)
}

// LocksBySession returns the session-scoped locks created by a session.
func (s *PostgresStore) LocksBySession(ctx context.Context, workspace, sessionID string) ([]Lock, error) {
	return s.queryLocks(ctx, `
		SELECT `+lockColumns+`
		FROM locks l
		JOIN nodes n ON n.workspace = l.workspace AND n.id = l.item_id
		WHERE l.workspace = $1 AND l.session_id = $2
		ORDER BY n.path ASC
	`, workspace, sessionID)
}

// SessionScopedLocks returns every session-scoped lock of a workspace,
// grouped by session.
func (s *PostgresStore) SessionScopedLocks(ctx context.Context, workspace string) ([]Lock, error) {
	return s.queryLocks(ctx, `
		SELECT `+lockColumns+`
		FROM locks l
		JOIN nodes n ON n.workspace = l.workspace AND n.id = l.item_id
		WHERE l.workspace = $1 AND l.session_id IS NOT NULL
		ORDER BY l.session_id ASC, n.path ASC
	`, workspace)
}

func (s *PostgresStore) Principal(ctx context.Context, name string) (Principal, error) {
	var p Principal
	var disabledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT name, is_group, password_hash, disabled_at, created_at FROM principals WHERE name = $1
	`, name).Scan(&p.Name, &p.IsGroup, &p.PasswordHash, &disabledAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, fmt.Errorf("principal %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("get principal: %w", err)
	}
	p.Disabled = disabledAt.Valid
	return p, nil
}

// PrincipalGroups returns every group the principal belongs to, directly or
// through nested groups.
func (s *PostgresStore) PrincipalGroups(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE memberships(group_name) AS (
			SELECT group_name FROM principal_groups WHERE member_name = $1
			UNION
			SELECT pg.group_name
			FROM principal_groups pg
			JOIN memberships m ON pg.member_name = m.group_name
		)
		SELECT group_name FROM memberships ORDER BY group_name
	`, name)
	if err != nil {
		return nil, fmt.Errorf("list principal groups: %w", err)
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var group string
		if err := rows.Scan(&group); err != nil {
			return nil, fmt.Errorf("scan principal group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) UpsertPrincipal(ctx context.Context, p Principal, groups []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin principal tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO principals (name, is_group, password_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			is_group = EXCLUDED.is_group,
			password_hash = CASE WHEN EXCLUDED.password_hash = '' THEN principals.password_hash ELSE EXCLUDED.password_hash END
	`, p.Name, p.IsGroup, p.PasswordHash); err != nil {
		return fmt.Errorf("upsert principal: %w", err)
	}
	if groups != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM principal_groups WHERE member_name = $1`, p.Name); err != nil {
			return fmt.Errorf("clear principal groups: %w", err)
		}
		for _, group := range groups {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO principal_groups (member_name, group_name) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, p.Name, group); err != nil {
				return fmt.Errorf("add principal group %s: %w", group, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit principal: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetPasswordHash(ctx context.Context, name, hash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE principals SET password_hash = $2 WHERE name = $1`, name, hash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("principal %s: %w", name, ErrNotFound)
	}
	return nil
}

// WithTx runs fn in one database transaction. Journal entries written by fn
// share the returned transaction id; commit hooks fire only when at least
// one entry was written.
func (s *PostgresStore) WithTx(ctx context.Context, workspace, principal string, fn func(*Tx) error) (string, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{
		tx:        sqlTx,
		workspace: workspace,
		principal: principal,
		id:        util.NewTransactionID(),
		now:       s.now,
	}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return "", err
	}
	if err := sqlTx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	if tx.journaled > 0 {
		s.fireCommit(workspace, tx.id)
	}
	return tx.id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// jsonStrings scans a JSON array column produced by to_json(text[]).
type jsonStrings []string

func (s *jsonStrings) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan string array: unsupported type %T", src)
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("scan string array: %w", err)
	}
	*s = values
	return nil
}

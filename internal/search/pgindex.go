package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// descendantBatch bounds each prefix query while clearing a removed folder.
const descendantBatch = 100

// PgIndex is the authoritative search index, kept in Postgres next to the
// item store and queried with tsvector matching.
type PgIndex struct {
	db *sql.DB
}

func NewPgIndex(db *sql.DB) *PgIndex {
	return &PgIndex{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgIndex) Healthy() bool {
	return true
}

// apply runs the operations in one transaction and reports what changed.
func (p *PgIndex) apply(ctx context.Context, workspace string, ops []op) (changeset, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return changeset{}, fmt.Errorf("begin index tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var cs changeset
	for _, o := range ops {
		switch o.kind {
		case opUpdate:
			if err := upsertDocument(ctx, tx, o.doc); err != nil {
				return changeset{}, err
			}
			cs.upsertDocs = append(cs.upsertDocs, o.doc)
		case opDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM search_documents WHERE workspace = $1 AND id = $2`, workspace, o.id); err != nil {
				return changeset{}, fmt.Errorf("delete document %s: %w", o.id, err)
			}
			cs.deleteDocs = append(cs.deleteDocs, o.id)
		case opDeleteDescendants:
			ids, suggestions, err := deleteDescendants(ctx, tx, workspace, o.path)
			if err != nil {
				return changeset{}, err
			}
			cs.deleteDocs = append(cs.deleteDocs, ids...)
			cs.deleteSuggestions = append(cs.deleteSuggestions, suggestions...)
		case opUpdateSuggestion:
			if err := upsertSuggestion(ctx, tx, o.suggestion); err != nil {
				return changeset{}, err
			}
			cs.upsertSuggestions = append(cs.upsertSuggestions, o.suggestion)
		case opDeleteSuggestions:
			ids, err := deleteSuggestions(ctx, tx, workspace, o.id)
			if err != nil {
				return changeset{}, err
			}
			cs.deleteSuggestions = append(cs.deleteSuggestions, ids...)
		}
	}
	if err := tx.Commit(); err != nil {
		return changeset{}, fmt.Errorf("commit index tx: %w", err)
	}
	return cs, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func upsertDocument(ctx context.Context, tx *sql.Tx, d Document) error {
	props, err := json.Marshal(nonNilMap(d.Properties))
	if err != nil {
		return fmt.Errorf("encode properties of %s: %w", d.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_documents (workspace, id, path, name, ancestors, primary_types, mixin_types,
			mimetype, encoding, size, content, content_ref, created_at, created_by,
			last_modified_at, last_modified_by, properties, authorized, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		ON CONFLICT (workspace, id) DO UPDATE SET
			path = EXCLUDED.path,
			name = EXCLUDED.name,
			ancestors = EXCLUDED.ancestors,
			primary_types = EXCLUDED.primary_types,
			mixin_types = EXCLUDED.mixin_types,
			mimetype = EXCLUDED.mimetype,
			encoding = EXCLUDED.encoding,
			size = EXCLUDED.size,
			content = EXCLUDED.content,
			content_ref = EXCLUDED.content_ref,
			created_at = EXCLUDED.created_at,
			created_by = EXCLUDED.created_by,
			last_modified_at = EXCLUDED.last_modified_at,
			last_modified_by = EXCLUDED.last_modified_by,
			properties = EXCLUDED.properties,
			authorized = EXCLUDED.authorized,
			updated_at = NOW()
	`, d.Workspace, d.ID, d.Path, d.Name, nonNil(d.Ancestors), nonNil(d.PrimaryTypes), nonNil(d.MixinTypes),
		d.MimeType, d.Encoding, d.Size, d.Content, d.ContentRef, nullTime(d.Created), d.CreatedBy,
		nullTime(d.LastModified), d.LastModifiedBy, string(props), nonNil(d.Authorized)); err != nil {
		return fmt.Errorf("upsert document %s: %w", d.ID, err)
	}
	return nil
}

func upsertSuggestion(ctx context.Context, tx *sql.Tx, s Suggestion) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_suggestions (workspace, id, item_id, term, path, ancestors, mimetype, authorized)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (workspace, id) DO UPDATE SET
			item_id = EXCLUDED.item_id,
			term = EXCLUDED.term,
			path = EXCLUDED.path,
			ancestors = EXCLUDED.ancestors,
			mimetype = EXCLUDED.mimetype,
			authorized = EXCLUDED.authorized
	`, s.Workspace, s.ID, s.ItemID, s.Term, s.Path, nonNil(s.Ancestors), s.MimeType, nonNil(s.Authorized)); err != nil {
		return fmt.Errorf("upsert suggestion %s: %w", s.ID, err)
	}
	return nil
}

func deleteSuggestions(ctx context.Context, tx *sql.Tx, workspace, itemID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM search_suggestions WHERE workspace = $1 AND item_id = $2 RETURNING id
	`, workspace, itemID)
	if err != nil {
		return nil, fmt.Errorf("delete suggestions of %s: %w", itemID, err)
	}
	return scanIDs(rows)
}

// deleteDescendants clears the documents below path in bounded batches,
// as a folder removal can cover an arbitrarily large subtree.
func deleteDescendants(ctx context.Context, tx *sql.Tx, workspace, path string) ([]string, []string, error) {
	var docs, suggestions []string
	for {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM search_documents
			WHERE workspace = $1 AND $2 = ANY(ancestors)
			ORDER BY id
			LIMIT $3
		`, workspace, path, descendantBatch)
		if err != nil {
			return nil, nil, fmt.Errorf("list descendants of %s: %w", path, err)
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return nil, nil, err
		}
		if len(ids) == 0 {
			break
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM search_documents WHERE workspace = $1 AND id = ANY($2)
		`, workspace, ids); err != nil {
			return nil, nil, fmt.Errorf("delete descendants of %s: %w", path, err)
		}
		docs = append(docs, ids...)
	}
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM search_suggestions WHERE workspace = $1 AND $2 = ANY(ancestors) RETURNING id
	`, workspace, path)
	if err != nil {
		return nil, nil, fmt.Errorf("delete descendant suggestions of %s: %w", path, err)
	}
	if suggestions, err = scanIDs(rows); err != nil {
		return nil, nil, err
	}
	return docs, suggestions, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Query matches documents with plainto_tsquery, ranked by ts_rank. Without
// search text, hits come back in path order.
func (p *PgIndex) Query(ctx context.Context, req Request) (Page, error) {
	where := []string{"workspace = $1"}
	args := []any{req.Workspace}
	rank := "0::real"
	order := "path ASC"
	if text := strings.TrimSpace(req.Text); text != "" {
		args = append(args, text)
		tsQuery := fmt.Sprintf("plainto_tsquery('simple', $%d)", len(args))
		where = append(where, "fts @@ "+tsQuery)
		rank = fmt.Sprintf("ts_rank(fts, %s)", tsQuery)
		order = "rank DESC, path ASC"
	}
	if req.scoped() {
		args = append(args, req.Scope)
		where = append(where, fmt.Sprintf("$%d = ANY(ancestors)", len(args)))
	}
	if req.Authorized != nil {
		args = append(args, nonNil(req.Authorized))
		where = append(where, fmt.Sprintf("authorized && $%d::text[]", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM search_documents WHERE "+cond, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("pg index count: %w", err)
	}

	limit, offset := window(req)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, path, %s AS rank
		FROM search_documents
		WHERE %s
		ORDER BY %s
		LIMIT %d OFFSET %d`, rank, cond, order, limit, offset), args...)
	if err != nil {
		return Page{}, fmt.Errorf("pg index query: %w", err)
	}
	defer rows.Close()

	page := Page{Hits: []Hit{}, Total: total}
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Path, &h.Score); err != nil {
			return Page{}, fmt.Errorf("pg index scan: %w", err)
		}
		page.Hits = append(page.Hits, h)
	}
	return page, rows.Err()
}

// LoadAll returns every document and suggestion of a workspace for a full
// mirror reindex.
func (p *PgIndex) LoadAll(ctx context.Context, workspace string) ([]Document, []Suggestion, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, path, name, to_json(ancestors), to_json(primary_types), to_json(mixin_types),
			mimetype, encoding, size, content, content_ref,
			COALESCE(created_at, 'epoch'::timestamptz), created_by,
			COALESCE(last_modified_at, 'epoch'::timestamptz), last_modified_by,
			properties, to_json(authorized)
		FROM search_documents
		WHERE workspace = $1
		ORDER BY path
	`, workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d := Document{Workspace: workspace}
		var ancestors, primaryTypes, mixinTypes, authorized, props []byte
		if err := rows.Scan(&d.ID, &d.Path, &d.Name, &ancestors, &primaryTypes, &mixinTypes,
			&d.MimeType, &d.Encoding, &d.Size, &d.Content, &d.ContentRef,
			&d.Created, &d.CreatedBy, &d.LastModified, &d.LastModifiedBy, &props, &authorized); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		for _, field := range []struct {
			raw  []byte
			into any
		}{
			{ancestors, &d.Ancestors},
			{primaryTypes, &d.PrimaryTypes},
			{mixinTypes, &d.MixinTypes},
			{authorized, &d.Authorized},
			{props, &d.Properties},
		} {
			if err := json.Unmarshal(field.raw, field.into); err != nil {
				return nil, nil, fmt.Errorf("decode document %s: %w", d.ID, err)
			}
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	suggestionRows, err := p.db.QueryContext(ctx, `
		SELECT id, item_id, term, path, to_json(ancestors), mimetype, to_json(authorized)
		FROM search_suggestions
		WHERE workspace = $1
	`, workspace)
	if err != nil {
		return nil, nil, fmt.Errorf("load suggestions: %w", err)
	}
	defer suggestionRows.Close()

	var suggestions []Suggestion
	for suggestionRows.Next() {
		s := Suggestion{Workspace: workspace}
		var ancestors, authorized []byte
		if err := suggestionRows.Scan(&s.ID, &s.ItemID, &s.Term, &s.Path, &ancestors, &s.MimeType, &authorized); err != nil {
			return nil, nil, fmt.Errorf("scan suggestion: %w", err)
		}
		if err := json.Unmarshal(ancestors, &s.Ancestors); err != nil {
			return nil, nil, fmt.Errorf("decode suggestion %s: %w", s.ID, err)
		}
		if err := json.Unmarshal(authorized, &s.Authorized); err != nil {
			return nil, nil, fmt.Errorf("decode suggestion %s: %w", s.ID, err)
		}
		suggestions = append(suggestions, s)
	}
	if err := suggestionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return docs, suggestions, nil
}

// Suggest returns the distinct terms starting with prefix that one of the
// grantees may read.
func (p *PgIndex) Suggest(ctx context.Context, workspace, prefix string, authorized []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{workspace, prefix}
	cond := "workspace = $1 AND starts_with(term, $2)"
	if authorized != nil {
		args = append(args, nonNil(authorized))
		cond += " AND authorized && $3::text[]"
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT term FROM search_suggestions WHERE %s ORDER BY term LIMIT %d`, cond, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}
	return scanIDs(rows)
}

func window(req Request) (limit, offset int) {
	limit = req.Limit
	if limit <= 0 {
		limit = 20
	}
	offset = req.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilMap(m map[string][]string) map[string][]string {
	if m == nil {
		return map[string][]string{}
	}
	return m
}

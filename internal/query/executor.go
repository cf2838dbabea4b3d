// Package query runs authorized full-text queries against the search index
// and resolves the hits to live tree nodes.
package query

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/mintjamsinc/cms0-sub002/internal/acl"
	"github.com/mintjamsinc/cms0-sub002/internal/search"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

const (
	DefaultLimit         = 100
	DefaultNodeCacheSize = 64
)

type Index interface {
	Query(ctx context.Context, req search.Request) (search.Page, error)
}

type Nodes interface {
	NodesByIDs(ctx context.Context, workspace string, ids []string) (map[string]store.Node, error)
}

type Options struct {
	// NodeCacheSize bounds the per-result node cache. Hits are fetched in
	// batches of half this size.
	NodeCacheSize int
	DefaultLimit  int
}

func (o Options) withDefaults() Options {
	if o.NodeCacheSize < 2 {
		o.NodeCacheSize = DefaultNodeCacheSize
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = DefaultLimit
	}
	return o
}

// Statement is a full-text query, optionally scoped to a subtree.
type Statement struct {
	Text  string
	Scope string
}

// Row is one resolved hit.
type Row struct {
	Node  store.Node
	Score float64
}

type Executor struct {
	index Index
	nodes Nodes
	opts  Options
	log   zerolog.Logger
}

func NewExecutor(index Index, nodes Nodes, opts Options, log zerolog.Logger) *Executor {
	return &Executor{
		index: index,
		nodes: nodes,
		opts:  opts.withDefaults(),
		log:   log.With().Str("component", "query").Logger(),
	}
}

// Execute runs stmt for sess and fetches the first batch. A limit of zero
// or less selects the default limit.
func (e *Executor) Execute(ctx context.Context, sess *session.Session, stmt Statement, offset, limit int) (*Result, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = e.opts.DefaultLimit
	}
	cache, err := lru.New[string, store.Node](e.opts.NodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create node cache: %w", err)
	}
	r := &Result{
		exec: e,
		request: search.Request{
			Workspace:  sess.Workspace,
			Text:       stmt.Text,
			Scope:      stmt.Scope,
			Authorized: acl.Authorizables(sess),
		},
		offset:    offset,
		left:      limit,
		fetchSize: e.opts.NodeCacheSize / 2,
		cache:     cache,
	}
	if err := r.fetch(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Result iterates resolved rows batch by batch. It is not safe for
// concurrent use.
type Result struct {
	exec      *Executor
	request   search.Request
	offset    int
	left      int
	fetchSize int
	total     int
	exhausted bool
	buffer    []Row
	cache     *lru.Cache[string, store.Node]
}

// Next returns the next row, fetching another batch when the buffer runs
// dry. ok is false once the result is exhausted.
func (r *Result) Next(ctx context.Context) (row Row, ok bool, err error) {
	for len(r.buffer) == 0 {
		if r.exhausted {
			return Row{}, false, nil
		}
		if err := r.fetch(ctx); err != nil {
			return Row{}, false, err
		}
	}
	row = r.buffer[0]
	r.buffer = r.buffer[1:]
	return row, true, nil
}

// HasMore reports whether rows may remain. Like Size it reflects the
// index at the time of the last batch.
func (r *Result) HasMore() bool {
	return len(r.buffer) > 0 || !r.exhausted
}

// Size is the total hit count reported by the most recent batch.
func (r *Result) Size() int {
	return r.total
}

// Remaining is the number of buffered rows not yet returned by Next.
func (r *Result) Remaining() int {
	return len(r.buffer)
}

func (r *Result) fetch(ctx context.Context) error {
	size := r.fetchSize
	if r.left < size {
		size = r.left
	}
	if size <= 0 {
		r.exhausted = true
		return nil
	}
	req := r.request
	req.Offset = r.offset
	req.Limit = size
	page, err := r.exec.index.Query(ctx, req)
	if err != nil {
		return fmt.Errorf("query %q: %w", req.Text, err)
	}
	r.total = page.Total
	r.offset += len(page.Hits)
	r.left -= len(page.Hits)
	if len(page.Hits) < size || r.left <= 0 || r.offset >= page.Total {
		r.exhausted = true
	}
	if len(page.Hits) == 0 {
		return nil
	}

	if err := r.warm(ctx, page.Hits); err != nil {
		return err
	}
	for _, hit := range page.Hits {
		node, ok := r.cache.Get(hit.ID)
		if !ok {
			r.exec.log.Debug().Str("id", hit.ID).Str("path", hit.Path).Msg("skipping stale index entry")
			continue
		}
		r.buffer = append(r.buffer, Row{Node: node, Score: hit.Score})
	}
	return nil
}

// warm loads every uncached hit with a single store round trip.
func (r *Result) warm(ctx context.Context, hits []search.Hit) error {
	var missing []string
	for _, hit := range hits {
		if !r.cache.Contains(hit.ID) {
			missing = append(missing, hit.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	nodes, err := r.exec.nodes.NodesByIDs(ctx, r.request.Workspace, missing)
	if err != nil {
		return fmt.Errorf("resolve hits: %w", err)
	}
	for id, node := range nodes {
		r.cache.Add(id, node)
	}
	return nil
}

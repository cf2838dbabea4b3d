package search

import (
	"context"
	"errors"
)

var ErrBatchDone = errors.New("search batch already committed or rolled back")

type opKind int

const (
	opUpdate opKind = iota
	opDelete
	opDeleteDescendants
	opUpdateSuggestion
	opDeleteSuggestions
)

type op struct {
	kind       opKind
	doc        Document
	suggestion Suggestion
	// id is a document id, or an item id for opDeleteSuggestions.
	id   string
	path string
}

// Batch buffers index writes for one workspace until Commit.
type Batch struct {
	workspace string
	apply     func(ctx context.Context, workspace string, ops []op) error
	ops       []op
	done      bool
}

func (b *Batch) Update(doc Document) {
	doc.Workspace = b.workspace
	b.ops = append(b.ops, op{kind: opUpdate, doc: doc})
}

func (b *Batch) Delete(ids ...string) {
	for _, id := range ids {
		b.ops = append(b.ops, op{kind: opDelete, id: id})
	}
}

// DeleteDescendants removes every document strictly below path together
// with its suggestions.
func (b *Batch) DeleteDescendants(path string) {
	b.ops = append(b.ops, op{kind: opDeleteDescendants, path: path})
}

func (b *Batch) UpdateSuggestion(s Suggestion) {
	s.Workspace = b.workspace
	b.ops = append(b.ops, op{kind: opUpdateSuggestion, suggestion: s})
}

// DeleteSuggestions removes all suggestion entries of an item.
func (b *Batch) DeleteSuggestions(itemID string) {
	b.ops = append(b.ops, op{kind: opDeleteSuggestions, id: itemID})
}

// Len reports the buffered operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Commit applies the buffered writes atomically to the authoritative index.
func (b *Batch) Commit(ctx context.Context) error {
	if b.done {
		return ErrBatchDone
	}
	b.done = true
	ops := b.ops
	b.ops = nil
	if len(ops) == 0 {
		return nil
	}
	return b.apply(ctx, b.workspace, ops)
}

// Rollback discards the buffered writes. It is safe after Commit.
func (b *Batch) Rollback() {
	b.done = true
	b.ops = nil
}

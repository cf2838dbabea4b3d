// Package indexsync replays coalesced journal records into the search index
// and publishes change notifications.
package indexsync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/mintjamsinc/cms0-sub002/internal/acl"
	"github.com/mintjamsinc/cms0-sub002/internal/journal"
	"github.com/mintjamsinc/cms0-sub002/internal/notify"
	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/search"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

const defaultEncoding = "UTF-8"

// Store is the read side of the item store used to rebuild documents.
type Store interface {
	NodeByID(ctx context.Context, workspace, id string) (store.Node, error)
	Children(ctx context.Context, workspace, parentID string) ([]store.Node, error)
	ContentNode(ctx context.Context, workspace, nodeID string) (store.Node, error)
	Properties(ctx context.Context, workspace, nodeID string) ([]store.Property, error)
}

// Policies resolves the ACL chain of a path, root first.
type Policies interface {
	EffectivePolicies(ctx context.Context, workspace, path string) ([]store.Policy, error)
	Lattice() *privilege.Lattice
}

// Writer is one batch of index writes.
type Writer interface {
	Update(doc search.Document)
	Delete(ids ...string)
	DeleteDescendants(path string)
	UpdateSuggestion(s search.Suggestion)
	DeleteSuggestions(itemID string)
	Commit(ctx context.Context) error
	Rollback()
}

type Blobs interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type Invalidator interface {
	InvalidatePrivileges(workspace, path string)
}

type Deps struct {
	Store    Store
	Policies Policies
	Writer   func(workspace string) Writer
	Bus      notify.Publisher
	// Blobs is optional; without it binary values are read inline.
	Blobs       Blobs
	Invalidator Invalidator
	Mime        *Detector
	// SuggestionKeys names the content properties that feed suggestions.
	SuggestionKeys []string
}

type Synchronizer struct {
	deps Deps
	log  zerolog.Logger
}

func New(deps Deps, log zerolog.Logger) *Synchronizer {
	if deps.Bus == nil {
		deps.Bus = notify.Discard
	}
	if deps.Mime == nil {
		deps.Mime = NewDetector()
	}
	return &Synchronizer{deps: deps, log: log.With().Str("component", "indexsync").Logger()}
}

// Sync applies records in order. Each record is committed as its own
// batch; the first failure rolls that batch back and stops.
func (s *Synchronizer) Sync(ctx context.Context, workspace string, records []journal.Record) error {
	for _, rec := range records {
		if err := s.syncRecord(ctx, workspace, rec); err != nil {
			return fmt.Errorf("sync %s %s: %w", rec.Type, rec.Path, err)
		}
	}
	return nil
}

var _ journal.Handler = (*Synchronizer)(nil)

func (s *Synchronizer) syncRecord(ctx context.Context, workspace string, rec journal.Record) error {
	node, err := s.deps.Store.NodeByID(ctx, workspace, rec.ItemID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve item: %w", err)
	}
	if exists && rec.PrimaryType == "" {
		rec.PrimaryType = node.PrimaryType
	}

	if err := s.deps.Bus.Publish(ctx, eventFor(workspace, rec)); err != nil {
		return err
	}
	s.invalidate(workspace, rec)

	w := s.deps.Writer(workspace)
	if exists {
		err = s.update(ctx, w, workspace, rec, node)
	} else {
		s.remove(w, rec)
	}
	if err != nil {
		w.Rollback()
		return err
	}
	if err := w.Commit(ctx); err != nil {
		return fmt.Errorf("commit index batch: %w", err)
	}
	s.log.Debug().Str("workspace", workspace).Str("type", string(rec.Type)).
		Str("path", rec.Path).Bool("exists", exists).Msg("record synchronized")
	return nil
}

func eventFor(workspace string, rec journal.Record) notify.Event {
	eventType := string(store.EventChanged)
	switch rec.Type {
	case store.EventAdded, store.EventMoved, store.EventRemoved:
		eventType = string(rec.Type)
	}
	return notify.Event{
		Identifier:  rec.ItemID,
		Path:        rec.Path,
		Type:        eventType,
		PrimaryType: rec.PrimaryType,
		Workspace:   workspace,
		Properties:  rec.Properties,
		SourcePath:  rec.SourcePath,
	}
}

// invalidate drops cached privileges that a structural or ACL change
// may have made stale.
func (s *Synchronizer) invalidate(workspace string, rec journal.Record) {
	if s.deps.Invalidator == nil {
		return
	}
	if rec.ACLChanged || rec.Type == store.EventMoved || rec.Type == store.EventRemoved {
		s.deps.Invalidator.InvalidatePrivileges(workspace, rec.Path)
	}
	if rec.SourcePath != "" {
		s.deps.Invalidator.InvalidatePrivileges(workspace, rec.SourcePath)
	}
}

func (s *Synchronizer) remove(w Writer, rec journal.Record) {
	w.Delete(rec.ItemID)
	w.DeleteSuggestions(rec.ItemID)
	if rec.PrimaryType != store.TypeFile {
		w.DeleteDescendants(rec.Path)
	}
}

func (s *Synchronizer) update(ctx context.Context, w Writer, workspace string, rec journal.Record, node store.Node) error {
	switch {
	case node.IsFile():
		return s.indexFile(ctx, w, workspace, node)
	case node.IsFolder() && (rec.PathChanged || rec.ACLChanged):
		return s.indexTree(ctx, w, workspace, node)
	}
	return nil
}

// indexTree re-indexes every file below folder.
func (s *Synchronizer) indexTree(ctx context.Context, w Writer, workspace string, folder store.Node) error {
	children, err := s.deps.Store.Children(ctx, workspace, folder.ID)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", folder.Path, err)
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case child.IsFile():
			err = s.indexFile(ctx, w, workspace, child)
		case child.IsFolder():
			err = s.indexTree(ctx, w, workspace, child)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) indexFile(ctx context.Context, w Writer, workspace string, node store.Node) error {
	content, err := s.deps.Store.ContentNode(ctx, workspace, node.ID)
	if errors.Is(err, store.ErrNotFound) {
		w.Delete(node.ID)
		w.DeleteSuggestions(node.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load content of %s: %w", node.Path, err)
	}
	itemProps, err := s.deps.Store.Properties(ctx, workspace, node.ID)
	if err != nil {
		return fmt.Errorf("load properties of %s: %w", node.Path, err)
	}
	contentProps, err := s.deps.Store.Properties(ctx, workspace, content.ID)
	if err != nil {
		return fmt.Errorf("load properties of %s: %w", content.Path, err)
	}
	policies, err := s.deps.Policies.EffectivePolicies(ctx, workspace, node.Path)
	if err != nil {
		return err
	}

	doc := search.Document{
		ID:             node.ID,
		Path:           node.Path,
		Name:           node.Name,
		Ancestors:      search.Ancestors(node.Path),
		PrimaryTypes:   merge(nil, node.PrimaryType, content.PrimaryType),
		MixinTypes:     merge(merge(nil, node.MixinTypes...), content.MixinTypes...),
		Created:        node.CreatedAt,
		CreatedBy:      node.CreatedBy,
		LastModified:   content.LastModifiedAt,
		LastModifiedBy: content.LastModifiedBy,
		Authorized:     acl.Authorized(s.deps.Policies.Lattice(), policies),
	}
	for _, props := range [][]store.Property{itemProps, contentProps} {
		for _, p := range props {
			if excluded[p.Name] {
				continue
			}
			for _, v := range p.Values {
				if opaque[p.Type] {
					v = ""
				}
				doc.AddProperty(p.Name, v)
			}
		}
	}
	if err := s.fillContent(ctx, &doc, node, contentProps); err != nil {
		return err
	}
	w.Update(doc)

	w.DeleteSuggestions(node.ID)
	for i, term := range suggestionTerms(contentProps, s.deps.SuggestionKeys) {
		w.UpdateSuggestion(search.Suggestion{
			ID:         node.ID + "-" + strconv.Itoa(i),
			ItemID:     node.ID,
			Term:       term,
			Path:       doc.Path,
			Ancestors:  doc.Ancestors,
			MimeType:   doc.MimeType,
			Authorized: doc.Authorized,
		})
	}
	return nil
}

// Properties carried by dedicated document fields.
var excluded = map[string]bool{
	"jcr:primaryType":    true,
	store.PropMixinTypes: true,
	store.PropData:       true,
	"jcr:created":        true,
	"jcr:createdBy":      true,
	"jcr:lastModified":   true,
	"jcr:lastModifiedBy": true,
}

// Value types indexed as empty strings.
var opaque = map[string]bool{
	store.ValueBinary: true,
	"Name":            true,
	"Path":            true,
	"Reference":       true,
}

func (s *Synchronizer) fillContent(ctx context.Context, doc *search.Document, node store.Node, props []store.Property) error {
	doc.MimeType = propertyValue(props, store.PropMimeType)
	if doc.MimeType == "" {
		doc.MimeType = s.deps.Mime.ByName(node.Name)
	}
	if doc.MimeType == "" {
		doc.MimeType = DefaultMimeType
	}
	text := isText(doc.MimeType)
	if text {
		doc.Encoding = propertyValue(props, store.PropEncoding)
		if doc.Encoding == "" {
			doc.Encoding = defaultEncoding
		}
	}

	data, ok := findProperty(props, store.PropData)
	if !ok {
		return nil
	}
	if !text && data.BlobKey != "" {
		doc.ContentRef = data.BlobKey
		doc.Size = data.BlobSize
		return nil
	}
	raw, err := s.readData(ctx, data)
	if err != nil {
		return fmt.Errorf("read content of %s: %w", node.Path, err)
	}
	doc.Size = int64(len(raw))
	if text {
		doc.Content = s.decode(raw, doc.Encoding, node.Path)
	}
	return nil
}

// readData returns the raw bytes of a data property. Inline binary values
// are stored base64 encoded.
func (s *Synchronizer) readData(ctx context.Context, data store.Property) ([]byte, error) {
	if data.BlobKey == "" {
		if data.Type == store.ValueBinary {
			return base64.StdEncoding.DecodeString(data.Value())
		}
		return []byte(data.Value()), nil
	}
	if s.deps.Blobs == nil {
		return nil, fmt.Errorf("blob %s: no blob store configured", data.BlobKey)
	}
	r, err := s.deps.Blobs.Open(ctx, data.BlobKey)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// decode converts raw bytes in the named charset to a string. Unknown
// charsets index the bytes unchanged.
func (s *Synchronizer) decode(raw []byte, charset, path string) string {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		s.log.Warn().Str("path", path).Str("encoding", charset).Msg("unknown encoding; indexing raw bytes")
		return string(raw)
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Str("encoding", charset).Msg("decode content")
		return string(raw)
	}
	return string(decoded)
}

var lineBreak = regexp.MustCompile(`\r?\n|\r`)

// suggestionTerms splits single values by line and takes multi values one
// by one. Empty terms are dropped.
func suggestionTerms(props []store.Property, keys []string) []string {
	var terms []string
	for _, key := range keys {
		p, ok := findProperty(props, key)
		if !ok {
			continue
		}
		values := p.Values
		if !p.Multiple {
			values = lineBreak.Split(p.Value(), -1)
		}
		for _, v := range values {
			if v != "" {
				terms = append(terms, v)
			}
		}
	}
	return terms
}

func findProperty(props []store.Property, name string) (store.Property, bool) {
	for _, p := range props {
		if p.Name == name {
			return p, true
		}
	}
	return store.Property{}, false
}

func propertyValue(props []store.Property, name string) string {
	p, _ := findProperty(props, name)
	return p.Value()
}

func merge(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

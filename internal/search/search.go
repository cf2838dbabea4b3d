// Package search maintains the full-text projection of the repository tree.
// Postgres holds the authoritative index; Meilisearch, when configured, is
// a mirror that answers queries while it is healthy.
package search

import (
	"time"

	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

// Document is the indexed form of one file node.
type Document struct {
	ID             string              `json:"id"`
	Workspace      string              `json:"workspace"`
	Path           string              `json:"path"`
	Name           string              `json:"name"`
	Ancestors      []string            `json:"ancestors"`
	PrimaryTypes   []string            `json:"primaryTypes"`
	MixinTypes     []string            `json:"mixinTypes"`
	MimeType       string              `json:"mimetype"`
	Encoding       string              `json:"encoding,omitempty"`
	Size           int64               `json:"size"`
	Content        string              `json:"content"`
	ContentRef     string              `json:"contentRef,omitempty"`
	Created        time.Time           `json:"created"`
	CreatedBy      string              `json:"createdBy"`
	LastModified   time.Time           `json:"lastModified"`
	LastModifiedBy string              `json:"lastModifiedBy"`
	Properties     map[string][]string `json:"properties"`
	Authorized     []string            `json:"authorized"`
}

// AddProperty appends a value to a multi-valued document property.
func (d *Document) AddProperty(name, value string) {
	if d.Properties == nil {
		d.Properties = make(map[string][]string)
	}
	d.Properties[name] = append(d.Properties[name], value)
}

// Suggestion is one completion term taken from a document property. It
// shares the metadata and authorization of its document.
type Suggestion struct {
	ID         string   `json:"id"`
	ItemID     string   `json:"itemId"`
	Workspace  string   `json:"workspace"`
	Term       string   `json:"term"`
	Path       string   `json:"path"`
	Ancestors  []string `json:"ancestors"`
	MimeType   string   `json:"mimetype"`
	Authorized []string `json:"authorized"`
}

// Ancestors returns the strict ancestor paths of p, root first.
func Ancestors(p string) []string {
	paths := store.AncestorPaths(p)
	return paths[:len(paths)-1]
}

// Request describes an index query.
type Request struct {
	Workspace string
	Text      string
	// Scope restricts hits to documents strictly below this path.
	Scope string
	// Authorized, when non-nil, keeps only documents readable by one of
	// these grantees.
	Authorized []string
	Offset     int
	Limit      int
}

func (r Request) scoped() bool {
	return r.Scope != "" && r.Scope != store.RootPath
}

type Hit struct {
	ID    string  `json:"id"`
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// Page is one window of query hits. Total is the index's estimate of all
// matching documents.
type Page struct {
	Hits  []Hit `json:"hits"`
	Total int   `json:"total"`
}

// changeset is what a committed batch did to the authoritative index,
// replayed onto the mirror.
type changeset struct {
	upsertDocs        []Document
	deleteDocs        []string
	upsertSuggestions []Suggestion
	deleteSuggestions []string
}

func (c changeset) empty() bool {
	return len(c.upsertDocs) == 0 && len(c.deleteDocs) == 0 &&
		len(c.upsertSuggestions) == 0 && len(c.deleteSuggestions) == 0
}

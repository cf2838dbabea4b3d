// Package journal drains committed transactions from the item-store journal
// and turns their raw mutation rows into per-item net changes.
package journal

import (
	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

// Record is the net effect of one transaction on one node.
type Record struct {
	ItemID      string
	Type        store.EventType
	Path        string
	PrimaryType string
	// SourcePath is the path the node had before its earliest move.
	SourcePath string
	Properties []string
	ACLChanged bool
	// PathChanged is set once the node moved within the transaction.
	PathChanged bool
}

// HasProperty reports whether name is among the changed properties.
func (r *Record) HasProperty(name string) bool {
	for _, p := range r.Properties {
		if p == name {
			return true
		}
	}
	return false
}

// fillPrimaryType sets the primary type of a record first seen through a
// content-child property row, which does not carry the file's type.
func (r *Record) fillPrimaryType(primaryType string) {
	if r.PrimaryType == "" {
		r.PrimaryType = primaryType
	}
}

func (r *Record) addProperty(name string) {
	if name == "" || r.HasProperty(name) {
		return
	}
	r.Properties = append(r.Properties, name)
}

// Changes holds the records of one transaction keyed by item id, in the
// order each item was first seen.
type Changes struct {
	order   []string
	records map[string]*Record
}

func newChanges() *Changes {
	return &Changes{records: make(map[string]*Record)}
}

func (c *Changes) get(id string) *Record {
	return c.records[id]
}

func (c *Changes) put(r *Record) {
	if _, ok := c.records[r.ItemID]; !ok {
		c.order = append(c.order, r.ItemID)
	}
	c.records[r.ItemID] = r
}

func (c *Changes) remove(id string) {
	if _, ok := c.records[id]; !ok {
		return
	}
	delete(c.records, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Changes) Len() int {
	return len(c.order)
}

// Get returns a copy of the record for id.
func (c *Changes) Get(id string) (Record, bool) {
	r, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	return clone(r), true
}

// Records returns copies of the records in first-seen order.
func (c *Changes) Records() []Record {
	out := make([]Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, clone(c.records[id]))
	}
	return out
}

func clone(r *Record) Record {
	out := *r
	out.Properties = append([]string(nil), r.Properties...)
	return out
}

// Coalesce folds the journal rows of one transaction, in row order, into
// net changes. It performs no I/O.
func Coalesce(entries []store.JournalEntry) *Changes {
	changes := newChanges()
	for _, e := range entries {
		if store.IsSystemPath(e.ItemPath) {
			continue
		}
		switch {
		case e.Type == store.EventAdded:
			if isContentNode(e.ItemPath) {
				continue
			}
			changes.put(&Record{ItemID: e.ItemID, Type: store.EventAdded, Path: e.ItemPath, PrimaryType: e.PrimaryType})

		case e.Type == store.EventMoved:
			if isContentNode(e.ItemPath) {
				continue
			}
			r := changes.get(e.ItemID)
			if r == nil {
				changes.put(&Record{
					ItemID:      e.ItemID,
					Type:        store.EventMoved,
					Path:        e.ItemPath,
					PrimaryType: e.PrimaryType,
					SourcePath:  e.SourcePath,
					PathChanged: true,
				})
				continue
			}
			r.Path = e.ItemPath
			r.fillPrimaryType(e.PrimaryType)
			if r.Type != store.EventAdded {
				r.Type = store.EventMoved
			}
			if r.SourcePath == "" {
				r.SourcePath = e.SourcePath
			}
			r.PathChanged = true

		case e.Type == store.EventRemoved:
			if isContentNode(e.ItemPath) {
				continue
			}
			r := changes.get(e.ItemID)
			if r == nil {
				changes.put(&Record{ItemID: e.ItemID, Type: store.EventRemoved, Path: e.ItemPath, PrimaryType: e.PrimaryType})
				continue
			}
			if r.Type == store.EventAdded {
				changes.remove(e.ItemID)
				continue
			}
			r.Type = store.EventRemoved
			r.fillPrimaryType(e.PrimaryType)

		case e.Type.IsProperty():
			id, path, primaryType := owner(e)
			if store.IsSystemPath(path) {
				continue
			}
			r := changes.get(id)
			if r == nil {
				r = &Record{ItemID: id, Type: store.EventChanged, Path: path, PrimaryType: primaryType}
				changes.put(r)
			}
			r.addProperty(e.PropertyName)

		case e.Type.IsACL():
			if isContentNode(e.ItemPath) {
				continue
			}
			r := changes.get(e.ItemID)
			if r == nil {
				r = &Record{ItemID: e.ItemID, Type: store.EventChanged, Path: e.ItemPath, PrimaryType: e.PrimaryType}
				changes.put(r)
			}
			r.ACLChanged = true
		}
	}
	return changes
}

func isContentNode(path string) bool {
	return store.BaseName(path) == store.ContentName
}

// owner resolves a property event to the node it is reported against. A
// property of a content child counts as a change of the file above it,
// whose primary type the row does not carry.
func owner(e store.JournalEntry) (id, path, primaryType string) {
	nodePath := store.ParentPath(e.ItemPath)
	if isContentNode(nodePath) && e.ParentID != "" {
		return e.ParentID, store.ParentPath(nodePath), ""
	}
	return e.ItemID, nodePath, e.PrimaryType
}

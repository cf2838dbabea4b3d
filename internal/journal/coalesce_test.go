package journal

import (
	"testing"

	"github.com/mintjamsinc/cms0-sub002/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(t store.EventType, id, path, primaryType string) store.JournalEntry {
	return store.JournalEntry{Type: t, ItemID: id, ItemPath: path, PrimaryType: primaryType}
}

func prop(t store.EventType, id, parentID, nodePath, name string) store.JournalEntry {
	return store.JournalEntry{
		Type:         t,
		ItemID:       id,
		ParentID:     parentID,
		ItemPath:     store.ChildPath(nodePath, name),
		PropertyName: name,
		PrimaryType:  store.TypeResource,
	}
}

func moved(id, path, source string) store.JournalEntry {
	e := node(store.EventMoved, id, path, store.TypeFile)
	e.SourcePath = source
	return e
}

func TestAddThenRemoveCancels(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		node(store.EventAdded, "f1", "/docs/a.txt", store.TypeFile),
		node(store.EventAdded, "c1", "/docs/a.txt/jcr:content", store.TypeResource),
		prop(store.EventPropertyAdded, "c1", "f1", "/docs/a.txt/jcr:content", "jcr:data"),
		node(store.EventRemoved, "c1", "/docs/a.txt/jcr:content", store.TypeResource),
		node(store.EventRemoved, "f1", "/docs/a.txt", store.TypeFile),
	})
	assert.Zero(t, changes.Len())
	assert.Empty(t, changes.Records())
}

func TestSystemSubtreeIsDropped(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		node(store.EventAdded, "s1", "/jcr:system/versions", store.TypeFolder),
		node(store.EventAdded, "s0", "/jcr:system", store.TypeFolder),
		prop(store.EventPropertyChanged, "s1", "s0", "/jcr:system/versions", "title"),
		node(store.EventACLChanged, "s1", "/jcr:system/versions", store.TypeFolder),
	})
	assert.Zero(t, changes.Len())
}

func TestContentChildEventsResolveToOwner(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		node(store.EventAdded, "c1", "/a.txt/jcr:content", store.TypeResource),
		prop(store.EventPropertyChanged, "c1", "f1", "/a.txt/jcr:content", "jcr:data"),
		prop(store.EventPropertyChanged, "c1", "f1", "/a.txt/jcr:content", "jcr:mimeType"),
		prop(store.EventPropertyChanged, "c1", "f1", "/a.txt/jcr:content", "jcr:data"),
	})
	require.Equal(t, 1, changes.Len())
	r, ok := changes.Get("f1")
	require.True(t, ok)
	assert.Equal(t, store.EventChanged, r.Type)
	assert.Equal(t, "/a.txt", r.Path)
	assert.Equal(t, []string{"jcr:data", "jcr:mimeType"}, r.Properties)
	assert.False(t, r.ACLChanged)
}

func TestPropertyOnPlainNode(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		prop(store.EventPropertyRemoved, "n1", "root", "/notes", "title"),
	})
	r, ok := changes.Get("n1")
	require.True(t, ok)
	assert.Equal(t, "/notes", r.Path)
	assert.Equal(t, store.TypeResource, r.PrimaryType)
	assert.True(t, r.HasProperty("title"))
}

func TestMoveRules(t *testing.T) {
	t.Run("move of existing node keeps earliest source", func(t *testing.T) {
		changes := Coalesce([]store.JournalEntry{
			moved("f1", "/b/a.txt", "/a/a.txt"),
			moved("f1", "/c/a.txt", "/b/a.txt"),
		})
		r, ok := changes.Get("f1")
		require.True(t, ok)
		assert.Equal(t, store.EventMoved, r.Type)
		assert.Equal(t, "/c/a.txt", r.Path)
		assert.Equal(t, "/a/a.txt", r.SourcePath)
		assert.True(t, r.PathChanged)
	})
	t.Run("created then moved stays added", func(t *testing.T) {
		changes := Coalesce([]store.JournalEntry{
			node(store.EventAdded, "f1", "/tmp/a.txt", store.TypeFile),
			moved("f1", "/docs/a.txt", "/tmp/a.txt"),
		})
		r, _ := changes.Get("f1")
		assert.Equal(t, store.EventAdded, r.Type)
		assert.Equal(t, "/docs/a.txt", r.Path)
		assert.True(t, r.PathChanged)
	})
	t.Run("changed then moved becomes moved", func(t *testing.T) {
		changes := Coalesce([]store.JournalEntry{
			prop(store.EventPropertyChanged, "f1", "root", "/a.txt", "title"),
			moved("f1", "/b.txt", "/a.txt"),
		})
		r, _ := changes.Get("f1")
		assert.Equal(t, store.EventMoved, r.Type)
		assert.Equal(t, "/a.txt", r.SourcePath)
		assert.Equal(t, []string{"title"}, r.Properties)
	})
	t.Run("content child move is ignored", func(t *testing.T) {
		changes := Coalesce([]store.JournalEntry{moved("c1", "/b.txt/jcr:content", "/a.txt/jcr:content")})
		assert.Zero(t, changes.Len())
	})
}

func TestRemoveDowngrades(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		moved("f1", "/b.txt", "/a.txt"),
		node(store.EventRemoved, "f1", "/b.txt", store.TypeFile),
		node(store.EventRemoved, "d1", "/dir", store.TypeFolder),
	})
	records := changes.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "f1", records[0].ItemID)
	assert.Equal(t, store.EventRemoved, records[0].Type)
	assert.Equal(t, "/a.txt", records[0].SourcePath)
	assert.Equal(t, store.EventRemoved, records[1].Type)
	assert.Equal(t, store.TypeFolder, records[1].PrimaryType)
}

func TestRemoveAfterContentChangeKeepsFileType(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		prop(store.EventPropertyChanged, "c1", "f1", "/a.txt/jcr:content", "jcr:data"),
		node(store.EventRemoved, "c1", "/a.txt/jcr:content", store.TypeResource),
		node(store.EventRemoved, "f1", "/a.txt", store.TypeFile),
	})
	records := changes.Records()
	require.Len(t, records, 1)
	assert.Equal(t, store.EventRemoved, records[0].Type)
	assert.Equal(t, store.TypeFile, records[0].PrimaryType)
	assert.Equal(t, "/a.txt", records[0].Path)
}

func TestMoveAfterContentChangeKeepsFileType(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		prop(store.EventPropertyChanged, "c1", "f1", "/a.txt/jcr:content", "jcr:mimeType"),
		moved("f1", "/b.txt", "/a.txt"),
	})
	r, ok := changes.Get("f1")
	require.True(t, ok)
	assert.Equal(t, store.EventMoved, r.Type)
	assert.Equal(t, store.TypeFile, r.PrimaryType)
	assert.Equal(t, []string{"jcr:mimeType"}, r.Properties)
}

func TestACLChangeKeepsType(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		node(store.EventAdded, "d1", "/dir", store.TypeFolder),
		node(store.EventACLChanged, "d1", "/dir", store.TypeFolder),
		node(store.EventACLRemoved, "d2", "/other", store.TypeFolder),
	})
	d1, _ := changes.Get("d1")
	assert.Equal(t, store.EventAdded, d1.Type)
	assert.True(t, d1.ACLChanged)

	d2, _ := changes.Get("d2")
	assert.Equal(t, store.EventChanged, d2.Type)
	assert.True(t, d2.ACLChanged)
}

func TestRecordsKeepFirstSeenOrderAndAreCopies(t *testing.T) {
	changes := Coalesce([]store.JournalEntry{
		prop(store.EventPropertyChanged, "b", "root", "/b", "x"),
		node(store.EventAdded, "a", "/a", store.TypeFolder),
		prop(store.EventPropertyChanged, "b", "root", "/b", "y"),
		node(store.EventLocked, "c", "/c", store.TypeFolder),
	})
	records := changes.Records()
	require.Len(t, records, 2)
	assert.Equal(t, []string{"b", "a"}, []string{records[0].ItemID, records[1].ItemID})

	records[0].Properties[0] = "mutated"
	again, _ := changes.Get("b")
	assert.Equal(t, []string{"x", "y"}, again.Properties)
}

package store

import (
	"errors"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("item not found")
	ErrItemExists    = errors.New("item already exists")
	ErrAlreadyLocked = errors.New("item already locked")
)

// Well-known item names and node types.
const (
	RootPath         = "/"
	SystemName       = "jcr:system"
	SystemPath       = "/jcr:system"
	ContentName      = "jcr:content"
	TypeRoot         = "rep:root"
	TypeFolder       = "nt:folder"
	TypeFile         = "nt:file"
	TypeResource     = "nt:resource"
	TypeUnstructured = "nt:unstructured"
	MixinLockable    = "mix:lockable"

	PropData       = "jcr:data"
	PropMimeType   = "jcr:mimeType"
	PropEncoding   = "jcr:encoding"
	PropLockOwner  = "jcr:lockOwner"
	PropLockIsDeep = "jcr:lockIsDeep"
	PropMixinTypes = "jcr:mixinTypes"
)

// Value types stored in properties.value_type.
const (
	ValueString  = "String"
	ValueBoolean = "Boolean"
	ValueLong    = "Long"
	ValueDate    = "Date"
	ValueBinary  = "Binary"
)

// EventType is the kind of a journal entry.
type EventType string

const (
	EventAdded           EventType = "ADDED"
	EventMoved           EventType = "MOVED"
	EventRemoved         EventType = "REMOVED"
	EventChanged         EventType = "CHANGED"
	EventPropertyAdded   EventType = "PROPERTY_ADDED"
	EventPropertyChanged EventType = "PROPERTY_CHANGED"
	EventPropertyRemoved EventType = "PROPERTY_REMOVED"
	EventACLChanged      EventType = "ACL_CHANGED"
	EventACLRemoved      EventType = "ACL_REMOVED"
	EventLocked          EventType = "LOCKED"
	EventUnlocked        EventType = "UNLOCKED"
	EventLockRefreshed   EventType = "LOCK_REFRESHED"
)

// IsProperty reports whether the event describes a property mutation.
func (t EventType) IsProperty() bool {
	return t == EventPropertyAdded || t == EventPropertyChanged || t == EventPropertyRemoved
}

// IsACL reports whether the event describes an access control change.
func (t EventType) IsACL() bool {
	return t == EventACLChanged || t == EventACLRemoved
}

type Node struct {
	Workspace      string
	ID             string
	ParentID       string
	Name           string
	Path           string
	PrimaryType    string
	MixinTypes     []string
	CreatedAt      time.Time
	CreatedBy      string
	LastModifiedAt time.Time
	LastModifiedBy string
}

// HasMixin reports whether the node carries the given mixin type.
func (n Node) HasMixin(mixin string) bool {
	for _, m := range n.MixinTypes {
		if m == mixin {
			return true
		}
	}
	return false
}

func (n Node) IsFolder() bool {
	return n.PrimaryType == TypeFolder || n.PrimaryType == TypeRoot
}

func (n Node) IsFile() bool {
	return n.PrimaryType == TypeFile
}

type Property struct {
	Name     string
	Type     string
	Multiple bool
	Values   []string
	BlobKey  string
	BlobSize int64
}

// Value returns the first value, or "" for an empty property.
func (p Property) Value() string {
	if len(p.Values) == 0 {
		return ""
	}
	return p.Values[0]
}

// JournalEntry is one raw mutation record written by a commit. For property
// events ItemID names the owning node and ItemPath is the property path.
// ParentID is the id of the item's parent node.
type JournalEntry struct {
	Seq           int64
	Workspace     string
	TransactionID string
	OccurredAt    time.Time
	Type          EventType
	ItemID        string
	ItemPath      string
	ParentID      string
	PrimaryType   string
	SourcePath    string
	PropertyName  string
	Principal     string
}

// ACE is one stored access control entry.
type ACE struct {
	Principal  string
	IsGroup    bool
	Allow      bool
	Privileges []string
}

// Policy is the access control list stored on one node.
type Policy struct {
	ItemID  string
	Path    string
	Entries []ACE
}

type Lock struct {
	Workspace   string
	ItemID      string
	Path        string
	Token       string
	Principal   string
	OwnerInfo   string
	IsDeep      bool
	SessionID   string
	TimeoutHint int64
	CreatedAt   time.Time
}

// SessionScoped reports whether the lock dies with its session.
func (l Lock) SessionScoped() bool {
	return l.SessionID != ""
}

type Principal struct {
	Name         string
	IsGroup      bool
	PasswordHash string
	Disabled     bool
	CreatedAt    time.Time
}

// ChildPath joins a parent path and a child name.
func ChildPath(parent, name string) string {
	if parent == RootPath {
		return RootPath + name
	}
	return parent + "/" + name
}

// ParentPath returns the parent of p; the root is its own parent.
func ParentPath(p string) string {
	if p == RootPath || p == "" {
		return RootPath
	}
	return path.Dir(p)
}

// BaseName returns the last segment of p.
func BaseName(p string) string {
	if p == RootPath {
		return ""
	}
	return path.Base(p)
}

// AncestorPaths returns every path from the root down to p, root first.
func AncestorPaths(p string) []string {
	paths := []string{RootPath}
	if p == RootPath || p == "" {
		return paths
	}
	segments := strings.Split(strings.Trim(p, "/"), "/")
	current := ""
	for _, segment := range segments {
		current += "/" + segment
		paths = append(paths, current)
	}
	return paths
}

// IsDescendant reports whether p lies strictly below ancestor.
func IsDescendant(p, ancestor string) bool {
	if ancestor == RootPath {
		return p != RootPath && strings.HasPrefix(p, RootPath)
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// IsSystemPath reports whether p is the system subtree or inside it.
func IsSystemPath(p string) bool {
	return p == SystemPath || IsDescendant(p, SystemPath)
}

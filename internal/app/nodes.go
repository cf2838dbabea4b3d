package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mintjamsinc/cms0-sub002/internal/blob"
	"github.com/mintjamsinc/cms0-sub002/internal/lock"
	"github.com/mintjamsinc/cms0-sub002/internal/privilege"
	"github.com/mintjamsinc/cms0-sub002/internal/session"
	"github.com/mintjamsinc/cms0-sub002/internal/store"
)

// maxInlineData bounds binary values kept in Postgres when no blob store
// is configured.
const maxInlineData = 16 << 20

type PropertyView struct {
	Type     string   `json:"type"`
	Multiple bool     `json:"multiple"`
	Values   []string `json:"values,omitempty"`
	Size     int64    `json:"size,omitempty"`
}

type NodeView struct {
	ID             string                  `json:"id"`
	Path           string                  `json:"path"`
	Name           string                  `json:"name"`
	PrimaryType    string                  `json:"primaryType"`
	MixinTypes     []string                `json:"mixinTypes"`
	Created        time.Time               `json:"created"`
	CreatedBy      string                  `json:"createdBy"`
	LastModified   time.Time               `json:"lastModified"`
	LastModifiedBy string                  `json:"lastModifiedBy"`
	Properties     map[string]PropertyView `json:"properties,omitempty"`
}

func nodeView(n store.Node, props []store.Property) NodeView {
	view := NodeView{
		ID:             n.ID,
		Path:           n.Path,
		Name:           n.Name,
		PrimaryType:    n.PrimaryType,
		MixinTypes:     n.MixinTypes,
		Created:        n.CreatedAt,
		CreatedBy:      n.CreatedBy,
		LastModified:   n.LastModifiedAt,
		LastModifiedBy: n.LastModifiedBy,
	}
	if view.MixinTypes == nil {
		view.MixinTypes = []string{}
	}
	if len(props) > 0 {
		view.Properties = make(map[string]PropertyView, len(props))
	}
	for _, p := range props {
		pv := PropertyView{Type: p.Type, Multiple: p.Multiple}
		if p.Type == store.ValueBinary {
			pv.Size = p.BlobSize
			if p.BlobKey == "" {
				pv.Size = int64(base64.StdEncoding.DecodedLen(len(p.Value())))
			}
		} else {
			pv.Values = p.Values
		}
		view.Properties[p.Name] = pv
	}
	return view
}

func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", validationError("path must be absolute")
	}
	if p != store.RootPath {
		p = strings.TrimSuffix(p, "/")
	}
	for _, segment := range strings.Split(strings.Trim(p, "/"), "/") {
		if segment == "." || segment == ".." || (segment == "" && p != store.RootPath) {
			return "", validationError("invalid path " + p)
		}
	}
	return p, nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/[]*|") || name == "." || name == ".." {
		return validationError("invalid name " + name)
	}
	return nil
}

func (s *Service) GetNode(ctx context.Context, sess *session.Session, path string) (NodeView, error) {
	path, err := cleanPath(path)
	if err != nil {
		return NodeView{}, err
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, path, privilege.Read); err != nil {
		return NodeView{}, err
	}
	node, err := s.store.NodeByPath(ctx, sess.Workspace, path)
	if err != nil {
		return NodeView{}, err
	}
	props, err := s.store.Properties(ctx, sess.Workspace, node.ID)
	if err != nil {
		return NodeView{}, err
	}
	return nodeView(node, props), nil
}

// ListChildren returns the readable children of the node at path.
func (s *Service) ListChildren(ctx context.Context, sess *session.Session, path string) ([]NodeView, error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, path, privilege.Read); err != nil {
		return nil, err
	}
	node, err := s.store.NodeByPath(ctx, sess.Workspace, path)
	if err != nil {
		return nil, err
	}
	children, err := s.store.Children(ctx, sess.Workspace, node.ID)
	if err != nil {
		return nil, err
	}
	views := make([]NodeView, 0, len(children))
	for _, child := range children {
		ok, err := s.evaluator.HasPrivileges(ctx, sess, child.Path, privilege.Read)
		if err != nil {
			return nil, err
		}
		if ok {
			views = append(views, nodeView(child, nil))
		}
	}
	return views, nil
}

// checkWritable fails when path is locked by a lock the session does not
// hold.
func (s *Service) checkWritable(ctx context.Context, sess *session.Session, path string) error {
	m, err := s.lockManager(ctx, sess)
	if err != nil {
		return err
	}
	l, err := m.GetLock(ctx, path)
	if errors.Is(err, lock.ErrNotLocked) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.Token == "" {
		return fmt.Errorf("%w: %s is locked by %s", lock.ErrLockConflict, path, l.Principal)
	}
	return nil
}

// mutate runs fn in one journaled transaction. The touched paths count as
// pending changes of the session until it commits.
func (s *Service) mutate(ctx context.Context, sess *session.Session, paths []string, fn func(*store.Tx) error) error {
	for _, p := range paths {
		sess.MarkPending(p)
	}
	defer sess.ClearPending()
	_, err := s.store.WithTx(ctx, sess.Workspace, sess.UserID, fn)
	return err
}

type AddNodeInput struct {
	ParentPath  string   `json:"parentPath"`
	Name        string   `json:"name"`
	PrimaryType string   `json:"primaryType"`
	Mixins      []string `json:"mixins"`
}

func (s *Service) AddNode(ctx context.Context, sess *session.Session, input AddNodeInput) (NodeView, error) {
	parent, err := cleanPath(input.ParentPath)
	if err != nil {
		return NodeView{}, err
	}
	name := strings.TrimSpace(input.Name)
	if err := validName(name); err != nil {
		return NodeView{}, err
	}
	primaryType := strings.TrimSpace(input.PrimaryType)
	if primaryType == "" {
		primaryType = store.TypeUnstructured
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, parent, privilege.AddChildren); err != nil {
		return NodeView{}, err
	}
	if err := s.checkWritable(ctx, sess, parent); err != nil {
		return NodeView{}, err
	}
	var node store.Node
	err = s.mutate(ctx, sess, []string{parent}, func(tx *store.Tx) error {
		var err error
		node, err = tx.AddNode(ctx, parent, name, primaryType, input.Mixins...)
		return err
	})
	if err != nil {
		return NodeView{}, fmt.Errorf("add node %s: %w", store.ChildPath(parent, name), err)
	}
	return nodeView(node, nil), nil
}

func (s *Service) RemoveNode(ctx context.Context, sess *session.Session, path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	if path == store.RootPath || store.IsSystemPath(path) {
		return validationError("cannot remove " + path)
	}
	parent := store.ParentPath(path)
	if err := s.evaluator.CheckPrivileges(ctx, sess, path, privilege.RemoveNode); err != nil {
		return err
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, parent, privilege.RemoveChildren); err != nil {
		return err
	}
	if err := s.checkWritable(ctx, sess, path); err != nil {
		return err
	}
	if err := s.checkWritable(ctx, sess, parent); err != nil {
		return err
	}
	// TODO: remove the blobs of removed binary properties once the journal
	// records their keys.
	if err := s.mutate(ctx, sess, []string{path}, func(tx *store.Tx) error {
		return tx.RemoveNode(ctx, path)
	}); err != nil {
		return fmt.Errorf("remove node %s: %w", path, err)
	}
	s.registry.InvalidatePrivileges(sess.Workspace, path)
	return nil
}

type MoveInput struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (s *Service) MoveNode(ctx context.Context, sess *session.Session, input MoveInput) (NodeView, error) {
	src, err := cleanPath(input.Source)
	if err != nil {
		return NodeView{}, err
	}
	dst, err := cleanPath(input.Destination)
	if err != nil {
		return NodeView{}, err
	}
	if src == store.RootPath || store.IsSystemPath(src) || store.IsSystemPath(dst) {
		return NodeView{}, validationError("cannot move " + src)
	}
	if dst == src || store.IsDescendant(dst, src) {
		return NodeView{}, validationError("cannot move a node below itself")
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, src, privilege.RemoveNode); err != nil {
		return NodeView{}, err
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, store.ParentPath(dst), privilege.AddChildren); err != nil {
		return NodeView{}, err
	}
	for _, p := range []string{src, store.ParentPath(src), store.ParentPath(dst)} {
		if err := s.checkWritable(ctx, sess, p); err != nil {
			return NodeView{}, err
		}
	}
	var node store.Node
	err = s.mutate(ctx, sess, []string{src, dst}, func(tx *store.Tx) error {
		var err error
		node, err = tx.MoveNode(ctx, src, dst)
		return err
	})
	if err != nil {
		return NodeView{}, fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	s.registry.InvalidatePrivileges(sess.Workspace, src)
	s.registry.InvalidatePrivileges(sess.Workspace, dst)
	return nodeView(node, nil), nil
}

type PropertyInput struct {
	Path     string   `json:"path"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Multiple bool     `json:"multiple"`
	Values   []string `json:"values"`
}

var writableTypes = map[string]bool{
	store.ValueString:  true,
	store.ValueBoolean: true,
	store.ValueLong:    true,
	store.ValueDate:    true,
	"Name":             true,
	"Path":             true,
	"Reference":        true,
}

// protected properties are maintained by the repository itself.
func protected(name string) bool {
	switch name {
	case "jcr:primaryType", store.PropMixinTypes, store.PropLockOwner, store.PropLockIsDeep,
		"jcr:created", "jcr:createdBy", "jcr:lastModified", "jcr:lastModifiedBy":
		return true
	}
	return false
}

func (s *Service) SetProperty(ctx context.Context, sess *session.Session, input PropertyInput) error {
	path, err := cleanPath(input.Path)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(input.Name)
	if err := validName(name); err != nil {
		return err
	}
	if protected(name) {
		return validationError(name + " is protected")
	}
	if input.Type == "" {
		input.Type = store.ValueString
	}
	if !writableTypes[input.Type] {
		return validationError("unsupported property type " + input.Type)
	}
	if !input.Multiple && len(input.Values) > 1 {
		return validationError("single-valued property with several values")
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, path, privilege.ModifyProperties); err != nil {
		return err
	}
	if err := s.checkWritable(ctx, sess, path); err != nil {
		return err
	}
	err = s.mutate(ctx, sess, []string{path}, func(tx *store.Tx) error {
		node, err := tx.NodeByPath(ctx, path)
		if err != nil {
			return err
		}
		return tx.SetProperty(ctx, node.ID, store.Property{
			Name: name, Type: input.Type, Multiple: input.Multiple, Values: input.Values,
		})
	})
	if err != nil {
		return fmt.Errorf("set property %s on %s: %w", name, path, err)
	}
	return nil
}

func (s *Service) RemoveProperty(ctx context.Context, sess *session.Session, path, name string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	if protected(name) {
		return validationError(name + " is protected")
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, path, privilege.ModifyProperties); err != nil {
		return err
	}
	if err := s.checkWritable(ctx, sess, path); err != nil {
		return err
	}
	err = s.mutate(ctx, sess, []string{path}, func(tx *store.Tx) error {
		node, err := tx.NodeByPath(ctx, path)
		if err != nil {
			return err
		}
		return tx.RemoveProperty(ctx, node.ID, name)
	})
	if err != nil {
		return fmt.Errorf("remove property %s on %s: %w", name, path, err)
	}
	return nil
}

// AddMixin adds a mixin type such as mix:lockable to the node at path.
func (s *Service) AddMixin(ctx context.Context, sess *session.Session, path, mixin string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(mixin) == "" {
		return validationError("mixin is required")
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, path, privilege.NodeTypeManagement); err != nil {
		return err
	}
	if err := s.checkWritable(ctx, sess, path); err != nil {
		return err
	}
	err = s.mutate(ctx, sess, []string{path}, func(tx *store.Tx) error {
		node, err := tx.NodeByPath(ctx, path)
		if err != nil {
			return err
		}
		return tx.AddMixin(ctx, node.ID, mixin)
	})
	if err != nil {
		return fmt.Errorf("add mixin %s on %s: %w", mixin, path, err)
	}
	return nil
}

type FileInput struct {
	Path     string
	MimeType string
	Encoding string
	Body     io.Reader
	// Size is the body length, or -1 when unknown.
	Size int64
}

// PutFile creates or replaces the nt:file at input.Path with its
// jcr:content resource.
func (s *Service) PutFile(ctx context.Context, sess *session.Session, input FileInput) (NodeView, error) {
	path, err := cleanPath(input.Path)
	if err != nil {
		return NodeView{}, err
	}
	parent, name := store.ParentPath(path), store.BaseName(path)
	if err := validName(name); err != nil {
		return NodeView{}, err
	}
	existing, err := s.store.NodeByPath(ctx, sess.Workspace, path)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return NodeView{}, err
	}
	if exists && !existing.IsFile() {
		return NodeView{}, validationError(path + " is not a file")
	}
	target, required := parent, privilege.AddChildren
	if exists {
		target, required = path, privilege.ModifyProperties
	}
	if err := s.evaluator.CheckPrivileges(ctx, sess, target, required); err != nil {
		return NodeView{}, err
	}
	if err := s.checkWritable(ctx, sess, target); err != nil {
		return NodeView{}, err
	}

	var inline string
	if s.blobs == nil {
		raw, err := io.ReadAll(io.LimitReader(input.Body, maxInlineData+1))
		if err != nil {
			return NodeView{}, fmt.Errorf("read file body: %w", err)
		}
		if len(raw) > maxInlineData {
			return NodeView{}, validationError("file too large without a blob store")
		}
		inline = base64.StdEncoding.EncodeToString(raw)
	}

	var file store.Node
	var uploaded string
	err = s.mutate(ctx, sess, []string{path}, func(tx *store.Tx) error {
		var content store.Node
		var err error
		if exists {
			file = existing
			content, err = tx.NodeByPath(ctx, store.ChildPath(path, store.ContentName))
			if errors.Is(err, store.ErrNotFound) {
				content, err = tx.AddNode(ctx, path, store.ContentName, store.TypeResource)
			}
		} else {
			file, err = tx.AddNode(ctx, parent, name, store.TypeFile)
			if err == nil {
				content, err = tx.AddNode(ctx, path, store.ContentName, store.TypeResource)
			}
		}
		if err != nil {
			return err
		}

		data := store.Property{Name: store.PropData, Type: store.ValueBinary}
		if s.blobs != nil {
			key := blob.Key(sess.Workspace, content.ID, store.PropData)
			info, err := s.blobs.Put(ctx, key, input.Body, input.Size, input.MimeType)
			if err != nil {
				return err
			}
			uploaded = key
			data.BlobKey, data.BlobSize = info.Key, info.Size
		} else {
			data.Values = []string{inline}
		}
		if err := tx.SetProperty(ctx, content.ID, data); err != nil {
			return err
		}
		if input.MimeType != "" {
			if err := tx.SetProperty(ctx, content.ID, store.Property{
				Name: store.PropMimeType, Type: store.ValueString, Values: []string{input.MimeType},
			}); err != nil {
				return err
			}
		}
		if input.Encoding != "" {
			return tx.SetProperty(ctx, content.ID, store.Property{
				Name: store.PropEncoding, Type: store.ValueString, Values: []string{input.Encoding},
			})
		}
		return nil
	})
	if err != nil {
		if uploaded != "" && !exists {
			if rmErr := s.blobs.Remove(ctx, uploaded); rmErr != nil {
				s.log.Warn().Err(rmErr).Str("key", uploaded).Msg("remove orphaned blob")
			}
		}
		return NodeView{}, fmt.Errorf("put file %s: %w", path, err)
	}
	return nodeView(file, nil), nil
}

// Package privilege holds the static privilege lattice: named privileges
// connected by aggregation edges, rooted at "all".
//
// Privileges live in an arena keyed by name. Aggregation edges are stored as
// name lists, so the lattice has no reference cycles and can be shared
// freely between goroutines once built.
package privilege

import (
	"errors"
	"fmt"
)

const (
	Read                = "read"
	ModifyProperties    = "modify-properties"
	AddChildren         = "add-children"
	RemoveNode          = "remove-node"
	RemoveChildren      = "remove-children"
	Write               = "write"
	ReadAccessControl   = "read-access-control"
	ModifyAccessControl = "modify-access-control"
	LockManagement      = "lock-management"
	VersionManagement   = "version-management"
	NodeTypeManagement  = "node-type-management"
	RetentionManagement = "retention-management"
	LifecycleManagement = "lifecycle-management"
	All                 = "all"
)

var ErrUnknownPrivilege = errors.New("unknown privilege")

// Privilege is an immutable lattice record.
type Privilege struct {
	Name       string
	Aggregates []string
}

// IsAggregate reports whether the privilege declares aggregated privileges.
func (p Privilege) IsAggregate() bool {
	return len(p.Aggregates) > 0
}

// Lattice is an immutable registry of privileges.
type Lattice struct {
	byName map[string]Privilege
	order  []string
}

// Builder collects privilege declarations. Declarations may reference
// privileges declared later; Build validates the whole graph.
type Builder struct {
	decls []Privilege
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Declare adds a privilege with its directly aggregated privilege names.
func (b *Builder) Declare(name string, aggregates ...string) *Builder {
	b.decls = append(b.decls, Privilege{Name: name, Aggregates: append([]string(nil), aggregates...)})
	return b
}

// Build validates names and rejects duplicate declarations, dangling
// aggregation edges and cycles.
func (b *Builder) Build() (*Lattice, error) {
	l := &Lattice{byName: make(map[string]Privilege, len(b.decls))}
	for _, p := range b.decls {
		if p.Name == "" {
			return nil, fmt.Errorf("build lattice: empty privilege name")
		}
		if _, dup := l.byName[p.Name]; dup {
			return nil, fmt.Errorf("build lattice: duplicate privilege %q", p.Name)
		}
		l.byName[p.Name] = p
		l.order = append(l.order, p.Name)
	}
	for _, p := range b.decls {
		for _, agg := range p.Aggregates {
			if _, ok := l.byName[agg]; !ok {
				return nil, fmt.Errorf("build lattice: %s aggregates %w %q", p.Name, ErrUnknownPrivilege, agg)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(l.order))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("build lattice: aggregation cycle through %q", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, agg := range l.byName[name].Aggregates {
			if err := visit(agg); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, name := range l.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return l, nil
}

var defaultLattice = mustDefault()

func mustDefault() *Lattice {
	l, err := NewBuilder().
		Declare(Read).
		Declare(ModifyProperties).
		Declare(AddChildren).
		Declare(RemoveNode).
		Declare(RemoveChildren).
		Declare(Write, ModifyProperties, AddChildren, RemoveNode, RemoveChildren).
		Declare(ReadAccessControl).
		Declare(ModifyAccessControl).
		Declare(LockManagement).
		Declare(VersionManagement).
		Declare(NodeTypeManagement).
		Declare(RetentionManagement).
		Declare(LifecycleManagement).
		Declare(All, Read, Write, ReadAccessControl, ModifyAccessControl, LockManagement,
			VersionManagement, NodeTypeManagement, RetentionManagement, LifecycleManagement).
		Build()
	if err != nil {
		panic(err)
	}
	return l
}

// Default returns the standard repository lattice.
func Default() *Lattice {
	return defaultLattice
}

// Lookup returns the named privilege.
func (l *Lattice) Lookup(name string) (Privilege, error) {
	p, ok := l.byName[name]
	if !ok {
		return Privilege{}, fmt.Errorf("%w: %q", ErrUnknownPrivilege, name)
	}
	return p, nil
}

// Names returns every privilege name in declaration order.
func (l *Lattice) Names() []string {
	return append([]string(nil), l.order...)
}

// Resolve checks that every name is declared.
func (l *Lattice) Resolve(names ...string) error {
	for _, name := range names {
		if _, err := l.Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether b is aggregated by a, directly or through any
// privilege a aggregates. A privilege does not contain itself.
func (l *Lattice) Contains(a, b string) bool {
	p, ok := l.byName[a]
	if !ok {
		return false
	}
	for _, agg := range p.Aggregates {
		if agg == b || l.Contains(agg, b) {
			return true
		}
	}
	return false
}

// Implies reports whether holding a grants b.
func (l *Lattice) Implies(a, b string) bool {
	return a == b || l.Contains(a, b)
}

// Expand returns the given privileges together with everything they
// transitively aggregate.
func (l *Lattice) Expand(names ...string) (Set, error) {
	set := make(Set)
	var add func(name string)
	add = func(name string) {
		if set.Has(name) {
			return
		}
		set.Add(name)
		for _, agg := range l.byName[name].Aggregates {
			add(agg)
		}
	}
	for _, name := range names {
		if _, err := l.Lookup(name); err != nil {
			return nil, err
		}
		add(name)
	}
	return set, nil
}

// Ordered returns the members of s in lattice declaration order.
func (l *Lattice) Ordered(s Set) []string {
	names := make([]string, 0, len(s))
	for _, name := range l.order {
		if s.Has(name) {
			names = append(names, name)
		}
	}
	return names
}

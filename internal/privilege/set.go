package privilege

import "sort"

// Set is a set of privilege names.
type Set map[string]struct{}

func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, name := range names {
		s.Add(name)
	}
	return s
}

func (s Set) Add(name string) {
	s[name] = struct{}{}
}

func (s Set) Remove(name string) {
	delete(s, name)
}

func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Union adds every member of other to s.
func (s Set) Union(other Set) {
	for name := range other {
		s.Add(name)
	}
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	c := make(Set, len(s))
	c.Union(s)
	return c
}

// Names returns the members sorted by name.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package schema models the runtime-described attribute tree: groups of
// typed nodes with cardinality and parent links. The schema is data, not
// compiled structure; everything else in the system is driven by it.
package schema

import (
	"errors"
	"fmt"
)

// Cardinality controls how many records a group permits per parent.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// DatatypeGrouping marks the structural node that names its group.
// Grouping nodes never hold data.
const DatatypeGrouping = "grouping"

// MaxDepth bounds tree traversal. Deeper schemas are rejected at
// validation time, so walkers never need per-entity depth checks.
const MaxDepth = 20

// ErrUnknownAlias is returned when a requested alias is not in the schema.
var ErrUnknownAlias = errors.New("unknown alias")

// reservedAliases are structural names that node and group aliases must not
// shadow. They collide with record bookkeeping fields in serialized trees.
var reservedAliases = map[string]bool{
	"id":          true,
	"entity_id":   true,
	"schema_id":   true,
	"parent_id":   true,
	"sortorder":   true,
	"provisional": true,
}

// Reserved reports whether alias collides with a structural name.
func Reserved(alias string) bool {
	return reservedAliases[alias]
}

// Node is one typed attribute within a group.
type Node struct {
	ID       string
	Alias    string
	Datatype string
	GroupID  string
	Required bool
	Default  any
	Config   map[string]any
}

// Structural reports whether the node is the group's grouping node.
func (n Node) Structural() bool {
	return n.Datatype == DatatypeGrouping
}

// Group is a schema-level grouping of nodes with a cardinality and a
// position in the group tree. Its alias is the alias of its grouping node.
type Group struct {
	ID          string
	Cardinality Cardinality
	ParentID    string
	Nodes       []Node
}

// GroupingNode returns the structural node naming this group, or false if
// the schema is malformed.
func (g Group) GroupingNode() (Node, bool) {
	for _, n := range g.Nodes {
		if n.Structural() {
			return n, true
		}
	}
	return Node{}, false
}

// Alias returns the group's alias (its grouping node's alias).
func (g Group) Alias() string {
	n, ok := g.GroupingNode()
	if !ok {
		return ""
	}
	return n.Alias
}

// DataNodes returns the group's non-structural nodes.
func (g Group) DataNodes() []Node {
	out := make([]Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if !n.Structural() {
			out = append(out, n)
		}
	}
	return out
}

// Schema is one published group/node tree, addressed by slug.
type Schema struct {
	ID     string
	Slug   string
	Groups []Group

	groupsByID    map[string]*Group
	groupsByAlias map[string]*Group
	nodesByAlias  map[string]*Node
	nodesByID     map[string]*Node
	children      map[string][]*Group
}

// index builds lookup maps. Called by Validate; safe to call repeatedly.
func (s *Schema) index() {
	s.groupsByID = make(map[string]*Group, len(s.Groups))
	s.groupsByAlias = make(map[string]*Group, len(s.Groups))
	s.nodesByAlias = make(map[string]*Node)
	s.nodesByID = make(map[string]*Node)
	s.children = make(map[string][]*Group)
	for i := range s.Groups {
		g := &s.Groups[i]
		s.groupsByID[g.ID] = g
		s.groupsByAlias[g.Alias()] = g
		if g.ParentID != "" {
			s.children[g.ParentID] = append(s.children[g.ParentID], g)
		}
		for j := range g.Nodes {
			n := &g.Nodes[j]
			s.nodesByAlias[n.Alias] = n
			s.nodesByID[n.ID] = n
		}
	}
}

// GroupByID looks up a group by id.
func (s *Schema) GroupByID(id string) (*Group, bool) {
	g, ok := s.groupsByID[id]
	return g, ok
}

// GroupByAlias looks up a group by its grouping node's alias.
func (s *Schema) GroupByAlias(alias string) (*Group, bool) {
	g, ok := s.groupsByAlias[alias]
	return g, ok
}

// NodeByAlias looks up any node by alias.
func (s *Schema) NodeByAlias(alias string) (*Node, bool) {
	n, ok := s.nodesByAlias[alias]
	return n, ok
}

// NodeByID looks up any node by id.
func (s *Schema) NodeByID(id string) (*Node, bool) {
	n, ok := s.nodesByID[id]
	return n, ok
}

// TopGroups returns groups without a parent, i.e. attached directly to the
// root entity.
func (s *Schema) TopGroups() []*Group {
	var out []*Group
	for i := range s.Groups {
		if s.Groups[i].ParentID == "" {
			out = append(out, &s.Groups[i])
		}
	}
	return out
}

// ChildGroups returns the direct children of a group.
func (s *Schema) ChildGroups(groupID string) []*Group {
	return s.children[groupID]
}

// GroupsHereAndBelow returns the group and all of its descendants,
// depth-first.
func (s *Schema) GroupsHereAndBelow(g *Group) []*Group {
	out := []*Group{g}
	for _, child := range s.children[g.ID] {
		out = append(out, s.GroupsHereAndBelow(child)...)
	}
	return out
}

// GroupsAtDepth buckets groups by distance from the root, index 0 holding
// the top groups. The slice length never exceeds MaxDepth.
func (s *Schema) GroupsAtDepth() [][]*Group {
	var levels [][]*Group
	current := s.TopGroups()
	for depth := 0; len(current) > 0 && depth < MaxDepth; depth++ {
		levels = append(levels, current)
		var next []*Group
		for _, g := range current {
			next = append(next, s.children[g.ID]...)
		}
		current = next
	}
	return levels
}

// Depth returns a group's distance from the root (top groups are 0).
func (s *Schema) Depth(g *Group) int {
	depth := 0
	for g.ParentID != "" && depth < MaxDepth {
		parent, ok := s.groupsByID[g.ParentID]
		if !ok {
			break
		}
		g = parent
		depth++
	}
	return depth
}

// ResolveGroups expands the requested group aliases to those groups plus all
// groups below them, mirroring the defer/only semantics of fetches: asking
// for a branch always includes its subtree.
func (s *Schema) ResolveGroups(aliases []string) (map[string]bool, error) {
	if len(aliases) == 0 {
		return nil, nil
	}
	out := make(map[string]bool)
	for _, alias := range aliases {
		g, ok := s.groupsByAlias[alias]
		if !ok {
			return nil, fmt.Errorf("%w: %q in schema %q", ErrUnknownAlias, alias, s.Slug)
		}
		for _, below := range s.GroupsHereAndBelow(g) {
			out[below.ID] = true
		}
	}
	return out, nil
}

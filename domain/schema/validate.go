package schema

import (
	"fmt"
	"strings"
)

// StructuralError reports schema misconfiguration: duplicate aliases,
// reserved-name collisions, missing grouping nodes, broken parent links.
// It is raised eagerly, before any data is touched, and is fatal.
type StructuralError struct {
	Schema   string
	Problems []string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("schema %q is misconfigured:\n  - %s",
		e.Schema, strings.Join(e.Problems, "\n  - "))
}

// Validate checks the schema's structural invariants and builds the lookup
// indexes used by every other component. It must be called (and succeed)
// before the schema is handed to a materializer or reconciler.
func (s *Schema) Validate() error {
	var problems []string

	seenAliases := make(map[string]string)
	seenNodeIDs := make(map[string]bool)
	groupIDs := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		groupIDs[g.ID] = true
	}

	for _, g := range s.Groups {
		grouping := 0
		for _, n := range g.Nodes {
			if n.Structural() {
				grouping++
			}
			if Reserved(n.Alias) {
				problems = append(problems,
					fmt.Sprintf("node alias %q collides with a reserved structural name", n.Alias))
			}
			if prev, dup := seenAliases[n.Alias]; dup {
				problems = append(problems,
					fmt.Sprintf("alias %q used by both node %s and node %s", n.Alias, prev, n.ID))
			} else {
				seenAliases[n.Alias] = n.ID
			}
			if seenNodeIDs[n.ID] {
				problems = append(problems, fmt.Sprintf("duplicate node id %s", n.ID))
			}
			seenNodeIDs[n.ID] = true
			if n.GroupID != g.ID {
				problems = append(problems,
					fmt.Sprintf("node %q belongs to group %s but is listed under %s", n.Alias, n.GroupID, g.ID))
			}
		}
		if grouping != 1 {
			problems = append(problems,
				fmt.Sprintf("group %s has %d grouping nodes, want exactly 1", g.ID, grouping))
		}
		switch g.Cardinality {
		case CardinalityOne, CardinalityMany:
		default:
			problems = append(problems,
				fmt.Sprintf("group %s has invalid cardinality %q", g.ID, g.Cardinality))
		}
		if g.ParentID != "" && !groupIDs[g.ParentID] {
			problems = append(problems,
				fmt.Sprintf("group %s references missing parent group %s", g.ID, g.ParentID))
		}
	}

	if depth := s.maxDepth(); depth > MaxDepth {
		problems = append(problems,
			fmt.Sprintf("group tree depth %d exceeds the maximum of %d", depth, MaxDepth))
	}

	if len(problems) > 0 {
		return &StructuralError{Schema: s.Slug, Problems: problems}
	}

	s.index()
	return nil
}

func (s *Schema) maxDepth() int {
	byID := make(map[string]Group, len(s.Groups))
	for _, g := range s.Groups {
		byID[g.ID] = g
	}
	max := 0
	for _, g := range s.Groups {
		depth := 1
		// The +1 guard terminates cycles, which then trip the depth check.
		for g.ParentID != "" && depth <= MaxDepth+1 {
			g = byID[g.ParentID]
			depth++
		}
		if depth > max {
			max = depth
		}
	}
	return max
}

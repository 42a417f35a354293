// Package permission evaluates access levels of roles to definitions.
//
// A Policy is a tree. A node is either an explicit level, or a delegation to
// nested policies for specific child discriminants, e.g. the definitions in a
// hierarchy "shop/inventory", with a default level. Evaluation follows
// delegations along a path of discriminants until it reaches an explicit node,
// or no delegation matches, and returns the level of the node where it
// stopped. Explicit None and Admin thus short-circuit: nested policies are not
// consulted.
package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrPermissionDenied = errors.New("permission denied")

// Level is an access level.
type Level int

const (
	None Level = iota
	Read
	Write // Write without read.
	ReadWrite
	Admin
)

var levelStrings = []string{"none", "read", "write", "readwrite", "admin"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelStrings) {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelStrings[l]
}

// ParseLevel parses the lower case name of a level, case-insensitively.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(s)
	for i, ls := range levelStrings {
		if ls == s {
			return Level(i), nil
		}
	}
	return None, fmt.Errorf("unknown permission level %q", s)
}

func (l Level) CanRead() bool {
	return l == Read || l == ReadWrite || l == Admin
}

func (l Level) CanWrite() bool {
	return l == Write || l == ReadWrite || l == Admin
}

// Policy is a node in a policy tree: either an explicit level for a
// discriminant and everything below it, or a delegation to nested policies for
// child discriminants.
type Policy struct {
	// For an explicit node, the level. For a delegation node, the level when no
	// delegation matches the path.
	Level Level

	Delegations map[string]*Policy

	explicit bool
}

// Explicit returns a policy with a fixed level. Nested policies are never
// consulted for an explicit policy.
func Explicit(l Level) *Policy {
	return &Policy{Level: l, explicit: true}
}

// Delegation returns a policy that delegates to nested policies added with
// Delegate, and has level def for children without delegation.
func Delegation(def Level) *Policy {
	return &Policy{Level: def, Delegations: map[string]*Policy{}}
}

// IsExplicit returns whether p is an explicit policy.
func (p *Policy) IsExplicit() bool {
	return p.explicit
}

// Delegate adds a nested policy for child, returning p. Delegations added to an
// explicit policy are kept but not used during evaluation.
func (p *Policy) Delegate(child string, nested *Policy) *Policy {
	if p.Delegations == nil {
		p.Delegations = map[string]*Policy{}
	}
	p.Delegations[child] = nested
	return p
}

// Evaluate returns the level for path. Explicit policies, None and Admin
// included, end evaluation. A nil policy evaluates to None.
func (p *Policy) Evaluate(path ...string) Level {
	for p != nil {
		if p.explicit || len(path) == 0 {
			return p.Level
		}
		c, ok := p.Delegations[path[0]]
		if !ok {
			return p.Level
		}
		p, path = c, path[1:]
	}
	return None
}

// Path returns the discriminants of a hierarchical definition name.
func Path(definition string) []string {
	return strings.Split(definition, "/")
}

// Build returns a policy from a default level and levels for definition paths.
// Nodes for paths without a level inherit the level of their parent. A path
// with level Admin becomes an explicit policy, levels for paths below it are
// ignored. Other paths with levels below them become delegations.
func Build(def Level, levels map[string]Level) *Policy {
	if def == Admin {
		return Explicit(Admin)
	}
	root := Delegation(def)
	paths := make([]string, 0, len(levels))
	for p := range levels {
		paths = append(paths, p)
	}
	// Parents before children.
	sort.Slice(paths, func(i, j int) bool {
		ni, nj := strings.Count(paths[i], "/"), strings.Count(paths[j], "/")
		if ni != nj {
			return ni < nj
		}
		return paths[i] < paths[j]
	})
Paths:
	for _, path := range paths {
		n := root
		for _, d := range Path(path) {
			if n.explicit {
				continue Paths
			}
			c, ok := n.Delegations[d]
			if !ok {
				c = Delegation(n.Level)
				n.Delegate(d, c)
			}
			n = c
		}
		n.Level = levels[path]
		if n.Level == Admin {
			n.explicit = true
			n.Delegations = nil
		}
	}
	finish(root)
	return root
}

// finish turns delegation nodes without delegations into explicit policies.
func finish(p *Policy) {
	if !p.explicit && len(p.Delegations) == 0 {
		p.explicit = true
		p.Delegations = nil
		return
	}
	for _, c := range p.Delegations {
		finish(c)
	}
}

// Roles maps role names to their policy.
type Roles map[string]*Policy

// Level returns the level of role for definition. Unknown roles have level
// None.
func (r Roles) Level(role, definition string) Level {
	return r[role].Evaluate(Path(definition)...)
}

// Check returns ErrPermissionDenied if role cannot read, or for write cannot
// write, definition.
func (r Roles) Check(role, definition string, write bool) error {
	l := r.Level(role, definition)
	if write && !l.CanWrite() {
		return fmt.Errorf("%w: role %q has level %s for definition %q, need write", ErrPermissionDenied, role, l, definition)
	} else if !write && !l.CanRead() {
		return fmt.Errorf("%w: role %q has level %s for definition %q, need read", ErrPermissionDenied, role, l, definition)
	}
	return nil
}

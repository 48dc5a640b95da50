package sigma

import (
	"fmt"
	"strings"
)

// Expr is a node of a parsed condition
// Every leaf is resolved against detection names at parse time
type Expr interface {
	// Eval folds the subtree, delegating leaves to the resolver
	Eval(Resolver) bool
	// String renders the subtree in condition syntax
	String() string
}

// NodeAnd is a two element node of a binary tree with Left and Right branches
// connected via logical conjunction
type NodeAnd struct {
	L, R Expr
}

// Eval implements Expr
func (n NodeAnd) Eval(r Resolver) bool {
	return n.L.Eval(r) && n.R.Eval(r)
}

func (n NodeAnd) String() string {
	return fmt.Sprintf("(%s and %s)", n.L, n.R)
}

// NodeOr is a two element node of a binary tree with Left and Right branches
// connected via logical disjunction
type NodeOr struct {
	L, R Expr
}

// Eval implements Expr
func (n NodeOr) Eval(r Resolver) bool {
	return n.L.Eval(r) || n.R.Eval(r)
}

func (n NodeOr) String() string {
	return fmt.Sprintf("(%s or %s)", n.L, n.R)
}

// NodeNot negates a branch
type NodeNot struct {
	B Expr
}

// Eval implements Expr
func (n NodeNot) Eval(r Resolver) bool {
	return !n.B.Eval(r)
}

func (n NodeNot) String() string {
	return "not " + n.B.String()
}

// NodeRef references exactly one detection
type NodeRef struct {
	Name string
}

// Eval implements Expr
func (n NodeRef) Eval(r Resolver) bool {
	return r.Resolve(n.Name)
}

func (n NodeRef) String() string { return n.Name }

// NodeGroup is a wildcard pattern or `them`, along with detection names it resolved to
// Names are sorted and never empty
// A group that is not wrapped by a quantifier matches if any member matches
type NodeGroup struct {
	Pattern string
	Names   []string
}

// Eval implements Expr
func (n NodeGroup) Eval(r Resolver) bool {
	for _, name := range n.Names {
		if r.Resolve(name) {
			return true
		}
	}
	return false
}

func (n NodeGroup) String() string { return n.Pattern }

func (n NodeGroup) refs() []Expr {
	out := make([]Expr, len(n.Names))
	for i, name := range n.Names {
		out[i] = &NodeRef{Name: name}
	}
	return out
}

// QuantifierKind selects how many group members must match
type QuantifierKind int

const (
	// QuantAll requires every member to match
	QuantAll QuantifierKind = iota
	// QuantAny requires at least one member to match
	QuantAny
	// QuantAtLeast requires at least N members to match
	QuantAtLeast
)

// Quantifier is the `all of`, `1 of`, `any of` or `N of` prefix
type Quantifier struct {
	Kind QuantifierKind
	// N is only meaningful for QuantAtLeast
	N int
}

func (q Quantifier) String() string {
	switch q.Kind {
	case QuantAll:
		return "all of"
	case QuantAny:
		return "1 of"
	default:
		return fmt.Sprintf("%d of", q.N)
	}
}

// required returns the number of matching members needed out of size
func (q Quantifier) required(size int) int {
	switch q.Kind {
	case QuantAll:
		return size
	case QuantAny:
		return 1
	default:
		return q.N
	}
}

// NodeQuantified applies quantifier to a resolved group
type NodeQuantified struct {
	Quantifier
	Group NodeGroup
}

// Eval implements Expr
func (n NodeQuantified) Eval(r Resolver) bool {
	need := n.required(len(n.Group.Names))
	var hits int
	for i, name := range n.Group.Names {
		if r.Resolve(name) {
			hits++
		}
		if hits >= need {
			return true
		}
		// not enough members left to satisfy the quantifier
		if hits+len(n.Group.Names)-i-1 < need {
			return false
		}
	}
	return false
}

func (n NodeQuantified) String() string {
	return n.Quantifier.String() + " " + n.Group.String()
}

// Expand rewrites the quantifier into plain binary conjunctions and disjunctions of NodeRef
// N of a group becomes a disjunction of all N sized conjunctions
func (n NodeQuantified) Expand() Expr {
	refs := n.Group.refs()
	switch need := n.required(len(refs)); {
	case need >= len(refs):
		return newConjunction(refs)
	case need <= 1:
		return newDisjunction(refs)
	default:
		combos := make([]Expr, 0)
		combinations(len(refs), need, func(idx []int) {
			members := make([]Expr, len(idx))
			for i, j := range idx {
				members[i] = refs[j]
			}
			combos = append(combos, newConjunction(members))
		})
		return newDisjunction(combos)
	}
}

func combinations(n, k int, fn func([]int)) {
	idx := make([]int, k)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == k {
			fn(append([]int(nil), idx...))
			return
		}
		for i := start; i <= n-(k-depth); i++ {
			idx[depth] = i
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
}

func newConjunction(s []Expr) Expr {
	switch len(s) {
	case 0:
		return nil
	case 1:
		return s[0]
	}
	return &NodeAnd{
		L: s[0],
		R: newConjunction(s[1:]),
	}
}

func newDisjunction(s []Expr) Expr {
	switch len(s) {
	case 0:
		return nil
	case 1:
		return s[0]
	}
	return &NodeOr{
		L: s[0],
		R: newDisjunction(s[1:]),
	}
}

// Condition is a single parsed condition string
type Condition struct {
	Raw  string
	Root Expr
}

// Eval implements Expr on the root node
func (c Condition) Eval(r Resolver) bool {
	if c.Root == nil {
		return false
	}
	return c.Root.Eval(r)
}

func (c Condition) String() string {
	if c.Root == nil {
		return ""
	}
	return strings.TrimSpace(c.Root.String())
}

// References lists distinct detection names used by the condition in first seen order
func (c Condition) References() []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case *NodeAnd:
			walk(n.L)
			walk(n.R)
		case *NodeOr:
			walk(n.L)
			walk(n.R)
		case *NodeNot:
			walk(n.B)
		case *NodeRef:
			add(n.Name)
		case *NodeGroup:
			for _, name := range n.Names {
				add(name)
			}
		case *NodeQuantified:
			for _, name := range n.Group.Names {
				add(name)
			}
		}
	}
	walk(c.Root)
	return out
}

package sigma

import (
	"github.com/google/uuid"
)

// Tree is a compiled sigma rule, detection logic along with rule metadata
type Tree struct {
	*RuleDetections
	Rule *RuleHandle
}

// Eval matches event and returns rule metadata on positive match
func (t Tree) Eval(e Event) (*Result, bool) {
	if t.RuleDetections == nil || !t.Match(e) {
		return nil, false
	}
	if t.Rule == nil {
		return &Result{}, true
	}
	return &Result{
		ID:    t.Rule.ID,
		Title: t.Rule.Title,
		Level: t.Rule.Level,
		Tags:  t.Rule.Tags,
	}, true
}

// NewTree compiles the detection section of a rule handle
func NewTree(r RuleHandle, reg *ModifierRegistry) (*Tree, error) {
	if r.Multipart {
		return nil, ErrUnsupportedRule{Path: r.Path, Msg: "multi-document rule collections are not supported"}
	}
	if r.Detection == nil {
		return nil, ErrDetection{Msg: "missing detection section"}
	}
	rd, err := NewRuleDetections(r.Detection, reg)
	if err != nil {
		return nil, err
	}
	return &Tree{
		RuleDetections: rd,
		Rule:           &r,
	}, nil
}

// HasValidID reports whether rule id is a UUID, as required by sigma rule format
// Engine does not depend on it, rules with other identifiers still compile
func (r RuleHandle) HasValidID() bool {
	_, err := uuid.Parse(r.ID)
	return err == nil
}

package sigma

import (
	"errors"
	"fmt"
	"sort"
)

// MatchGroup is one alternative of a detection
// All field assertions must match for the group to match
type MatchGroup []*FieldMatcher

// Match implements Matcher
func (g MatchGroup) Match(e Event) bool {
	for _, f := range g {
		if !f.Match(e) {
			return false
		}
	}
	return true
}

// Detection is a named search identifier from the detection section of a rule
// Groups are joined with logical disjunction
type Detection struct {
	Name   string
	Groups []MatchGroup
}

// Match implements Matcher
func (d Detection) Match(e Event) bool {
	for _, g := range d.Groups {
		if g.Match(e) {
			return true
		}
	}
	return false
}

// NewDetection builds a detection from its raw definition
// Accepted shapes are a single field keyed mapping or a list of such mappings
func NewDetection(name string, raw Value, reg *ModifierRegistry) (*Detection, error) {
	if reg == nil {
		return nil, fmt.Errorf("detection %q: missing modifier registry", name)
	}
	d := &Detection{Name: name}
	switch raw.Kind() {
	case KindMapping:
		m, _ := raw.Map()
		g, err := newMatchGroup(name, m, reg)
		if err != nil {
			return nil, err
		}
		d.Groups = []MatchGroup{g}
	case KindSequence:
		items, _ := raw.Seq()
		if len(items) == 0 {
			return nil, ErrDetection{Name: name, Msg: "empty detection"}
		}
		d.Groups = make([]MatchGroup, 0, len(items))
		for i, item := range items {
			m, ok := item.Map()
			if !ok {
				return nil, ErrDetection{
					Name: name,
					Msg: fmt.Sprintf(
						"item %d is %s, keyword lists are not supported and match groups must be field keyed",
						i, item.Kind(),
					),
				}
			}
			g, err := newMatchGroup(name, m, reg)
			if err != nil {
				return nil, err
			}
			d.Groups = append(d.Groups, g)
		}
	default:
		return nil, ErrDetection{
			Name: name,
			Msg:  fmt.Sprintf("expected mapping or list of mappings, got %s", raw.Kind()),
		}
	}
	return d, nil
}

func newMatchGroup(name string, m *Mapping, reg *ModifierRegistry) (MatchGroup, error) {
	if m == nil || m.Len() == 0 {
		return nil, ErrDetection{Name: name, Msg: "empty match group"}
	}
	g := make(MatchGroup, 0, m.Len())
	for _, key := range m.Keys {
		val := m.Values[key]
		values := []Value{val}
		switch val.Kind() {
		case KindSequence:
			values, _ = val.Seq()
			if len(values) == 0 {
				return nil, ErrDetection{Name: name, Msg: fmt.Sprintf("field %s has an empty value list", key)}
			}
		case KindMapping:
			return nil, ErrValue{Field: key, Value: val.Interface(), Msg: "nested mapping is not a valid pattern"}
		}
		f, err := reg.NewFieldMatcher(key, values...)
		if err != nil {
			var errDet ErrDetection
			if errors.As(err, &errDet) && errDet.Name == "" {
				errDet.Name = name
				return nil, errDet
			}
			return nil, err
		}
		g = append(g, f)
	}
	return g, nil
}

// Detections is the identifier namespace that conditions are resolved against
// Built once, read only afterwards
type Detections struct {
	// names in document order
	names  []string
	sorted []string
	index  map[string]*Detection
}

// NewDetections builds every detection in defs, stopping on first error
// Errors are wrapped with detection name and can be inspected with errors.As
// ErrDetection already carries the name and is returned as is
func NewDetections(defs *Mapping, reg *ModifierRegistry) (*Detections, error) {
	if defs == nil || defs.Len() == 0 {
		return nil, ErrDetection{Msg: "no detections defined"}
	}
	d := &Detections{
		names: make([]string, 0, defs.Len()),
		index: make(map[string]*Detection, defs.Len()),
	}
	for _, name := range defs.Keys {
		det, err := NewDetection(name, defs.Values[name], reg)
		if err != nil {
			var errDet ErrDetection
			if errors.As(err, &errDet) && errDet.Name == name {
				return nil, err
			}
			return nil, fmt.Errorf("detection %q: %w", name, err)
		}
		d.names = append(d.names, name)
		d.index[name] = det
	}
	d.sorted = append([]string(nil), d.names...)
	sort.Strings(d.sorted)
	return d, nil
}

// Len returns the number of detections
func (d Detections) Len() int { return len(d.names) }

// Names returns detection names in document order
func (d Detections) Names() []string { return append([]string(nil), d.names...) }

// SortedNames returns detection names in lexicographic order
func (d Detections) SortedNames() []string { return append([]string(nil), d.sorted...) }

// Get returns a detection by name
func (d Detections) Get(name string) (*Detection, bool) {
	det, ok := d.index[name]
	return det, ok
}

// Match evaluates a named detection, unknown names never match
func (d Detections) Match(name string, e Event) bool {
	det, ok := d.index[name]
	if !ok {
		return false
	}
	return det.Match(e)
}

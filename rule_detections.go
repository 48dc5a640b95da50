package sigma

import (
	"fmt"
	"time"

	"github.com/prometheus/common/model"
)

const (
	keyCondition = "condition"
	keyTimeframe = "timeframe"
)

// RuleDetections is the compiled detection section of a rule
// It holds named detections, optional timeframe and one parsed expression per condition string
// Immutable once built, safe for concurrent evaluation
type RuleDetections struct {
	detections *Detections

	timeframe    string
	hasTimeframe bool

	conditions []string
	parsed     []Condition
}

// NewRuleDetections builds the detection section from a decoded document
// doc is usually the yaml.MapSlice or map found under the detection key of a rule
// Build is fail fast, first error is returned and no partial object is produced
func NewRuleDetections(doc interface{}, reg *ModifierRegistry) (*RuleDetections, error) {
	raw, err := NewValue(doc)
	if err != nil {
		return nil, err
	}
	m, ok := raw.Map()
	if !ok {
		return nil, ErrDetection{Msg: fmt.Sprintf("detection section must be a mapping, got %s", raw.Kind())}
	}

	conditions, err := extractConditions(m)
	if err != nil {
		return nil, err
	}
	rd := &RuleDetections{conditions: conditions}

	if tf, ok := m.Get(keyTimeframe); ok {
		// scalars are kept as written, 30 becomes "30"
		if !tf.IsScalar() || tf.Kind() == KindNull || tf.Text() == "" {
			return nil, ErrValue{Field: keyTimeframe, Value: tf.Interface(), Msg: "timeframe must be a non-empty scalar"}
		}
		rd.timeframe, rd.hasTimeframe = tf.Text(), true
	}

	defs := newMapping(m.Len())
	for _, key := range m.Keys {
		if key == keyCondition || key == keyTimeframe {
			continue
		}
		defs.set(key, m.Values[key])
	}
	if rd.detections, err = NewDetections(defs, reg); err != nil {
		return nil, err
	}

	names := rd.detections.Names()
	rd.parsed = make([]Condition, 0, len(conditions))
	for _, c := range conditions {
		cond, err := ParseCondition(c, names)
		if err != nil {
			return nil, err
		}
		rd.parsed = append(rd.parsed, *cond)
	}
	return rd, nil
}

func extractConditions(m *Mapping) ([]string, error) {
	raw, ok := m.Get(keyCondition)
	if !ok {
		return nil, ErrCondition{Position: -1, Msg: "no condition"}
	}
	switch raw.Kind() {
	case KindString:
		s, _ := raw.Str()
		return []string{s}, nil
	case KindSequence:
		items, _ := raw.Seq()
		if len(items) == 0 {
			return nil, ErrCondition{Position: -1, Msg: "empty condition list"}
		}
		out := make([]string, 0, len(items))
		for i, item := range items {
			s, ok := item.Str()
			if !ok {
				return nil, ErrCondition{
					Position: -1,
					Msg:      fmt.Sprintf("condition %d is %s, expected string", i, item.Kind()),
				}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, ErrCondition{
			Position: -1,
			Msg:      fmt.Sprintf("condition must be string or list of strings, got %s", raw.Kind()),
		}
	}
}

// Detections returns the named detections
func (r RuleDetections) Detections() *Detections { return r.detections }

// Timeframe returns the raw timeframe string, if present
func (r RuleDetections) Timeframe() (string, bool) { return r.timeframe, r.hasTimeframe }

// TimeframeDuration parses timeframe with the same units as prometheus, such as 30s, 5m, 1h or 1d
func (r RuleDetections) TimeframeDuration() (time.Duration, error) {
	if !r.hasTimeframe {
		return 0, fmt.Errorf("rule has no timeframe")
	}
	d, err := model.ParseDuration(r.timeframe)
	if err != nil {
		return 0, ErrValue{Field: keyTimeframe, Value: r.timeframe, Msg: "invalid duration", Err: err}
	}
	return time.Duration(d), nil
}

// Conditions returns raw condition strings in document order
func (r RuleDetections) Conditions() []string {
	return append([]string(nil), r.conditions...)
}

// ParsedConditions returns one parsed condition per raw condition string, in the same order
func (r RuleDetections) ParsedConditions() []Condition {
	return append([]Condition(nil), r.parsed...)
}

// Match implements Matcher
// Rule matches if any condition evaluates to true
func (r RuleDetections) Match(e Event) bool {
	res := newDetectionCache(r.detections, e)
	for _, c := range r.parsed {
		if c.Eval(res) {
			return true
		}
	}
	return false
}

// EvalAll evaluates every condition and returns verdicts in condition order
func (r RuleDetections) EvalAll(e Event) []bool {
	res := newDetectionCache(r.detections, e)
	out := make([]bool, len(r.parsed))
	for i, c := range r.parsed {
		out[i] = c.Eval(res)
	}
	return out
}

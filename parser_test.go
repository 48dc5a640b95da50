package sigma

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var parserNames = []string{"selection", "filter", "sel_1", "sel_2", "sel_3", "keywords"}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		condition string
		expected  Expr
	}{
		{
			condition: "selection",
			expected:  &NodeRef{Name: "selection"},
		},
		{
			condition: "selection and not filter",
			expected: &NodeAnd{
				L: &NodeRef{Name: "selection"},
				R: &NodeNot{B: &NodeRef{Name: "filter"}},
			},
		},
		{
			condition: "not (selection and filter)",
			expected: &NodeNot{B: &NodeAnd{
				L: &NodeRef{Name: "selection"},
				R: &NodeRef{Name: "filter"},
			}},
		},
		{
			condition: "selection or filter and keywords",
			expected: &NodeOr{
				L: &NodeRef{Name: "selection"},
				R: &NodeAnd{L: &NodeRef{Name: "filter"}, R: &NodeRef{Name: "keywords"}},
			},
		},
		{
			condition: "selection or filter or keywords",
			expected: &NodeOr{
				L: &NodeOr{L: &NodeRef{Name: "selection"}, R: &NodeRef{Name: "filter"}},
				R: &NodeRef{Name: "keywords"},
			},
		},
		{
			condition: "not not selection",
			expected:  &NodeNot{B: &NodeNot{B: &NodeRef{Name: "selection"}}},
		},
		{
			condition: "((selection))",
			expected:  &NodeRef{Name: "selection"},
		},
		{
			condition: "1 of sel_*",
			expected: &NodeQuantified{
				Quantifier: Quantifier{Kind: QuantAny},
				Group:      NodeGroup{Pattern: "sel_*", Names: []string{"sel_1", "sel_2", "sel_3"}},
			},
		},
		{
			condition: "any of sel_?",
			expected: &NodeQuantified{
				Quantifier: Quantifier{Kind: QuantAny},
				Group:      NodeGroup{Pattern: "sel_?", Names: []string{"sel_1", "sel_2", "sel_3"}},
			},
		},
		{
			condition: "2 of sel_*",
			expected: &NodeQuantified{
				Quantifier: Quantifier{Kind: QuantAtLeast, N: 2},
				Group:      NodeGroup{Pattern: "sel_*", Names: []string{"sel_1", "sel_2", "sel_3"}},
			},
		},
		{
			condition: "all of them",
			expected: &NodeQuantified{
				Quantifier: Quantifier{Kind: QuantAll},
				Group: NodeGroup{Pattern: "them", Names: []string{
					"filter", "keywords", "sel_1", "sel_2", "sel_3", "selection",
				}},
			},
		},
		{
			condition: "all of selection",
			expected: &NodeQuantified{
				Quantifier: Quantifier{Kind: QuantAll},
				Group:      NodeGroup{Pattern: "selection", Names: []string{"selection"}},
			},
		},
		{
			condition: "sel* and not filter",
			expected: &NodeAnd{
				L: &NodeGroup{Pattern: "sel*", Names: []string{"sel_1", "sel_2", "sel_3", "selection"}},
				R: &NodeNot{B: &NodeRef{Name: "filter"}},
			},
		},
		{
			condition: "Selection_Missing_Case or selection",
			expected:  nil,
		},
		{
			condition: "SELECTION AND NOT filter",
			expected:  nil,
		},
		{
			condition: "selection AND NOT filter",
			expected: &NodeAnd{
				L: &NodeRef{Name: "selection"},
				R: &NodeNot{B: &NodeRef{Name: "filter"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			c, err := ParseCondition(tt.condition, parserNames)
			if tt.expected == nil {
				var errCond ErrCondition
				require.ErrorAs(t, err, &errCond, "identifiers are case sensitive")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.condition, c.Raw)
			assert.Equal(t, tt.expected, c.Root)
		})
	}
}

func TestParseConditionErrors(t *testing.T) {
	tests := []struct {
		condition string
		msg       string
		pos       int
	}{
		{condition: "", msg: "empty condition", pos: -1},
		{condition: "   ", msg: "empty condition", pos: -1},
		{condition: "selection and", msg: `dangling AND at end of condition`, pos: 10},
		{condition: "not", msg: `dangling NOT at end of condition`, pos: 0},
		{condition: "and selection", msg: "condition cannot start with AND", pos: 0},
		{condition: "selection filter", msg: `unexpected IDENT "filter" after IDENT "selection"`, pos: 10},
		{condition: "()", msg: "empty parentheses", pos: 1},
		{condition: "(selection", msg: "unbalanced parentheses, missing )", pos: 10},
		{condition: "selection)", msg: "unbalanced parentheses, unexpected RPAR", pos: 9},
		{condition: "nosuch", msg: "unknown detection nosuch", pos: 0},
		{condition: "1 of nosuch*", msg: "nosuch* resolves to no detections", pos: 5},
		{condition: "all of nosuch", msg: "unknown detection nosuch", pos: 7},
		{condition: "4 of sel_*", msg: "quantifier count must satisfy 1 <= N <= 3 for sel_*, got 4", pos: 0},
		{condition: "0 of sel_*", msg: "quantifier count must satisfy 1 <= N <= 3 for sel_*, got 0", pos: 0},
		{condition: "1 of", msg: "dangling OF at end of condition", pos: 2},
		{condition: "selection | count() > 5", msg: msgAggregationUnsupported, pos: 11},
		{condition: "selection & filter", msg: `unexpected character '&'`, pos: 10},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			_, err := ParseCondition(tt.condition, parserNames)
			require.Error(t, err)
			var errCond ErrCondition
			require.True(t, errors.As(err, &errCond), "expected condition error, got %T", err)
			assert.Equal(t, tt.msg, errCond.Msg)
			assert.Equal(t, tt.pos, errCond.Position)
			assert.Equal(t, tt.condition, errCond.Condition)
		})
	}
}

func TestParseConditionNoNames(t *testing.T) {
	_, err := ParseCondition("all of them", nil)
	var errCond ErrCondition
	require.ErrorAs(t, err, &errCond)
	assert.Equal(t, "them resolves to no detections", errCond.Msg)
}

func TestParseConditionCopiesNames(t *testing.T) {
	names := []string{"b", "a"}
	c, err := ParseCondition("all of them", names)
	require.NoError(t, err)
	names[0] = "mutated"
	q, ok := c.Root.(*NodeQuantified)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, q.Group.Names)
}

func TestParseConditionRoundTrip(t *testing.T) {
	for _, condition := range []string{
		"selection",
		"selection and not filter",
		"not (selection or filter) and keywords",
		"1 of sel_* or all of them",
		"2 of sel_* and not 1 of filter",
		"(sel* or keywords) and not (filter and selection)",
	} {
		t.Run(condition, func(t *testing.T) {
			first, err := ParseCondition(condition, parserNames)
			require.NoError(t, err)
			second, err := ParseCondition(first.String(), parserNames)
			require.NoError(t, err, "rendered %s", first.String())
			assert.Equal(t, first.Root, second.Root)
		})
	}
}

func BenchmarkParseCondition(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := ParseCondition("(1 of sel_* or selection) and not filter", parserNames); err != nil {
			b.Fatal(err)
		}
	}
}

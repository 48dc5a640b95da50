package sigma

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func detectionSection(t testing.TB, raw string) yaml.MapSlice {
	t.Helper()
	var doc yaml.MapSlice
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("invalid yaml fixture: %s", err)
	}
	return doc
}

var detectionSelectionFilter = `
selection:
  EventID: 4624
  LogonType: 3
filter:
  User: SYSTEM
condition: selection and not filter
`

func TestRuleDetectionsSelectionFilter(t *testing.T) {
	rd, err := NewRuleDetections(detectionSection(t, detectionSelectionFilter), NewModifierRegistry())
	require.NoError(t, err)

	assert.Equal(t, []string{"selection", "filter"}, rd.Detections().Names())
	assert.Equal(t, []string{"selection and not filter"}, rd.Conditions())
	_, ok := rd.Timeframe()
	assert.False(t, ok)

	assert.True(t, rd.Match(DynamicMap{"EventID": 4624, "LogonType": 3, "User": "alice"}))
	assert.False(t, rd.Match(DynamicMap{"EventID": 4624, "LogonType": 3, "User": "SYSTEM"}))
	assert.False(t, rd.Match(DynamicMap{"EventID": 4625, "LogonType": 3, "User": "alice"}))
}

func TestRuleDetectionsMultipleConditions(t *testing.T) {
	rd, err := NewRuleDetections(detectionSection(t, `
sel_a:
  User: alice
sel_b:
  User: bob
condition:
  - sel_a
  - sel_b
`), NewModifierRegistry())
	require.NoError(t, err)
	require.Len(t, rd.ParsedConditions(), 2)

	assert.Equal(t, []bool{false, true}, rd.EvalAll(DynamicMap{"User": "bob"}))
	assert.True(t, rd.Match(DynamicMap{"User": "bob"}), "conditions are joined with or")
	assert.False(t, rd.Match(DynamicMap{"User": "eve"}))
}

func TestRuleDetectionsQuantifiers(t *testing.T) {
	rd, err := NewRuleDetections(detectionSection(t, `
sel_tool:
  Image|endswith: \procdump.exe
sel_args:
  CommandLine|contains: lsass
sel_flag:
  CommandLine|contains: ' -ma '
condition: 2 of sel_*
`), NewModifierRegistry())
	require.NoError(t, err)

	q, ok := rd.ParsedConditions()[0].Root.(*NodeQuantified)
	require.True(t, ok)
	assert.Equal(t, []string{"sel_args", "sel_flag", "sel_tool"}, q.Group.Names)

	assert.True(t, rd.Match(DynamicMap{"Image": `C:\procdump.exe`, "CommandLine": "procdump lsass.dmp"}))
	assert.True(t, rd.Match(DynamicMap{"Image": `C:\x.exe`, "CommandLine": "x -ma lsass"}))
	assert.False(t, rd.Match(DynamicMap{"Image": `C:\x.exe`, "CommandLine": "x lsass"}))
}

func TestRuleDetectionsTimeframe(t *testing.T) {
	rd, err := NewRuleDetections(detectionSection(t, `
selection:
  EventID: 4625
timeframe: 5m
condition: selection
`), NewModifierRegistry())
	require.NoError(t, err)
	tf, ok := rd.Timeframe()
	require.True(t, ok)
	assert.Equal(t, "5m", tf)
	d, err := rd.TimeframeDuration()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
	assert.NotContains(t, rd.Detections().Names(), "timeframe")

	rd, err = NewRuleDetections(detectionSection(t, `
selection:
  EventID: 4625
timeframe: 1d
condition: selection
`), NewModifierRegistry())
	require.NoError(t, err)
	d, err = rd.TimeframeDuration()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	// numeric timeframe is stored as written, only the duration conversion rejects it
	rd, err = NewRuleDetections(detectionSection(t, `
selection:
  EventID: 4625
timeframe: 30
condition: selection
`), NewModifierRegistry())
	require.NoError(t, err)
	tf, ok = rd.Timeframe()
	require.True(t, ok)
	assert.Equal(t, "30", tf)
	_, err = rd.TimeframeDuration()
	assert.Error(t, err)

	for _, raw := range []string{"timeframe: [5m]\n", "timeframe:\n  a: 5m\n", "timeframe:\n", "timeframe: ''\n"} {
		_, err = NewRuleDetections(detectionSection(t, "selection:\n  EventID: 4625\ncondition: selection\n"+raw), NewModifierRegistry())
		var errValue ErrValue
		require.ErrorAs(t, err, &errValue, raw)
		assert.Equal(t, "timeframe", errValue.Field)
	}
}

func TestRuleDetectionsErrors(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		target interface{}
		msg    string
	}{
		{
			name:   "no condition",
			raw:    "selection:\n  User: alice\n",
			target: &ErrCondition{},
			msg:    "no condition",
		},
		{
			name:   "only condition",
			raw:    "condition: selection\n",
			target: &ErrDetection{},
			msg:    "no detections defined",
		},
		{
			name:   "unresolved wildcard",
			raw:    "selection:\n  User: alice\ncondition: 1 of nosuch*\n",
			target: &ErrCondition{},
			msg:    "nosuch* resolves to no detections",
		},
		{
			name:   "empty condition list",
			raw:    "selection:\n  User: alice\ncondition: []\n",
			target: &ErrCondition{},
			msg:    "empty condition list",
		},
		{
			name:   "numeric condition",
			raw:    "selection:\n  User: alice\ncondition: 1\n",
			target: &ErrCondition{},
			msg:    "condition must be string or list of strings, got number",
		},
		{
			name:   "aggregation",
			raw:    "selection:\n  User: alice\ncondition: selection | count() by Host > 3\n",
			target: &ErrCondition{},
			msg:    msgAggregationUnsupported,
		},
		{
			name:   "keyword detection",
			raw:    "keywords:\n  - mimikatz\ncondition: keywords\n",
			target: &ErrDetection{},
		},
		{
			name:   "bad modifier",
			raw:    "selection:\n  User|startswith|endswith: a\ncondition: selection\n",
			target: &ErrModifier{},
		},
		{
			name:   "bad regex",
			raw:    "selection:\n  User|re: '[a-'\ncondition: selection\n",
			target: &ErrRegularExpression{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd, err := NewRuleDetections(detectionSection(t, tt.raw), NewModifierRegistry())
			require.Error(t, err)
			assert.Nil(t, rd)
			require.True(t, errors.As(err, tt.target), "got %T: %s", err, err)
			if tt.msg == "" {
				return
			}
			switch target := tt.target.(type) {
			case *ErrCondition:
				assert.Equal(t, tt.msg, target.Msg)
			case *ErrDetection:
				assert.Equal(t, tt.msg, target.Msg)
			}
		})
	}

	_, err := NewRuleDetections("just a string", NewModifierRegistry())
	var errDet ErrDetection
	require.ErrorAs(t, err, &errDet)
}

func TestRuleDetectionsUnorderedInput(t *testing.T) {
	doc := map[string]interface{}{
		"selection": map[string]interface{}{"User": "alice"},
		"filter":    map[string]interface{}{"Host": "dc01"},
		"condition": "selection and not filter",
	}
	rd, err := NewRuleDetections(doc, NewModifierRegistry())
	require.NoError(t, err)
	assert.True(t, rd.Match(DynamicMap{"User": "alice", "Host": "ws01"}))
	assert.False(t, rd.Match(DynamicMap{"User": "alice", "Host": "dc01"}))
}

func TestRuleDetectionsRoundTrip(t *testing.T) {
	rd, err := NewRuleDetections(detectionSection(t, `
sel_1:
  User: alice
sel_2:
  User: bob
filter:
  Host: dc01
condition:
  - (1 of sel_* or filter) and not (sel_1 and filter)
  - all of them
`), NewModifierRegistry())
	require.NoError(t, err)
	names := rd.Detections().Names()
	for _, c := range rd.ParsedConditions() {
		again, err := ParseCondition(c.String(), names)
		require.NoError(t, err)
		assert.Equal(t, c.Root, again.Root)
	}
}

type countingSelector struct {
	DynamicMap
	calls map[string]int
}

func (c countingSelector) Select(key string) (interface{}, bool) {
	c.calls[key]++
	return c.DynamicMap.Select(key)
}

func TestRuleDetectionsMemoizesDetections(t *testing.T) {
	rd, err := NewRuleDetections(detectionSection(t, `
selection:
  User: alice
condition:
  - selection and 1 of sel*
  - not selection
`), NewModifierRegistry())
	require.NoError(t, err)

	e := countingSelector{DynamicMap: DynamicMap{"User": "alice"}, calls: map[string]int{}}
	assert.Equal(t, []bool{true, false}, rd.EvalAll(e))
	assert.Equal(t, 1, e.calls["User"])
}

func TestRuleDetectionsLargeIntegers(t *testing.T) {
	rd, err := NewRuleDetections(detectionSection(t, `
selection:
  LogonId: 9007199254740993
condition: selection
`), NewModifierRegistry())
	require.NoError(t, err)

	sel, ok := rd.Detections().Get("selection")
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", sel.Groups[0][0].Values[0].Text())

	assert.True(t, rd.Match(DynamicMap{"LogonId": "9007199254740993"}))
	assert.True(t, rd.Match(DynamicMap{"LogonId": int64(9007199254740993)}))
	assert.False(t, rd.Match(DynamicMap{"LogonId": "9007199254740992"}))
}

func TestRuleDetectionsConcurrentUse(t *testing.T) {
	rd, err := NewRuleDetections(detectionSection(t, `
sel_cmd:
  CommandLine|contains:
    - mimikatz
    - sekurlsa
    - lsadump
    - kerberos::
    - privilege::debug
sel_img:
  Image|re: '\\(rundll32|regsvr32)\.exe$'
filter:
  User|startswith: 'NT AUTHORITY*'
condition:
  - 1 of sel_* and not filter
  - all of sel_*
`), NewModifierRegistry())
	require.NoError(t, err)

	events := []struct {
		event    DynamicMap
		expected []bool
	}{
		{event: DynamicMap{"CommandLine": "x.exe SEKURLSA::logonpasswords", "User": "bob"}, expected: []bool{true, false}},
		{event: DynamicMap{"Image": `C:\Windows\rundll32.exe`, "CommandLine": "lsadump::sam", "User": "bob"}, expected: []bool{true, true}},
		{event: DynamicMap{"CommandLine": "mimikatz", "User": "NT AUTHORITY\\SYSTEM"}, expected: []bool{false, false}},
		{event: DynamicMap{"CommandLine": "notepad.exe", "User": "bob"}, expected: []bool{false, false}},
	}

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tt := events[i%len(events)]
				got := rd.EvalAll(tt.event)
				if !assert.ObjectsAreEqual(tt.expected, got) {
					results <- fmt.Errorf("event %v: expected %v, got %v", tt.event, tt.expected, got)
					return
				}
				if rd.Match(tt.event) != tt.expected[0] {
					results <- fmt.Errorf("event %v: match differs from first condition", tt.event)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(results)
	for err := range results {
		t.Error(err)
	}
}

func BenchmarkRuleDetectionsMatch(b *testing.B) {
	rd, err := NewRuleDetections(detectionSection(b, detectionSelectionFilter), NewModifierRegistry())
	if err != nil {
		b.Fatal(err)
	}
	e := DynamicMap{"EventID": 4624, "LogonType": 3, "User": "alice"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rd.Match(e)
	}
}

package sigma

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rulesetFixtures = map[string]string{
	"windows/procdump.yml":   treeRule0,
	"network/rare_port.yaml": treeRule2,
	"windows/brute_force.yml": `
title: Brute Force
id: 0e95725d-7320-415d-80f7-004da920fc11
detection:
  selection:
    EventID: 4625
  timeframe: 10m
  condition: selection | count() by TargetUserName > 10
`,
	"windows/keywords.yml": `
title: Keyword Rule
id: 6b5b3a1e-3a5f-4b5c-9d0d-1a7f3d1f9f6d
detection:
  keywords:
    - mimikatz
  condition: keywords
`,
	"windows/broken.yml": `
title: [unclosed
`,
	"windows/collection.yml": `
title: Collection
action: global
detection:
  selection:
    User: alice
  condition: selection
---
logsource:
  product: windows
`,
	"README.md": "not a rule",
}

func writeFixtures(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestNewRuleset(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, dir, rulesetFixtures)

	rs, err := NewRuleset(Config{Directory: []string{dir}, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, rs.Total)
	assert.Equal(t, 2, rs.Ok)
	assert.Equal(t, 2, rs.Unsupported, "aggregation and multi document rules")
	assert.Equal(t, 2, rs.Failed, "broken yaml and keyword list")
	assert.Len(t, rs.Rules, 2)

	var event DynamicMap
	require.NoError(t, jsoniter.Unmarshal([]byte(treeRule0Pos[0]), &event))
	results, ok := rs.EvalAll(event)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, "Suspicious Process Dump", results[0].Title)

	_, ok = rs.EvalAll(DynamicMap{"User": "nobody"})
	assert.False(t, ok)
}

func TestNewRulesetFailFast(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, dir, rulesetFixtures)

	_, err := NewRuleset(Config{Directory: []string{dir}, FailOnYamlParse: true})
	var errYaml ErrParseYaml
	require.ErrorAs(t, err, &errYaml)

	require.NoError(t, os.Remove(filepath.Join(dir, "windows/broken.yml")))
	_, err = NewRuleset(Config{Directory: []string{dir}, FailOnRuleParse: true})
	assert.Error(t, err)
}

func TestNewRulesetConfig(t *testing.T) {
	_, err := NewRuleset(Config{})
	assert.Error(t, err, "rule directory is required")

	_, err = NewRuleset(Config{Directory: []string{filepath.Join(t.TempDir(), "missing")}})
	assert.Error(t, err)

	_, err = NewRuleset(Config{Directory: []string{t.TempDir()}, Placeholders: "/no/such/file.yml"})
	assert.Error(t, err)

	rs, err := NewRuleset(Config{Directory: []string{t.TempDir()}})
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Total)
	assert.Error(t, rs.ReloadPlaceholders(), "no placeholder file configured")
}

var placeholderRule = `
title: Admin Logon
id: 7d4bd1b8-6d8c-4bd6-8ab0-5b6c6c0ee8b5
detection:
  selection:
    User|expand: '%admins%'
  condition: selection
`

func TestRulesetPlaceholders(t *testing.T) {
	rules := t.TempDir()
	writeFixtures(t, rules, map[string]string{"admin_logon.yml": placeholderRule})
	conf := filepath.Join(t.TempDir(), "placeholders.yml")
	require.NoError(t, os.WriteFile(conf, []byte("'%admins%':\n  - root\n"), 0o644))

	rs, err := NewRuleset(Config{Directory: []string{rules}, Placeholders: conf})
	require.NoError(t, err)
	require.Equal(t, 1, rs.Ok)

	_, ok := rs.EvalAll(DynamicMap{"User": "ROOT"})
	assert.True(t, ok)
	_, ok = rs.EvalAll(DynamicMap{"User": "alice"})
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(conf, []byte("'%admins%':\n  - root\n  - alice\n"), 0o644))
	require.NoError(t, rs.ReloadPlaceholders())
	_, ok = rs.EvalAll(DynamicMap{"User": "alice"})
	assert.True(t, ok)
}

func TestRulesetPlaceholderLoader(t *testing.T) {
	rules := t.TempDir()
	writeFixtures(t, rules, map[string]string{"admin_logon.yml": placeholderRule})
	conf := filepath.Join(t.TempDir(), "placeholders.yml")
	require.NoError(t, os.WriteFile(conf, []byte("admins:\n  - root\n"), 0o644))

	rs, err := NewRuleset(Config{Directory: []string{rules}, Placeholders: conf})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rs.RunPlaceholderLoader(ctx, 10*time.Millisecond, nil))
	require.NoError(t, os.WriteFile(conf, []byte("admins:\n  - bob\n"), 0o644))

	assert.Eventually(t, func() bool {
		_, ok := rs.EvalAll(DynamicMap{"User": "bob"})
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, rs.RunPlaceholderLoader(ctx, 0, nil))
}

func TestIsUnsupported(t *testing.T) {
	assert.True(t, IsUnsupported(ErrUnsupportedRule{Msg: "multipart"}))
	assert.True(t, IsUnsupported(ErrCondition{Msg: msgAggregationUnsupported}))
	assert.False(t, IsUnsupported(ErrCondition{Msg: "unknown detection x"}))
	assert.False(t, IsUnsupported(nil))
}

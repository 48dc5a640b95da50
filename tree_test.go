package sigma

import (
	"testing"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v2"
)

type treeTestCase struct {
	ID       int
	Rule     string
	Pos, Neg []string
}

var treeRule0 = `
title: Suspicious Process Dump
id: 5ef9853e-4d0e-4a70-846f-a9ca37d876da
status: experimental
level: high
logsource:
  product: windows
  category: process_creation
tags:
  - attack.credential_access
  - attack.t1003.001
detection:
  selection_img:
    Image|endswith:
      - \procdump.exe
      - \procdump64.exe
  selection_cli:
    CommandLine|contains|all:
      - ' -ma '
      - lsass
  filter:
    User|startswith: NT AUTHORITY\
  condition: all of selection_* and not filter
`

var treeRule0Pos = []string{
	`{"Image": "C:\\Tools\\procdump64.exe", "CommandLine": "procdump64.exe -ma lsass.exe out.dmp", "User": "CORP\\alice"}`,
	`{"Image": "C:\\Tools\\PROCDUMP.EXE", "CommandLine": "procdump -accepteula -MA LSASS.EXE", "User": "CORP\\bob"}`,
}

var treeRule0Neg = []string{
	`{"Image": "C:\\Tools\\procdump64.exe", "CommandLine": "procdump64.exe -ma lsass.exe", "User": "NT AUTHORITY\\SYSTEM"}`,
	`{"Image": "C:\\Tools\\procdump64.exe", "CommandLine": "procdump64.exe -mp lsass.exe", "User": "CORP\\alice"}`,
	`{"Image": "C:\\Windows\\notepad.exe", "CommandLine": "notepad -ma lsass", "User": "CORP\\alice"}`,
}

var treeRule1 = `
title: Encoded PowerShell
id: not-a-uuid
level: medium
detection:
  selection:
    - process.name: powershell.exe
      process.args|base64offset|contains: IEX
    - process.name: pwsh.exe
      process.args|windash|contains: ' -encodedcommand '
  filter_admins:
    user.name|expand: '%admins%'
  condition: selection and not filter_admins
`

var treeRule1Pos = []string{
	`{"process": {"name": "powershell.exe", "args": "-enc SUVYIChOZXctT2JqZWN0"}, "user": {"name": "eve"}}`,
	`{"process": {"name": "pwsh.exe", "args": "pwsh /encodedcommand AAAA"}, "user": {"name": "eve"}}`,
}

var treeRule1Neg = []string{
	`{"process": {"name": "powershell.exe", "args": "-enc SUVYIChOZXctT2JqZWN0"}, "user": {"name": "Administrator"}}`,
	`{"process": {"name": "powershell.exe", "args": "-enc aWV4"}, "user": {"name": "eve"}}`,
	`{"process": {"name": "cmd.exe", "args": "/encodedcommand AAAA"}, "user": {"name": "eve"}}`,
}

var treeRule2 = `
title: Outbound Connection To Rare Port
id: 4ba4f2c3-a1a4-4c58-9a17-3bbbce9c0aa3
level: low
detection:
  selection:
    DestinationIp|cidr:
      - 10.0.0.0/8
      - 192.168.0.0/16
    DestinationPort|gte: 4444
  filter_known:
    DestinationPort:
      - 8080
      - 8443
  filter_empty:
    Image: null
  condition: selection and not 1 of filter_*
`

var treeRule2Pos = []string{
	`{"DestinationIp": "10.1.1.1", "DestinationPort": 4444, "Image": "C:\\x.exe"}`,
	`{"DestinationIp": "192.168.10.10", "DestinationPort": "9001", "Image": "C:\\x.exe"}`,
}

var treeRule2Neg = []string{
	`{"DestinationIp": "10.1.1.1", "DestinationPort": 8080, "Image": "C:\\x.exe"}`,
	`{"DestinationIp": "10.1.1.1", "DestinationPort": 4444}`,
	`{"DestinationIp": "8.8.8.8", "DestinationPort": 4444, "Image": "C:\\x.exe"}`,
	`{"DestinationIp": "10.1.1.1", "DestinationPort": 80, "Image": "C:\\x.exe"}`,
}

var treeTestCases = []treeTestCase{
	{ID: 0, Rule: treeRule0, Pos: treeRule0Pos, Neg: treeRule0Neg},
	{ID: 1, Rule: treeRule1, Pos: treeRule1Pos, Neg: treeRule1Neg},
	{ID: 2, Rule: treeRule2, Pos: treeRule2Pos, Neg: treeRule2Neg},
}

func testRegistry() *ModifierRegistry {
	return NewModifierRegistry(WithPlaceholders(Placeholders{
		"%admins%": {"administrator", "root"},
	}))
}

func newTestTree(tb testing.TB, raw string) *Tree {
	tb.Helper()
	var rule Rule
	if err := yaml.Unmarshal([]byte(raw), &rule); err != nil {
		tb.Fatalf("failed to unmarshal rule yaml, %s", err)
	}
	tree, err := NewTree(RuleHandle{Rule: rule, Path: "test.yml"}, testRegistry())
	if err != nil {
		tb.Fatalf("tree parse failed: %s", err)
	}
	return tree
}

func TestTreeParse(t *testing.T) {
	for _, c := range treeTestCases {
		p := newTestTree(t, c.Rule)
		for i, raw := range c.Pos {
			var obj DynamicMap
			if err := jsoniter.Unmarshal([]byte(raw), &obj); err != nil {
				t.Fatalf("tree case %d positive case %d json unmarshal error %s", c.ID, i, err)
			}
			res, match := p.Eval(obj)
			if !match {
				t.Fatalf("tree case %d positive case %d did not match", c.ID, i)
			}
			if res.ID != p.Rule.ID || res.Title != p.Rule.Title {
				t.Fatalf("tree case %d positive case %d returned wrong result %+v", c.ID, i, res)
			}
		}
		for i, raw := range c.Neg {
			var obj DynamicMap
			if err := jsoniter.Unmarshal([]byte(raw), &obj); err != nil {
				t.Fatalf("tree case %d negative case %d json unmarshal error %s", c.ID, i, err)
			}
			if _, match := p.Eval(obj); match {
				t.Fatalf("tree case %d negative case %d matched", c.ID, i)
			}
		}
	}
}

func TestTreeResult(t *testing.T) {
	p := newTestTree(t, treeRule0)
	var obj DynamicMap
	if err := jsoniter.Unmarshal([]byte(treeRule0Pos[0]), &obj); err != nil {
		t.Fatal(err)
	}
	res, match := p.Eval(obj)
	if !match {
		t.Fatal("expected match")
	}
	if res.Level != "high" || len(res.Tags) != 2 || res.Tags[1] != "attack.t1003.001" {
		t.Fatalf("unexpected result %+v", res)
	}
	if p.Rule.Logsource.Category != "process_creation" {
		t.Fatalf("logsource not decoded: %+v", p.Rule.Logsource)
	}
	if !p.Rule.HasValidID() {
		t.Fatal("rule id should be a valid uuid")
	}
	if newTestTree(t, treeRule1).Rule.HasValidID() {
		t.Fatal("rule id should not be a valid uuid")
	}
}

func TestNewTreeErrors(t *testing.T) {
	if _, err := NewTree(RuleHandle{Rule: Rule{Title: "empty"}}, testRegistry()); err == nil {
		t.Fatal("rule without detection should fail")
	}
	var rule Rule
	if err := yaml.Unmarshal([]byte(treeRule0), &rule); err != nil {
		t.Fatal(err)
	}
	_, err := NewTree(RuleHandle{Rule: rule, Multipart: true}, testRegistry())
	if !IsUnsupported(err) {
		t.Fatalf("multipart rule should be unsupported, got %v", err)
	}
}

func benchmarkCase(b *testing.B, rawRule, rawEvent string) {
	p := newTestTree(b, rawRule)
	var event DynamicMap
	if err := jsoniter.Unmarshal([]byte(rawEvent), &event); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Eval(event)
	}
}

func BenchmarkTreePositive0(b *testing.B) { benchmarkCase(b, treeRule0, treeRule0Pos[0]) }
func BenchmarkTreePositive1(b *testing.B) { benchmarkCase(b, treeRule1, treeRule1Pos[0]) }
func BenchmarkTreePositive2(b *testing.B) { benchmarkCase(b, treeRule2, treeRule2Pos[0]) }
func BenchmarkTreeNegative0(b *testing.B) { benchmarkCase(b, treeRule0, treeRule0Neg[0]) }
func BenchmarkTreeNegative1(b *testing.B) { benchmarkCase(b, treeRule1, treeRule1Neg[0]) }
func BenchmarkTreeNegative2(b *testing.B) { benchmarkCase(b, treeRule2, treeRule2Neg[0]) }

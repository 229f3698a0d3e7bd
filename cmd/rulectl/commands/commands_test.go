package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const checkoutPack = `
name: checkout
policies: [policies]
rules:
  - name: Score
    order: 1
    script: |
      model["score"] = model["total"] // 100
      result = model["score"]
  - name: Vip
    order: 2
    policy: data.rules.vip.allow
    script: |
      model["vip"] = True
      result = "vip"
`

const vipRego = `package rules.vip

default allow := false

allow if input.score >= 10
`

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	pack := writeFixture(t, dir, "checkout.yaml", checkoutPack)
	writeFixture(t, dir, "policies/vip.rego", vipRego)

	tests := []struct {
		name    string
		total   string
		wantVip bool
	}{
		{name: "vip", total: "1500", wantVip: true},
		{name: "regular", total: "300", wantVip: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "run", pack, "--set", "total="+tt.total, "--json")
			if err != nil {
				t.Fatalf("run failed: %v\n%s", err, out)
			}

			var report struct {
				Pack    string                   `json:"pack"`
				Results []map[string]interface{} `json:"results"`
				Model   map[string]interface{}   `json:"model"`
			}
			if err := json.Unmarshal([]byte(out), &report); err != nil {
				t.Fatalf("invalid JSON output: %v\n%s", err, out)
			}
			if report.Pack != "checkout" {
				t.Errorf("pack = %q", report.Pack)
			}
			if _, ok := report.Model["score"]; !ok {
				t.Errorf("expected score in model %v", report.Model)
			}
			if _, ok := report.Model["vip"]; ok != tt.wantVip {
				t.Errorf("vip set = %v, want %v", ok, tt.wantVip)
			}
		})
	}
}

func TestRunCommand_Text(t *testing.T) {
	dir := t.TempDir()
	pack := writeFixture(t, dir, "checkout.yaml", checkoutPack)
	writeFixture(t, dir, "policies/vip.rego", vipRego)
	model := writeFixture(t, dir, "order.yaml", "total: 2000\n")

	out, err := execute(t, "run", pack, "--model", model)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	for _, want := range []string{"Pack checkout: 2 results", "Score", "vip = true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "policies/vip.rego", vipRego)

	broken := writeFixture(t, dir, "broken.yaml", `
name: broken
rules:
  - name: Bad
    script: "result = ("
`)
	failing := writeFixture(t, dir, "failing.yaml", `
name: failing
rules:
  - name: Boom
    script: fail("boom")
`)
	reporting := writeFixture(t, dir, "reporting.yaml", `
name: reporting
rules:
  - name: Check
    script: error = "over limit"
`)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		wantOut string
	}{
		{name: "missing pack", args: []string{"run", filepath.Join(dir, "nope.yaml")}, wantErr: true},
		{name: "script does not compile", args: []string{"run", broken}, wantErr: true, wantOut: "Bad"},
		{name: "script fails", args: []string{"run", failing}, wantErr: true},
		{name: "rule error tolerated", args: []string{"run", reporting}, wantErr: false, wantOut: "over limit"},
		{name: "rule error fails", args: []string{"run", reporting, "--fail-on-rule-errors"}, wantErr: true},
		{name: "bad timeout flag", args: []string{"run", reporting, "--script-timeout", "later"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			if tt.wantOut != "" && !strings.Contains(out, tt.wantOut) {
				t.Errorf("output missing %q:\n%s", tt.wantOut, out)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "policies/vip.rego", vipRego)
	valid := writeFixture(t, dir, "checkout.yaml", checkoutPack)
	duplicate := writeFixture(t, dir, "duplicate.yaml", `
name: duplicate
rules:
  - name: Same
    script: result = 1
  - name: Same
    script: result = 2
`)
	upper := writeFixture(t, dir, "upper.yaml", `
name: upper
rules:
  - name: lower_ok
    script: result = 1
  - name: Shouty
    script: result = 2
`)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		wantOut string
	}{
		{name: "valid", args: []string{"validate", valid}, wantOut: "is valid"},
		{name: "blocking finding", args: []string{"validate", duplicate}, wantErr: true, wantOut: "rule-naming"},
		{name: "warning tolerated", args: []string{"validate", upper}, wantOut: "is valid"},
		{name: "warning strict", args: []string{"validate", "--strict", upper}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
			if tt.wantOut != "" && !strings.Contains(out, tt.wantOut) {
				t.Errorf("output missing %q:\n%s", tt.wantOut, out)
			}
		})
	}
}

func TestValidateCommand_CustomSchema(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "policies/vip.rego", vipRego)
	pack := writeFixture(t, dir, "checkout.yaml", checkoutPack)

	tests := []struct {
		name    string
		schema  string
		wantErr bool
	}{
		{name: "satisfied", schema: "#Team: {name: =~\"^check\", ...}"},
		{name: "violated", schema: "#Team: {name: =~\"^billing\", ...}", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := writeFixture(t, dir, tt.name+".cue", tt.schema)
			out, err := execute(t, "validate", pack, "--schema", schema, "--schema-def", "#Team")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v\n%s", err, tt.wantErr, out)
			}
		})
	}
}

func TestGraphCommand(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "policies/vip.rego", vipRego)
	pack := writeFixture(t, dir, "checkout.yaml", checkoutPack)

	out, err := execute(t, "graph", pack)
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph RuleForest {") || !strings.Contains(out, "Score") {
		t.Errorf("unexpected DOT output:\n%s", out)
	}

	out, err = execute(t, "graph", pack, "--format", "json")
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	var nodes []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(out), &nodes); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(nodes) != 2 || nodes[0].Name != "Score" || nodes[1].Name != "Vip" {
		t.Errorf("unexpected nodes %+v", nodes)
	}

	if _, err := execute(t, "graph", pack, "--format", "svg"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

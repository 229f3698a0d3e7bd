package engine

import (
	"errors"
	"testing"
)

func mixedResults() Results {
	leafErr := NewResult("Leaf", nil).WithError("leaf failed", errors.New("io"))
	inner := NewResult("Inner", Results{leafErr, NewResult("LeafOk", 1)})
	outer := NewResult("Outer", Results{inner})

	return Results{
		NewResult("Flat", "x"),
		outer,
		NewResult("FlatErr", nil).WithError("flat failed", nil),
	}
}

func TestResultsFindByName(t *testing.T) {
	rs := mixedResults()

	tests := []struct {
		name  string
		query string
		found bool
	}{
		{"exact", "Flat", true},
		{"case insensitive", "outer", true},
		{"nested only", "Inner", false},
		{"missing", "Nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rs.FindByName(tt.query)
			if (r != nil) != tt.found {
				t.Errorf("FindByName(%q) found=%v, want %v", tt.query, r != nil, tt.found)
			}
		})
	}
}

func TestResultsFindNested(t *testing.T) {
	rs := mixedResults()

	for _, name := range []string{"Flat", "Outer", "Inner", "leafok"} {
		if rs.FindNested(name) == nil {
			t.Errorf("FindNested(%q) returned nil", name)
		}
	}
	if rs.FindNested("Nope") != nil {
		t.Error("expected FindNested to miss unknown names")
	}

	first := Results{
		NewResult("Parent", Results{NewResult("Dup", "deep")}),
		NewResult("Dup", "shallow"),
	}
	if got := first.FindNested("Dup").Result; got != "deep" {
		t.Errorf("expected depth-first match, got %v", got)
	}
}

func TestResultsCollectErrors(t *testing.T) {
	errs := mixedResults().CollectErrors()
	equalNames(t, errs.Names(), []string{"Leaf", "FlatErr"})

	if !errors.Is(errs[0].Error, errs[0].Error.Cause) {
		t.Error("expected RuleError to unwrap to its cause")
	}
	if errs[0].Error.Error() != "leaf failed: io" {
		t.Errorf("unexpected message %q", errs[0].Error.Error())
	}
	if len(Results{NewResult("Ok", nil)}.CollectErrors()) != 0 {
		t.Error("expected no errors")
	}
}

func TestRuleResultChildren(t *testing.T) {
	if NewResult("Leaf", "payload").Children() != nil {
		t.Error("expected nil children for a non-collection payload")
	}
	r := NewResult("Parent", Results{NewResult("Child", nil)})
	equalNames(t, r.Children().Names(), []string{"Child"})
}

func TestAssemble(t *testing.T) {
	children := Results{NewResult("Child", nil)}

	r := assemble("Parent", NewResult("", "own"), children, true)
	if r.Name != "Parent" {
		t.Errorf("expected resolved name, got %q", r.Name)
	}
	if r.Data[PayloadKey] != "own" {
		t.Errorf("expected own payload in data, got %v", r.Data)
	}
	equalNames(t, r.Children().Names(), []string{"Child"})

	if assemble("Leaf", nil, nil, false) != nil {
		t.Error("expected nil result for a leaf returning nil")
	}
	if r := assemble("Parent", nil, nil, true); r == nil || r.Name != "Parent" {
		t.Error("expected synthesized result for a nested rule")
	}
}

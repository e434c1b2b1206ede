package rvf

import (
	"encoding/json"
	"testing"
)

func TestParseFilterRejectsUnknownOp(t *testing.T) {
	_, err := ParseFilter(&Filter{Op: "bogus", Field: "x"})
	if err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestParseFilterRejectsMissingField(t *testing.T) {
	_, err := ParseFilter(&Filter{Op: OpEq})
	if err == nil {
		t.Fatal("expected error for leaf operator with no field")
	}
}

func TestParseFilterRejectsEmptyInValues(t *testing.T) {
	_, err := ParseFilter(&Filter{Op: OpIn, Field: "tag"})
	if err == nil {
		t.Fatal("expected error for in with no values")
	}
}

func TestParseFilterRejectsOversizedInList(t *testing.T) {
	values := make([]any, MaxFilterValues+1)
	for i := range values {
		values[i] = i
	}
	_, err := ParseFilter(&Filter{Op: OpIn, Field: "tag", Values: values})
	if err == nil {
		t.Fatal("expected error for in list over the element cap")
	}
}

func TestParseFilterRejectsExcessDepth(t *testing.T) {
	leaf := &Filter{Op: OpEq, Field: "x", Value: 1}
	cur := leaf
	for i := 0; i < MaxFilterDepth+2; i++ {
		cur = &Filter{Op: OpNot, Children: []*Filter{cur}}
	}
	_, err := ParseFilter(cur)
	if err == nil {
		t.Fatal("expected error for excessive nesting depth")
	}
}

func TestEvaluateLeafOps(t *testing.T) {
	row := map[string]any{"status": "active", "score": 0.8, "tag": "go"}

	cases := []struct {
		name string
		f    *Filter
		want bool
	}{
		{"eq match", &Filter{Op: OpEq, Field: "status", Value: "active"}, true},
		{"eq mismatch", &Filter{Op: OpEq, Field: "status", Value: "idle"}, false},
		{"ne mismatch is true", &Filter{Op: OpNe, Field: "status", Value: "idle"}, true},
		{"gt numeric", &Filter{Op: OpGt, Field: "score", Value: 0.5}, true},
		{"le numeric false", &Filter{Op: OpLe, Field: "score", Value: 0.5}, false},
		{"in match", &Filter{Op: OpIn, Field: "tag", Values: []any{"go", "rust"}}, true},
		{"nin match", &Filter{Op: OpNotIn, Field: "tag", Values: []any{"rust"}}, true},
		{"contains", &Filter{Op: OpContains, Field: "status", Value: "acti"}, true},
		{"matches_prefix", &Filter{Op: OpMatchPrefix, Field: "status", Value: "act"}, true},
		{"exists true", &Filter{Op: OpExists, Field: "tag"}, true},
		{"exists false", &Filter{Op: OpExists, Field: "missing"}, false},
		{"string gt is byte-wise", &Filter{Op: OpGt, Field: "status", Value: "abc"}, true},
		{"numeric-looking strings are not numbers", &Filter{Op: OpEq, Field: "score", Value: "0.8"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.Evaluate(row); got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateAndOrNot(t *testing.T) {
	row := map[string]any{"status": "active", "score": 0.8}

	and := &Filter{Op: OpAnd, Children: []*Filter{
		{Op: OpEq, Field: "status", Value: "active"},
		{Op: OpGt, Field: "score", Value: 0.5},
	}}
	if !and.Evaluate(row) {
		t.Error("expected and() to be true")
	}

	or := &Filter{Op: OpOr, Children: []*Filter{
		{Op: OpEq, Field: "status", Value: "idle"},
		{Op: OpGt, Field: "score", Value: 0.5},
	}}
	if !or.Evaluate(row) {
		t.Error("expected or() to be true")
	}

	not := &Filter{Op: OpNot, Children: []*Filter{
		{Op: OpEq, Field: "status", Value: "idle"},
	}}
	if !not.Evaluate(row) {
		t.Error("expected not() to be true")
	}
}

func TestEvaluateNilFilterMatchesEverything(t *testing.T) {
	var f *Filter
	if !f.Evaluate(map[string]any{"a": 1}) {
		t.Error("nil filter should match everything")
	}
}

func TestFilterUnmarshalsWireFormat(t *testing.T) {
	var f Filter
	if err := json.Unmarshal([]byte(`{"op":"eq","key":"color","value":"red"}`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Op != OpEq || f.Field != "color" || f.Value != "red" {
		t.Errorf("got %+v, want Op=eq Field=color Value=red", f)
	}
	if _, err := ParseFilter(&f); err != nil {
		t.Errorf("expected parsed wire filter to validate, got %v", err)
	}
}

func TestFilterUnmarshalsNestedOperands(t *testing.T) {
	var f Filter
	raw := `{"op":"and","operands":[{"op":"eq","key":"color","value":"red"},{"op":"gt","key":"score","value":0.5}]}`
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Op != OpAnd || len(f.Children) != 2 {
		t.Fatalf("got %+v, want and() with 2 operands", f)
	}
	if f.Children[0].Field != "color" || f.Children[1].Field != "score" {
		t.Errorf("operand fields not parsed correctly: %+v", f.Children)
	}
}

func TestFilterMarshalsUsingWireFieldNames(t *testing.T) {
	f := Filter{Op: OpMatchPrefix, Field: "name", Value: "ab"}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	if m["op"] != "matches-prefix" {
		t.Errorf("expected op %q, got %v", "matches-prefix", m["op"])
	}
	if _, ok := m["key"]; !ok {
		t.Errorf("expected wire field %q for Field, got %+v", "key", m)
	}
	if _, hasField := m["Field"]; hasField {
		t.Errorf("Go field name %q leaked into wire JSON: %+v", "Field", m)
	}
}

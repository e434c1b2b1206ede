package rvf

import (
	"strings"

	"github.com/refine-digital/agentdb/internal/errs"
)

// FilterOp is a leaf or combinator operator in a filter expression tree.
type FilterOp string

const (
	OpEq          FilterOp = "eq"
	OpNe          FilterOp = "ne"
	OpLt          FilterOp = "lt"
	OpLe          FilterOp = "le"
	OpGt          FilterOp = "gt"
	OpGe          FilterOp = "ge"
	OpIn          FilterOp = "in"
	OpNotIn       FilterOp = "nin"
	OpContains    FilterOp = "contains"
	OpExists      FilterOp = "exists"
	OpMatchPrefix FilterOp = "matches-prefix"

	OpAnd FilterOp = "and"
	OpOr  FilterOp = "or"
	OpNot FilterOp = "not"
)

var leafOps = map[FilterOp]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true,
	OpIn: true, OpNotIn: true, OpContains: true, OpExists: true, OpMatchPrefix: true,
}

var nodeOps = map[FilterOp]bool{OpAnd: true, OpOr: true, OpNot: true}

// MaxFilterDepth bounds how deeply a filter expression tree may nest,
// guarding evaluation against pathological or adversarial input.
const MaxFilterDepth = 16

// MaxFilterValues bounds the element count of an in/nin value list.
const MaxFilterValues = 256

// Filter is a node in a recursive predicate tree evaluated against a row's
// metadata map. Leaf nodes compare Field against Value (or Values for
// in/nin); node nodes combine Children.
type Filter struct {
	Op       FilterOp  `json:"op"`
	Field    string    `json:"key,omitempty"`
	Value    any       `json:"value,omitempty"`
	Values   []any     `json:"values,omitempty"`
	Children []*Filter `json:"operands,omitempty"`
}

// ParseFilter validates op, field, and nesting depth before returning the
// filter unchanged, so malformed expressions fail fast at parse time rather
// than during evaluation.
func ParseFilter(f *Filter) (*Filter, error) {
	if err := validateFilter(f, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func validateFilter(f *Filter, depth int) error {
	if f == nil {
		return errs.Validation("rvf.ParseFilter", "filter node is nil")
	}
	if depth > MaxFilterDepth {
		return errs.Validation("rvf.ParseFilter", "filter nesting exceeds max depth %d", MaxFilterDepth)
	}

	switch {
	case leafOps[f.Op]:
		if f.Field == "" {
			return errs.Validation("rvf.ParseFilter", "leaf operator %q requires a field", f.Op)
		}
		if f.Op == OpIn || f.Op == OpNotIn {
			if len(f.Values) == 0 {
				return errs.Validation("rvf.ParseFilter", "operator %q requires a non-empty value list", f.Op)
			}
			if len(f.Values) > MaxFilterValues {
				return errs.Validation("rvf.ParseFilter", "operator %q accepts at most %d values, got %d", f.Op, MaxFilterValues, len(f.Values))
			}
		}
		if len(f.Children) != 0 {
			return errs.Validation("rvf.ParseFilter", "leaf operator %q must not have children", f.Op)
		}
		return nil

	case nodeOps[f.Op]:
		if f.Op == OpNot {
			if len(f.Children) != 1 {
				return errs.Validation("rvf.ParseFilter", "not requires exactly one child")
			}
		} else if len(f.Children) == 0 {
			return errs.Validation("rvf.ParseFilter", "operator %q requires at least one child", f.Op)
		}
		for _, child := range f.Children {
			if err := validateFilter(child, depth+1); err != nil {
				return err
			}
		}
		return nil

	default:
		return errs.Validation("rvf.ParseFilter", "unknown filter operator %q", f.Op)
	}
}

// Evaluate reports whether row satisfies the filter. row is the metadata
// map attached to a vector row at insert time.
func (f *Filter) Evaluate(row map[string]any) bool {
	if f == nil {
		return true
	}

	switch f.Op {
	case OpAnd:
		for _, c := range f.Children {
			if !c.Evaluate(row) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.Children {
			if c.Evaluate(row) {
				return true
			}
		}
		return false
	case OpNot:
		return !f.Children[0].Evaluate(row)
	default:
		return evaluateLeaf(f, row)
	}
}

func evaluateLeaf(f *Filter, row map[string]any) bool {
	actual, present := row[f.Field]

	switch f.Op {
	case OpExists:
		return present
	case OpEq:
		return present && compareEqual(actual, f.Value)
	case OpNe:
		return !present || !compareEqual(actual, f.Value)
	case OpIn:
		if !present {
			return false
		}
		for _, v := range f.Values {
			if compareEqual(actual, v) {
				return true
			}
		}
		return false
	case OpNotIn:
		if !present {
			return true
		}
		for _, v := range f.Values {
			if compareEqual(actual, v) {
				return false
			}
		}
		return true
	case OpLt, OpLe, OpGt, OpGe:
		if !present {
			return false
		}
		// Strings order byte-wise; anything else must be numeric on both
		// sides. Mixed types never match.
		if as, isStr := actual.(string); isStr {
			bs, bok := f.Value.(string)
			if !bok {
				return false
			}
			switch f.Op {
			case OpLt:
				return as < bs
			case OpLe:
				return as <= bs
			case OpGt:
				return as > bs
			default:
				return as >= bs
			}
		}
		a, aok := toFloat(actual)
		b, bok := toFloat(f.Value)
		if !aok || !bok {
			return false
		}
		switch f.Op {
		case OpLt:
			return a < b
		case OpLe:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	case OpContains:
		if !present {
			return false
		}
		as, aok := actual.(string)
		bs, bok := f.Value.(string)
		return aok && bok && strings.Contains(as, bs)
	case OpMatchPrefix:
		if !present {
			return false
		}
		as, aok := actual.(string)
		bs, bok := f.Value.(string)
		return aok && bok && strings.HasPrefix(as, bs)
	default:
		return false
	}
}

func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

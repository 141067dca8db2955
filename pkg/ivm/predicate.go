package ivm

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// SimpleOperator is a comparison operator of a simple condition.
type SimpleOperator string

const (
	OpEq       SimpleOperator = "="
	OpNe       SimpleOperator = "!="
	OpLt       SimpleOperator = "<"
	OpLe       SimpleOperator = "<="
	OpGt       SimpleOperator = ">"
	OpGe       SimpleOperator = ">="
	OpIs       SimpleOperator = "IS"
	OpIsNot    SimpleOperator = "IS NOT"
	OpLike     SimpleOperator = "LIKE"
	OpNotLike  SimpleOperator = "NOT LIKE"
	OpILike    SimpleOperator = "ILIKE"
	OpNotILike SimpleOperator = "NOT ILIKE"
	OpIn       SimpleOperator = "IN"
	OpNotIn    SimpleOperator = "NOT IN"
)

// SimpleCondition compares a column against a literal.
type SimpleCondition struct {
	Column string         `json:"column"`
	Op     SimpleOperator `json:"op"`
	Value  Value          `json:"value,omitempty"`
}

func (c SimpleCondition) String() string {
	return fmt.Sprintf("%s %s %v", c.Column, c.Op, c.Value)
}

// Predicate is a row predicate.
type Predicate func(row Row) bool

// Predicate compiles the condition. Comparisons follow SQL semantics: any comparison involving
// nil is false, except for IS and IS NOT.
func (c SimpleCondition) Predicate() (Predicate, error) {
	col := c.Column
	switch c.Op {
	case OpIs, OpIsNot:
		neg := c.Op == OpIsNot
		return func(row Row) bool {
			v := row[col]
			var eq bool
			if v == nil || c.Value == nil {
				eq = v == nil && c.Value == nil
			} else {
				cmp, err := compareValues(v, c.Value)
				eq = err == nil && cmp == 0
			}
			return eq != neg
		}, nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		if c.Value == nil {
			return func(Row) bool { return false }, nil
		}
		test := comparisonTest(c.Op)
		return func(row Row) bool {
			v := row[col]
			if v == nil {
				return false
			}
			cmp, err := compareValues(v, c.Value)
			if err != nil {
				return false
			}
			return test(cmp)
		}, nil
	case OpLike, OpNotLike, OpILike, OpNotILike:
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%s requires a string pattern, got %T", c.Op, c.Value)
		}
		re, err := compileLike(pattern, c.Op == OpILike || c.Op == OpNotILike)
		if err != nil {
			return nil, err
		}
		neg := c.Op == OpNotLike || c.Op == OpNotILike
		return func(row Row) bool {
			s, ok := row[col].(string)
			if !ok {
				return false
			}
			return re.MatchString(s) != neg
		}, nil
	case OpIn, OpNotIn:
		list, err := toList(c.Value)
		if err != nil {
			return nil, err
		}
		neg := c.Op == OpNotIn
		return func(row Row) bool {
			v := row[col]
			if v == nil {
				return false
			}
			for _, e := range list {
				if ValuesEqual(v, e) {
					return !neg
				}
			}
			return neg
		}, nil
	}
	return nil, fmt.Errorf("unknown operator %q", c.Op)
}

func comparisonTest(op SimpleOperator) func(int) bool {
	switch op {
	case OpEq:
		return func(c int) bool { return c == 0 }
	case OpNe:
		return func(c int) bool { return c != 0 }
	case OpLt:
		return func(c int) bool { return c < 0 }
	case OpLe:
		return func(c int) bool { return c <= 0 }
	case OpGt:
		return func(c int) bool { return c > 0 }
	default:
		return func(c int) bool { return c >= 0 }
	}
}

// compileLike translates a SQL LIKE pattern into an anchored regexp. % matches any run of
// characters, _ matches a single character and \ escapes the next character.
func compileLike(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?is)")
	} else {
		b.WriteString("(?s)")
	}
	b.WriteString("^")
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		case '\\':
			if i+1 < len(runes) {
				i++
				b.WriteString(regexp.QuoteMeta(string(runes[i])))
			} else {
				b.WriteString(regexp.QuoteMeta(`\`))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func toList(v Value) ([]Value, error) {
	if v == nil {
		return nil, fmt.Errorf("IN requires a list, got nil")
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("IN requires a list, got %T", v)
	}
	ret := make([]Value, rv.Len())
	for i := range ret {
		ret[i] = rv.Index(i).Interface()
	}
	return ret, nil
}

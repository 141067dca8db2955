package pipeline

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/json"
	"sigs.k8s.io/yaml"

	"github.com/l7mp/ivm/pkg/ivm"
	"github.com/l7mp/ivm/pkg/view"
)

// ExistsLimit is the number of child rows an EXISTS subquery keeps per parent row.
const ExistsLimit = 3

// Query is the declarative description of a pipeline.
type Query struct {
	// Table is the source table.
	Table string `json:"table"`
	// Alias names the relationship a subquery is attached under. Defaults to Table.
	Alias string `json:"alias,omitempty"`
	// Where is an optional filter condition.
	Where *Condition `json:"where,omitempty"`
	// OrderBy is the result order. The primary key columns missing from it are appended.
	OrderBy ivm.Ordering `json:"orderBy,omitempty"`
	// Start is an optional bound the result starts at.
	Start *ivm.Bound `json:"start,omitempty"`
	// Limit caps the size of the result, per parent row in subqueries.
	Limit *int `json:"limit,omitempty"`
	// Related lists the subqueries whose rows are attached to each result row.
	Related []CorrelatedSubquery `json:"related,omitempty"`
	// Singular marks a query expected to return at most one row.
	Singular bool `json:"singular,omitempty"`
}

// Correlation ties the rows of a subquery to its parent row.
type Correlation struct {
	ParentField string `json:"parentField"`
	ChildField  string `json:"childField"`
}

// CorrelatedSubquery is a subquery evaluated per parent row.
type CorrelatedSubquery struct {
	Correlation Correlation `json:"correlation"`
	Subquery    Query       `json:"subquery"`

	// Hidden subqueries are evaluated but not part of the result.
	Hidden bool `json:"hidden,omitempty"`
}

// ConditionType tells apart the kinds of where conditions.
type ConditionType string

const (
	ConditionSimple   ConditionType = "simple"
	ConditionAnd      ConditionType = "and"
	ConditionOr       ConditionType = "or"
	ConditionExists   ConditionType = "exists"
	ConditionNotExist ConditionType = "notExists"
)

// Condition is a node of a where clause.
type Condition struct {
	Type ConditionType `json:"type"`

	// Column, Op and Value describe a simple condition.
	Column string             `json:"column,omitempty"`
	Op     ivm.SimpleOperator `json:"op,omitempty"`
	Value  any                `json:"value,omitempty"`

	// Conditions are the operands of and/or.
	Conditions []Condition `json:"conditions,omitempty"`

	// Related is the subquery of exists/notExists.
	Related *CorrelatedSubquery `json:"related,omitempty"`
}

// Simple returns a simple condition.
func Simple(column string, op ivm.SimpleOperator, value any) Condition {
	return Condition{Type: ConditionSimple, Column: column, Op: op, Value: value}
}

func AllOf(conds ...Condition) Condition { return Condition{Type: ConditionAnd, Conditions: conds} }
func AnyOf(conds ...Condition) Condition { return Condition{Type: ConditionOr, Conditions: conds} }

// ExistsIn returns an EXISTS condition on a subquery.
func ExistsIn(c Correlation, sub Query) Condition {
	return Condition{Type: ConditionExists, Related: &CorrelatedSubquery{Correlation: c, Subquery: sub}}
}

// NotExistsIn returns a NOT EXISTS condition on a subquery.
func NotExistsIn(c Correlation, sub Query) Condition {
	return Condition{Type: ConditionNotExist, Related: &CorrelatedSubquery{Correlation: c, Subquery: sub}}
}

// SimpleCondition returns the operator-level form of a simple condition.
func (c Condition) SimpleCondition() ivm.SimpleCondition {
	return ivm.SimpleCondition{Column: c.Column, Op: c.Op, Value: c.Value}
}

func (c Condition) String() string {
	switch c.Type {
	case ConditionSimple:
		return c.SimpleCondition().String()
	case ConditionAnd, ConditionOr:
		ret := "("
		for i, sub := range c.Conditions {
			if i > 0 {
				ret += fmt.Sprintf(" %s ", c.Type)
			}
			ret += sub.String()
		}
		return ret + ")"
	case ConditionExists, ConditionNotExist:
		if c.Related == nil {
			return string(c.Type) + "(?)"
		}
		return fmt.Sprintf("%s(%s)", c.Type, c.Related.Subquery.name())
	}
	return fmt.Sprintf("<unknown condition %q>", c.Type)
}

// name returns the relationship name of a subquery.
func (q *Query) name() string {
	if q.Alias != "" {
		return q.Alias
	}
	return q.Table
}

// Format returns the shape of the materialized result of the query.
func (q *Query) Format() view.Format {
	f := view.Format{Singular: q.Singular}
	for _, r := range q.Related {
		if r.Hidden {
			continue
		}
		if f.Relationships == nil {
			f.Relationships = map[string]view.Format{}
		}
		f.Relationships[r.Subquery.name()] = r.Subquery.Format()
	}
	return f
}

// Tables returns the tables a query reads, the root table first.
func (q *Query) Tables() []string {
	seen := map[string]bool{}
	ret := []string{}
	var walk func(q *Query)
	var walkCond func(c *Condition)
	walk = func(q *Query) {
		if !seen[q.Table] {
			seen[q.Table] = true
			ret = append(ret, q.Table)
		}
		if q.Where != nil {
			walkCond(q.Where)
		}
		for i := range q.Related {
			walk(&q.Related[i].Subquery)
		}
	}
	walkCond = func(c *Condition) {
		if c.Related != nil {
			walk(&c.Related.Subquery)
		}
		for i := range c.Conditions {
			walkCond(&c.Conditions[i])
		}
	}
	walk(q)
	return ret
}

// ParseQuery decodes a query from YAML or JSON. Integral numbers are decoded as int64 so that
// they compare equal to the row values of the sources.
func ParseQuery(data []byte) (*Query, error) {
	j, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, NewQueryError(fmt.Errorf("invalid YAML: %w", err))
	}
	q := &Query{}
	if err := json.Unmarshal(j, q); err != nil {
		return nil, NewQueryError(fmt.Errorf("failed to decode: %w", err))
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// Validate checks the structure of a query. Column names are checked when the pipeline is built.
func (q *Query) Validate() error {
	if q.Table == "" {
		return NewQueryError(fmt.Errorf("missing table"))
	}
	if q.Limit != nil && *q.Limit < 0 {
		return NewQueryError(fmt.Errorf("table %q: negative limit %d", q.Table, *q.Limit))
	}
	for _, p := range q.OrderBy {
		if p.Direction != "" && p.Direction != ivm.Asc && p.Direction != ivm.Desc {
			return NewQueryError(fmt.Errorf("table %q: invalid direction %q for column %q",
				q.Table, p.Direction, p.Column))
		}
	}
	if q.Where != nil {
		if err := q.Where.validate(q.Table); err != nil {
			return err
		}
	}
	for i := range q.Related {
		if err := q.Related[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Condition) validate(table string) error {
	switch c.Type {
	case ConditionSimple:
		if c.Column == "" {
			return NewQueryError(fmt.Errorf("table %q: simple condition without a column", table))
		}
		if _, err := c.SimpleCondition().Predicate(); err != nil {
			return NewQueryError(fmt.Errorf("table %q: %w", table, err))
		}
	case ConditionAnd, ConditionOr:
		if len(c.Conditions) == 0 {
			return NewQueryError(fmt.Errorf("table %q: empty %s condition", table, c.Type))
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].validate(table); err != nil {
				return err
			}
		}
	case ConditionExists, ConditionNotExist:
		if c.Related == nil {
			return NewQueryError(fmt.Errorf("table %q: %s condition without a subquery", table, c.Type))
		}
		return c.Related.validate()
	default:
		return NewQueryError(fmt.Errorf("table %q: unknown condition type %q", table, c.Type))
	}
	return nil
}

func (r *CorrelatedSubquery) validate() error {
	if r.Correlation.ParentField == "" || r.Correlation.ChildField == "" {
		return NewQueryError(fmt.Errorf("subquery on %q: incomplete correlation", r.Subquery.Table))
	}
	return r.Subquery.Validate()
}

package ivm

import (
	"fmt"
	"strings"
)

// Row is a table row keyed by column name.
type Row map[string]Value

// Copy returns a shallow copy of the row.
func (r Row) Copy() Row {
	ret := make(Row, len(r))
	for k, v := range r {
		ret[k] = v
	}
	return ret
}

// PrimaryKey is the ordered list of columns that uniquely identifies a row in a table.
type PrimaryKey []string

// Values returns the primary key values of a row.
func (pk PrimaryKey) Values(row Row) []Value {
	ret := make([]Value, len(pk))
	for i, col := range pk {
		ret[i] = row[col]
	}
	return ret
}

// Equal reports whether two rows have the same primary key.
func (pk PrimaryKey) Equal(a, b Row) bool {
	for _, col := range pk {
		if CompareValues(a[col], b[col]) != 0 {
			return false
		}
	}
	return true
}

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// OrderPart is a single column of an ordering.
type OrderPart struct {
	Column    string    `json:"column"`
	Direction Direction `json:"direction,omitempty"`
}

// Ordering is a list of sort columns. Orderings used to connect to a source must include every
// primary key column so that the induced order is total.
type Ordering []OrderPart

func (o Ordering) String() string {
	parts := make([]string, len(o))
	for i, p := range o {
		dir := p.Direction
		if dir == "" {
			dir = Asc
		}
		parts[i] = fmt.Sprintf("%s %s", p.Column, dir)
	}
	return strings.Join(parts, ",")
}

// Has reports whether the ordering sorts on the given column.
func (o Ordering) Has(column string) bool {
	for _, p := range o {
		if p.Column == column {
			return true
		}
	}
	return false
}

// WithPrimaryKey returns the ordering extended with the primary key columns it does not yet
// include, in ascending order.
func (o Ordering) WithPrimaryKey(pk PrimaryKey) Ordering {
	ret := append(Ordering{}, o...)
	for _, col := range pk {
		if !ret.Has(col) {
			ret = append(ret, OrderPart{Column: col, Direction: Asc})
		}
	}
	return ret
}

// Comparator is a total order on rows.
type Comparator func(a, b Row) int

// MakeComparator returns a comparator that orders rows by the given ordering.
func MakeComparator(order Ordering) Comparator {
	order = append(Ordering{}, order...)
	return func(a, b Row) int {
		for _, p := range order {
			c := CompareValues(a[p.Column], b[p.Column])
			if c != 0 {
				if p.Direction == Desc {
					return -c
				}
				return c
			}
		}
		return 0
	}
}

// Reverse returns the comparator with the order flipped.
func (c Comparator) Reverse() Comparator {
	return func(a, b Row) int { return c(b, a) }
}

// Relationship lazily produces the stream of related child nodes. Every invocation returns a
// fresh stream.
type Relationship func() Stream

// Node is a row together with its named relationships.
type Node struct {
	Row           Row
	Relationships map[string]Relationship
}

// NewNode returns a node without relationships.
func NewNode(row Row) Node {
	return Node{Row: row, Relationships: map[string]Relationship{}}
}

// WithRelationship returns a copy of the node with a relationship added or replaced.
func (n Node) WithRelationship(name string, rel Relationship) Node {
	rels := make(map[string]Relationship, len(n.Relationships)+1)
	for k, v := range n.Relationships {
		rels[k] = v
	}
	rels[name] = rel
	return Node{Row: n.Row, Relationships: rels}
}

// ColumnType is the declared type of a column.
type ColumnType string

const (
	TypeString  ColumnType = "string"
	TypeNumber  ColumnType = "number"
	TypeBoolean ColumnType = "boolean"
	TypeNull    ColumnType = "null"
	TypeJSON    ColumnType = "json"
)

// Schema describes the nodes an Input produces.
type Schema struct {
	TableName  string
	Columns    map[string]ColumnType
	PrimaryKey PrimaryKey
	Sort       Ordering
	// Relationships holds the schemas of the relationships attached by joins.
	Relationships map[string]*Schema
	// IsHidden marks schemas of helper relationships that should not be materialized.
	IsHidden    bool
	CompareRows Comparator
}

func (s *Schema) withRelationship(name string, child *Schema) *Schema {
	ret := *s
	ret.Relationships = make(map[string]*Schema, len(s.Relationships)+1)
	for k, v := range s.Relationships {
		ret.Relationships[k] = v
	}
	ret.Relationships[name] = child
	return &ret
}

// sameShape reports whether two schemas describe the same table in the same order.
func (s *Schema) sameShape(other *Schema) bool {
	if s.TableName != other.TableName || s.Sort.String() != other.Sort.String() {
		return false
	}
	if len(s.Relationships) != len(other.Relationships) {
		return false
	}
	for k := range s.Relationships {
		if _, ok := other.Relationships[k]; !ok {
			return false
		}
	}
	return true
}

package ivm

// Basis says where a fetch starts relative to the start row.
type Basis string

const (
	// BasisAt starts at the start row, inclusive.
	BasisAt Basis = "at"
	// BasisAfter starts right after the start row.
	BasisAfter Basis = "after"
	// BasisBefore starts at the last row preceding the start row, inclusive.
	BasisBefore Basis = "before"
)

// Start positions a fetch relative to a row in fetch order.
type Start struct {
	Row   Row
	Basis Basis
}

// Constraint restricts a fetch to rows whose column equals the value. A nil value matches
// nothing.
type Constraint struct {
	Column string
	Value  Value
}

// Matches reports whether a row satisfies the constraint.
func (c *Constraint) Matches(row Row) bool {
	return c == nil || ValuesEqual(row[c.Column], c.Value)
}

// FetchRequest is a pull request against an Input.
type FetchRequest struct {
	Constraint *Constraint
	Start      *Start
	// Reverse returns the nodes in reverse sort order, from the start row backwards.
	Reverse bool
}

// Input is the pull face of an operator.
type Input interface {
	// GetSchema returns the schema of the nodes this input produces.
	GetSchema() *Schema
	// Fetch returns the nodes matching the request in sort order.
	Fetch(req FetchRequest) Stream
	// Cleanup is like Fetch but additionally releases any state held for the nodes it
	// returns. It is called when the downstream no longer needs these nodes.
	Cleanup(req FetchRequest) Stream
	// SetOutput registers the downstream receiver of push notifications.
	SetOutput(out Output)
	// Destroy tears down the operator and its upstream.
	Destroy()
}

// Output is the push face of an operator.
type Output interface {
	Push(change Change)
}

// Operator is both an Input and an Output.
type Operator interface {
	Input
	Output
}

// OutputFunc adapts a function to the Output interface.
type OutputFunc func(change Change)

func (f OutputFunc) Push(change Change) { f(change) }

// Wirer is implemented by operators that register themselves as the output of their upstream.
// Graph construction is two-phase: all operators are created first and Wire is called on each
// afterwards, so that no push can reach a half-built graph.
type Wirer interface {
	Wire()
}

// Storage is the private ordered key-value store of a stateful operator. Keys are ordered
// bytewise. Implementations signal failures by panicking.
type Storage interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Del(key string)
	// Scan calls fn on each entry whose key starts with prefix, in key order, until fn returns
	// false.
	Scan(prefix string, fn func(key string, value []byte) bool)
	// Clear releases every entry. Called when the owning operator is destroyed.
	Clear()
}

// SourceInput is a connection to a Source.
type SourceInput interface {
	Input
	// AppliedFilters reports whether the optional filters given at connect time are applied
	// by the source, so that downstream filters only need to handle pushes.
	AppliedFilters() bool
}

// Source is a table that pipelines connect to.
type Source interface {
	GetTableName() string
	GetPrimaryKey() PrimaryKey
	GetColumns() map[string]ColumnType
	// Connect opens a new connection with the given sort order. The optional filters are
	// simple conditions the connection may apply to the rows it produces.
	Connect(sort Ordering, filters ...SimpleCondition) (SourceInput, error)
	// Push applies a change to the table and notifies every connection.
	Push(change Change)
}

// outputOf returns the output or panics when the operator has not been wired.
func outputOf(name string, out Output) Output {
	if out == nil {
		panic(newInvariantError(ErrNotWired, "%s", name))
	}
	return out
}

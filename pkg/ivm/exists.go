package ivm

import (
	"fmt"
)

// ExistsType selects between EXISTS and NOT EXISTS.
type ExistsType string

const (
	Exists    ExistsType = "EXISTS"
	NotExists ExistsType = "NOT EXISTS"
)

// ExistsFilter passes the parent nodes whose relationship is non-empty (EXISTS) or empty (NOT
// EXISTS). The size of the relationship of each parent is cached in Storage, keyed by the parent
// primary key, so that a child change only flips the parent when the size crosses zero.
type ExistsFilter struct {
	input        Input
	output       Output
	storage      Storage
	relationship string
	typ          ExistsType
	primaryKey   PrimaryKey
}

var _ Operator = &ExistsFilter{}

func NewExists(input Input, storage Storage, relationship string, typ ExistsType) (*ExistsFilter, error) {
	schema := input.GetSchema()
	if _, ok := schema.Relationships[relationship]; !ok {
		return nil, NewOperatorError("exists",
			fmt.Errorf("unknown relationship %q on %q", relationship, schema.TableName))
	}
	if typ != Exists && typ != NotExists {
		return nil, NewOperatorError("exists", fmt.Errorf("unknown type %q", typ))
	}
	return &ExistsFilter{
		input:        input,
		storage:      storage,
		relationship: relationship,
		typ:          typ,
		primaryKey:   schema.PrimaryKey,
	}, nil
}

func (e *ExistsFilter) Wire()                { e.input.SetOutput(e) }
func (e *ExistsFilter) GetSchema() *Schema   { return e.input.GetSchema() }
func (e *ExistsFilter) SetOutput(out Output) { e.output = out }
func (e *ExistsFilter) Destroy()             { e.storage.Clear(); e.input.Destroy() }

func (e *ExistsFilter) sizeKey(row Row) string {
	return storageKey(append([]Value{"size"}, e.primaryKey.Values(row)...)...)
}

func (e *ExistsFilter) getSize(row Row) (int, bool) {
	var size int
	ok := getState(e.storage, e.sizeKey(row), &size)
	return size, ok
}

func (e *ExistsFilter) setSize(row Row, size int) {
	setState(e.storage, e.sizeKey(row), size)
}

func (e *ExistsFilter) countRelationship(n Node) int {
	rel, ok := n.Relationships[e.relationship]
	if !ok {
		panic(newInvariantError(ErrConstraintViolation, "exists: node has no relationship %q", e.relationship))
	}
	return Count(rel())
}

// sizeOf returns the cached relationship size of a node, counting and caching it on a miss.
func (e *ExistsFilter) sizeOf(n Node) int {
	if size, ok := e.getSize(n.Row); ok {
		return size
	}
	size := e.countRelationship(n)
	e.setSize(n.Row, size)
	return size
}

func (e *ExistsFilter) passes(size int) bool {
	if e.typ == Exists {
		return size > 0
	}
	return size == 0
}

func (e *ExistsFilter) Fetch(req FetchRequest) Stream {
	return filterStream(e.input.Fetch(req), func(n Node) bool {
		return e.passes(e.sizeOf(n))
	})
}

func (e *ExistsFilter) Cleanup(req FetchRequest) Stream {
	return filterStream(e.input.Cleanup(req), func(n Node) bool {
		size, ok := e.getSize(n.Row)
		if !ok {
			size = e.countRelationship(n)
		}
		e.storage.Del(e.sizeKey(n.Row))
		return e.passes(size)
	})
}

// fetchNode refetches the current version of a parent row from the input.
func (e *ExistsFilter) fetchNode(row Row) Node {
	n, ok := First(e.input.Fetch(FetchRequest{Start: &Start{Row: row, Basis: BasisAt}}))
	if !ok || !e.primaryKey.Equal(n.Row, row) {
		panic(newInvariantError(ErrRowNotFound, "exists: parent %v", e.primaryKey.Values(row)))
	}
	return n
}

func (e *ExistsFilter) emit(c Change) { outputOf("exists", e.output).Push(c) }

func (e *ExistsFilter) Push(change Change) {
	change.Accept((*existsPush)(e))
}

// existsPush handles the changes pushed to an ExistsFilter.
type existsPush ExistsFilter

func (e *existsPush) filter() *ExistsFilter { return (*ExistsFilter)(e) }

func (e *existsPush) VisitAdd(c AddChange) {
	size := e.filter().countRelationship(c.Node)
	e.filter().setSize(c.Node.Row, size)
	if e.filter().passes(size) {
		e.filter().emit(c)
	}
}

func (e *existsPush) VisitRemove(c RemoveChange) {
	size, ok := e.filter().getSize(c.Node.Row)
	if !ok {
		size = e.filter().countRelationship(c.Node)
	}
	e.storage.Del(e.filter().sizeKey(c.Node.Row))
	if e.filter().passes(size) {
		e.filter().emit(c)
	}
}

func (e *existsPush) VisitEdit(c EditChange) {
	size, ok := e.filter().getSize(c.OldNode.Row)
	if !ok {
		size = e.filter().countRelationship(c.Node)
		e.filter().setSize(c.Node.Row, size)
	}
	if e.filter().passes(size) {
		e.filter().emit(c)
	}
}

func (e *existsPush) VisitChild(c ChildChange) {
	f := e.filter()
	if c.Relationship != e.relationship {
		if size, ok := f.getSize(c.Row); ok {
			if f.passes(size) {
				f.emit(c)
			}
			return
		}
		if f.passes(f.sizeOf(f.fetchNode(c.Row))) {
			f.emit(c)
		}
		return
	}

	switch inner := c.Change.(type) {
	case AddChange:
		node := f.fetchNode(c.Row)
		size, ok := f.getSize(c.Row)
		if ok {
			size++
		} else {
			// the fetched relationship already includes the new child
			size = f.countRelationship(node)
		}
		f.setSize(c.Row, size)
		if size == 1 {
			if f.typ == Exists {
				f.emit(AddChange{Node: node})
			} else {
				f.emit(RemoveChange{Node: node.WithRelationship(e.relationship, func() Stream { return EmptyStream() })})
			}
			return
		}
		if f.passes(size) {
			f.emit(c)
		}

	case RemoveChange:
		node := f.fetchNode(c.Row)
		size, ok := f.getSize(c.Row)
		if ok {
			size--
		} else {
			size = f.countRelationship(node)
		}
		if size < 0 {
			panic(newInvariantError(ErrConstraintViolation, "exists: negative relationship size for %v",
				f.primaryKey.Values(c.Row)))
		}
		f.setSize(c.Row, size)
		if size == 0 {
			if f.typ == Exists {
				removed := inner.Node
				f.emit(RemoveChange{Node: node.WithRelationship(e.relationship, func() Stream { return StreamOf(removed) })})
			} else {
				f.emit(AddChange{Node: node})
			}
			return
		}
		if f.passes(size) {
			f.emit(c)
		}

	default:
		if f.passes(f.sizeOf(f.fetchNode(c.Row))) {
			f.emit(c)
		}
	}
}

package ivm

import "fmt"

// ChangeType is the kind of a Change.
type ChangeType int

const (
	ChangeAdd ChangeType = iota + 1
	ChangeRemove
	ChangeEdit
	ChangeChild
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeEdit:
		return "edit"
	case ChangeChild:
		return "child"
	}
	return fmt.Sprintf("<unknown change type %d>", int(t))
}

// Change is a push notification flowing downstream through the operator graph. The set of
// variants is closed: handle a change with a ChangeVisitor.
type Change interface {
	Type() ChangeType
	Accept(v ChangeVisitor)
	isChange()
}

// ChangeVisitor handles every Change variant. Adding a variant breaks every visitor at compile
// time.
type ChangeVisitor interface {
	VisitAdd(c AddChange)
	VisitRemove(c RemoveChange)
	VisitEdit(c EditChange)
	VisitChild(c ChildChange)
}

// AddChange reports a node entering the result.
type AddChange struct {
	Node Node
}

// RemoveChange reports a node leaving the result. The node carries the relationships it had
// before the removal.
type RemoveChange struct {
	Node Node
}

// EditChange reports a row changing in place. The primary key of the old and the new row is
// the same.
type EditChange struct {
	OldNode Node
	Node    Node
}

// ChildChange reports a change inside a relationship of a row that stays in the result.
type ChildChange struct {
	Row          Row
	Relationship string
	Change       Change
}

func (AddChange) Type() ChangeType    { return ChangeAdd }
func (RemoveChange) Type() ChangeType { return ChangeRemove }
func (EditChange) Type() ChangeType   { return ChangeEdit }
func (ChildChange) Type() ChangeType  { return ChangeChild }

func (c AddChange) Accept(v ChangeVisitor)    { v.VisitAdd(c) }
func (c RemoveChange) Accept(v ChangeVisitor) { v.VisitRemove(c) }
func (c EditChange) Accept(v ChangeVisitor)   { v.VisitEdit(c) }
func (c ChildChange) Accept(v ChangeVisitor)  { v.VisitChild(c) }

func (AddChange) isChange()    {}
func (RemoveChange) isChange() {}
func (EditChange) isChange()   {}
func (ChildChange) isChange()  {}

// Add, Remove and Edit build the source changes for plain rows.
func Add(row Row) Change    { return AddChange{Node: NewNode(row)} }
func Remove(row Row) Change { return RemoveChange{Node: NewNode(row)} }
func Edit(oldRow, row Row) Change {
	return EditChange{OldNode: NewNode(oldRow), Node: NewNode(row)}
}

// RowOf returns the row a change is about. For edits this is the new row.
func RowOf(c Change) Row {
	switch c := c.(type) {
	case AddChange:
		return c.Node.Row
	case RemoveChange:
		return c.Node.Row
	case EditChange:
		return c.Node.Row
	case ChildChange:
		return c.Row
	}
	return nil
}

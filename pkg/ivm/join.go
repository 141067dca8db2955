package ivm

import (
	"fmt"
)

// JoinArgs configures a Join.
type JoinArgs struct {
	Parent  Input
	Child   Input
	Storage Storage
	// ParentKey and ChildKey are the columns joined on.
	ParentKey string
	ChildKey  string
	// Relationship names the relationship the child rows are attached under.
	Relationship string
	// Hidden marks the relationship as a helper that views do not materialize.
	Hidden bool
}

// Join attaches to each parent node the stream of child nodes whose child key equals the
// parent key. The child stream is fetched lazily, every time the relationship is read.
//
// Join remembers the primary keys of the parent rows it has produced for each join value, so
// that it knows when the last parent referring to a join value goes away and the child state
// kept for that value can be cleaned up.
type Join struct {
	parent       Input
	child        Input
	storage      Storage
	parentKey    string
	childKey     string
	relationship string
	output       Output
	schema       *Schema
}

var _ Input = &Join{}

func NewJoin(args JoinArgs) (*Join, error) {
	parentSchema, childSchema := args.Parent.GetSchema(), args.Child.GetSchema()
	if _, ok := parentSchema.Columns[args.ParentKey]; !ok {
		return nil, NewOperatorError("join",
			fmt.Errorf("parent key %q is not a column of %q", args.ParentKey, parentSchema.TableName))
	}
	if _, ok := childSchema.Columns[args.ChildKey]; !ok {
		return nil, NewOperatorError("join",
			fmt.Errorf("child key %q is not a column of %q", args.ChildKey, childSchema.TableName))
	}
	if _, ok := parentSchema.Relationships[args.Relationship]; ok {
		return nil, NewOperatorError("join",
			fmt.Errorf("duplicate relationship %q on %q", args.Relationship, parentSchema.TableName))
	}

	child := *childSchema
	child.IsHidden = args.Hidden
	return &Join{
		parent:       args.Parent,
		child:        args.Child,
		storage:      args.Storage,
		parentKey:    args.ParentKey,
		childKey:     args.ChildKey,
		relationship: args.Relationship,
		schema:       parentSchema.withRelationship(args.Relationship, &child),
	}, nil
}

func (j *Join) Wire() {
	j.parent.SetOutput(OutputFunc(func(c Change) { c.Accept((*joinParentPush)(j)) }))
	j.child.SetOutput(OutputFunc(func(c Change) { c.Accept((*joinChildPush)(j)) }))
}

func (j *Join) GetSchema() *Schema   { return j.schema }
func (j *Join) SetOutput(out Output) { j.output = out }

func (j *Join) Destroy() {
	j.storage.Clear()
	j.parent.Destroy()
	j.child.Destroy()
}

func (j *Join) Fetch(req FetchRequest) Stream {
	return mapStream(j.parent.Fetch(req), func(n Node) Node {
		return j.processParent(n, false)
	})
}

func (j *Join) Cleanup(req FetchRequest) Stream {
	return mapStream(j.parent.Cleanup(req), func(n Node) Node {
		return j.processParent(n, true)
	})
}

func (j *Join) parentKeyOf(row Row) string {
	values := []Value{"pKeySet", row[j.parentKey]}
	values = append(values, j.parent.GetSchema().PrimaryKey.Values(row)...)
	return storagePrefix(values...)
}

// processParent attaches the relationship to a parent node. In cleanup mode the child state for
// the join value is released, unless another parent still refers to it.
func (j *Join) processParent(n Node, cleanup bool) Node {
	row := n.Row
	key := j.parentKeyOf(row)
	fetch := j.child.Fetch
	if cleanup {
		refs := 0
		j.storage.Scan(storagePrefix("pKeySet", row[j.parentKey]), func(string, []byte) bool {
			refs++
			return refs < 2
		})
		if refs < 2 {
			fetch = j.child.Cleanup
		}
		j.storage.Del(key)
	} else {
		j.storage.Set(key, []byte("true"))
	}

	value := row[j.parentKey]
	return n.WithRelationship(j.relationship, func() Stream {
		if value == nil {
			return EmptyStream()
		}
		return fetch(FetchRequest{Constraint: &Constraint{Column: j.childKey, Value: value}})
	})
}

func (j *Join) emit(c Change) { outputOf("join", j.output).Push(c) }

// joinParentPush handles the changes pushed from the parent input.
type joinParentPush Join

func (j *joinParentPush) join() *Join { return (*Join)(j) }

func (j *joinParentPush) VisitAdd(c AddChange) {
	j.join().emit(AddChange{Node: j.join().processParent(c.Node, false)})
}

func (j *joinParentPush) VisitRemove(c RemoveChange) {
	j.join().emit(RemoveChange{Node: j.join().processParent(c.Node, true)})
}

func (j *joinParentPush) VisitChild(c ChildChange) {
	j.join().emit(c)
}

// VisitEdit forwards an edit that keeps the join value and splits one that changes it.
func (j *joinParentPush) VisitEdit(c EditChange) {
	if !ValuesEqual(c.OldNode.Row[j.parentKey], c.Node.Row[j.parentKey]) {
		j.VisitRemove(RemoveChange{Node: c.OldNode})
		j.VisitAdd(AddChange{Node: c.Node})
		return
	}
	j.join().emit(EditChange{
		OldNode: j.join().processParent(c.OldNode, true),
		Node:    j.join().processParent(c.Node, false),
	})
}

// joinChildPush handles the changes pushed from the child input: each is reported as a child
// change of every parent row with a matching join value.
type joinChildPush Join

func (j *joinChildPush) pushToParents(childRow Row, change Change) {
	parents := Collect(j.parent.Fetch(FetchRequest{
		Constraint: &Constraint{Column: j.parentKey, Value: childRow[j.childKey]},
	}))
	for _, p := range parents {
		(*Join)(j).emit(ChildChange{Row: p.Row, Relationship: j.relationship, Change: change})
	}
}

func (j *joinChildPush) VisitAdd(c AddChange)       { j.pushToParents(c.Node.Row, c) }
func (j *joinChildPush) VisitRemove(c RemoveChange) { j.pushToParents(c.Node.Row, c) }
func (j *joinChildPush) VisitChild(c ChildChange)   { j.pushToParents(c.Row, c) }

func (j *joinChildPush) VisitEdit(c EditChange) {
	if ValuesEqual(c.OldNode.Row[j.childKey], c.Node.Row[j.childKey]) {
		j.pushToParents(c.Node.Row, c)
		return
	}
	j.pushToParents(c.OldNode.Row, RemoveChange{Node: c.OldNode})
	j.pushToParents(c.Node.Row, AddChange{Node: c.Node})
}

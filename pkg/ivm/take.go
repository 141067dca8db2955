package ivm

import (
	"fmt"
)

var maxBoundKey = storageKey("maxBound")

// takeState is the persisted window of a partition.
type takeState struct {
	Size  int `json:"size"`
	Bound Row `json:"bound,omitempty"`
}

// Take keeps the first limit rows in sort order, per partition when a partition key is set. The
// window of each partition is tracked by its size and its bound, the last row in the window, both
// kept in Storage. A partition that has never been fetched has no state and ignores pushes.
//
// The first fetch of a partition must be consumed until it ends: the window is recorded only
// once the stream is exhausted or the limit is reached.
type Take struct {
	input        Input
	output       Output
	storage      Storage
	limit        int
	partitionKey string
	compare      Comparator
}

var _ Operator = &Take{}

func NewTake(input Input, storage Storage, limit int, partitionKey string) (*Take, error) {
	if limit < 0 {
		return nil, NewOperatorError("take", fmt.Errorf("negative limit %d", limit))
	}
	schema := input.GetSchema()
	if partitionKey != "" {
		if _, ok := schema.Columns[partitionKey]; !ok {
			return nil, NewOperatorError("take",
				fmt.Errorf("partition key %q is not a column of %q", partitionKey, schema.TableName))
		}
	}
	return &Take{
		input:        input,
		storage:      storage,
		limit:        limit,
		partitionKey: partitionKey,
		compare:      schema.CompareRows,
	}, nil
}

func (t *Take) Wire()                { t.input.SetOutput(t) }
func (t *Take) GetSchema() *Schema   { return t.input.GetSchema() }
func (t *Take) SetOutput(out Output) { t.output = out }
func (t *Take) Destroy()             { t.storage.Clear(); t.input.Destroy() }

func (t *Take) stateKey(partitionValue Value) string {
	if t.partitionKey == "" {
		return storageKey("take")
	}
	return storageKey("take", partitionValue)
}

// partitionOf returns the state key of a request whose constraint selects a single partition.
func (t *Take) partitionOf(req FetchRequest) (string, bool) {
	if t.partitionKey == "" {
		return t.stateKey(nil), true
	}
	if req.Constraint != nil && req.Constraint.Column == t.partitionKey {
		return t.stateKey(req.Constraint.Value), true
	}
	return "", false
}

func (t *Take) getState(key string) (takeState, bool) {
	var st takeState
	ok := getState(t.storage, key, &st)
	return st, ok
}

func (t *Take) maxBound() Row {
	var bound Row
	getState(t.storage, maxBoundKey, &bound)
	return bound
}

func (t *Take) setState(key string, size int, bound, maxBound Row) {
	setState(t.storage, key, takeState{Size: size, Bound: bound})
	if bound != nil && (maxBound == nil || t.compare(bound, maxBound) > 0) {
		setState(t.storage, maxBoundKey, bound)
	}
}

func (t *Take) within(bound Row) func(Node) bool {
	return func(n Node) bool { return t.compare(bound, n.Row) >= 0 }
}

func (t *Take) Fetch(req FetchRequest) Stream {
	key, ok := t.partitionOf(req)
	if !ok {
		return t.fetchAcrossPartitions(req, t.input.Fetch(req))
	}

	st, ok := t.getState(key)
	if !ok {
		return t.initialFetch(key, req)
	}
	if st.Bound == nil {
		return EmptyStream()
	}
	return takeWhile(t.input.Fetch(req), t.within(st.Bound))
}

// fetchAcrossPartitions answers a request that is not constrained to a single partition: rows
// are passed when they are inside the window of their own partition.
func (t *Take) fetchAcrossPartitions(req FetchRequest, in Stream) Stream {
	maxBound := t.maxBound()
	if maxBound == nil {
		in.Close()
		return EmptyStream()
	}
	bounds := map[string]*takeState{}
	return NewStream(func() (Node, bool) {
		for n, ok := in.Next(); ok; n, ok = in.Next() {
			if !req.Reverse && t.compare(n.Row, maxBound) > 0 {
				return Node{}, false
			}
			key := t.stateKey(n.Row[t.partitionKey])
			st, seen := bounds[key]
			if !seen {
				if s, ok := t.getState(key); ok {
					st = &s
				}
				bounds[key] = st
			}
			if st != nil && st.Bound != nil && t.compare(st.Bound, n.Row) >= 0 {
				return n, true
			}
		}
		return Node{}, false
	}, in.Close)
}

func (t *Take) initialFetch(key string, req FetchRequest) Stream {
	if req.Start != nil || req.Reverse {
		panic(newInvariantError(ErrConstraintViolation, "take: first fetch of a partition cannot have a start or be reversed"))
	}
	if t.partitionKey == "" && req.Constraint != nil {
		panic(newInvariantError(ErrConstraintViolation, "take: first fetch cannot be constrained without a partition key"))
	}
	if t.limit == 0 {
		return EmptyStream()
	}

	in := t.input.Fetch(req)
	size, done := 0, false
	var bound Row
	finish := func() {
		done = true
		t.setState(key, size, bound, t.maxBound())
		in.Close()
	}
	return NewStream(func() (Node, bool) {
		if done {
			return Node{}, false
		}
		n, ok := in.Next()
		if !ok {
			finish()
			return Node{}, false
		}
		size++
		bound = n.Row
		if size == t.limit {
			finish()
		}
		return n, true
	}, func() {
		in.Close()
		if !done {
			panic(newInvariantError(ErrNeedyStreamAbandoned, "take: window of %s was not filled", key))
		}
	})
}

// Cleanup releases the window of the requested partition and returns its rows. A partition
// without a window yields nothing, so a repeated cleanup is empty.
func (t *Take) Cleanup(req FetchRequest) Stream {
	if t.partitionKey == "" && req.Constraint != nil {
		panic(newInvariantError(ErrConstraintViolation, "take: cleanup cannot be constrained without a partition key"))
	}
	key, ok := t.partitionOf(req)
	if !ok {
		in := t.fetchAcrossPartitions(req, t.input.Cleanup(req))
		return NewStream(in.Next, func() {
			in.Close()
			t.clearAll()
		})
	}

	st, ok := t.getState(key)
	if !ok {
		return EmptyStream()
	}
	t.storage.Del(key)
	if st.Bound == nil {
		return EmptyStream()
	}
	return takeWhile(t.input.Cleanup(req), t.within(st.Bound))
}

func (t *Take) clearAll() {
	keys := []string{}
	t.storage.Scan(storagePrefix("take"), func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	for _, k := range keys {
		t.storage.Del(k)
	}
	t.storage.Del(maxBoundKey)
}

func (t *Take) Push(change Change) {
	change.Accept((*takePush)(t))
}

// takePush handles the changes pushed to a Take.
type takePush Take

func (t *takePush) take() *Take { return (*Take)(t) }

func (t *takePush) emit(c Change) { outputOf("take", t.output).Push(c) }

// window returns the state of the partition a row belongs to and the constraint that selects
// the partition from the input.
func (t *takePush) window(row Row) (string, takeState, Row, *Constraint, bool) {
	var pv Value
	if t.partitionKey != "" {
		pv = row[t.partitionKey]
	}
	key := t.take().stateKey(pv)
	st, ok := t.take().getState(key)
	if !ok {
		return key, st, nil, nil, false
	}
	var constraint *Constraint
	if t.partitionKey != "" {
		constraint = &Constraint{Column: t.partitionKey, Value: pv}
	}
	return key, st, t.take().maxBound(), constraint, true
}

func (t *takePush) first(req FetchRequest) (Node, bool) {
	return First(t.input.Fetch(req))
}

func (t *takePush) mustFirst(req FetchRequest) Node {
	n, ok := t.first(req)
	if !ok {
		panic(newInvariantError(ErrConstraintViolation, "take: expected a row at bound %v", req.Start.Row))
	}
	return n
}

func (t *takePush) VisitAdd(c AddChange) {
	key, st, maxBound, constraint, ok := t.window(c.Node.Row)
	if !ok {
		return
	}
	row := c.Node.Row

	if st.Size < t.limit {
		bound := st.Bound
		if bound == nil || t.compare(bound, row) < 0 {
			bound = row
		}
		t.take().setState(key, st.Size+1, bound, maxBound)
		t.emit(c)
		return
	}

	if st.Bound == nil || t.compare(row, st.Bound) >= 0 {
		return
	}

	// The new row pushes the bound out of the window.
	var boundNode Node
	newBound := row
	if t.limit == 1 {
		boundNode = t.mustFirst(FetchRequest{Start: &Start{Row: st.Bound, Basis: BasisAt}, Constraint: constraint})
	} else {
		nodes := Collect(limitStream(t.input.Fetch(FetchRequest{
			Start:      &Start{Row: st.Bound, Basis: BasisAt},
			Constraint: constraint,
			Reverse:    true,
		}), 2))
		if len(nodes) == 0 {
			panic(newInvariantError(ErrConstraintViolation, "take: bound %v not found", st.Bound))
		}
		boundNode = nodes[0]
		if len(nodes) > 1 && t.compare(row, nodes[1].Row) < 0 {
			newBound = nodes[1].Row
		}
	}

	t.take().setState(key, st.Size, newBound, maxBound)
	t.emit(RemoveChange{Node: boundNode})
	t.emit(c)
}

func (t *takePush) VisitRemove(c RemoveChange) {
	key, st, maxBound, constraint, ok := t.window(c.Node.Row)
	if !ok || st.Bound == nil {
		return
	}
	row := c.Node.Row
	cmp := t.compare(row, st.Bound)
	if cmp > 0 {
		return
	}

	// Pull the next row past the bound into the window.
	if next, ok := t.first(FetchRequest{
		Start:      &Start{Row: st.Bound, Basis: BasisAfter},
		Constraint: constraint,
	}); ok {
		t.take().setState(key, st.Size, next.Row, maxBound)
		t.emit(c)
		t.emit(AddChange{Node: next})
		return
	}

	newBound := st.Bound
	if cmp == 0 {
		newBound = nil
		if prev, ok := t.first(FetchRequest{
			Start:      &Start{Row: st.Bound, Basis: BasisAfter},
			Constraint: constraint,
			Reverse:    true,
		}); ok {
			newBound = prev.Row
		}
	}
	t.take().setState(key, st.Size-1, newBound, maxBound)
	t.emit(c)
}

func (t *takePush) VisitChild(c ChildChange) {
	_, st, _, _, ok := t.window(c.Row)
	if ok && st.Bound != nil && t.compare(c.Row, st.Bound) <= 0 {
		t.emit(c)
	}
}

func (t *takePush) VisitEdit(c EditChange) {
	oldRow, row := c.OldNode.Row, c.Node.Row
	if t.partitionKey != "" && CompareValues(oldRow[t.partitionKey], row[t.partitionKey]) != 0 {
		// The row moves to another partition.
		t.VisitRemove(RemoveChange{Node: c.OldNode})
		t.VisitAdd(AddChange{Node: c.Node})
		return
	}

	key, st, maxBound, constraint, ok := t.window(oldRow)
	if !ok {
		return
	}
	if st.Bound == nil {
		panic(newInvariantError(ErrConstraintViolation, "take: edit of %v in an empty window", oldRow))
	}

	oldCmp, newCmp := t.compare(oldRow, st.Bound), t.compare(row, st.Bound)
	replaceBound := func() {
		t.take().setState(key, st.Size, row, maxBound)
		t.emit(c)
	}
	at := &Start{Row: st.Bound, Basis: BasisAt}
	after := &Start{Row: st.Bound, Basis: BasisAfter}

	switch {
	case oldCmp == 0 && newCmp == 0:
		t.emit(c)

	case oldCmp == 0 && newCmp < 0:
		// The bound moved into the window: the row preceding the old bound is the new bound,
		// which may be the edited row itself.
		if t.limit == 1 {
			replaceBound()
			return
		}
		prev := t.mustFirst(FetchRequest{Start: after, Constraint: constraint, Reverse: true})
		t.take().setState(key, st.Size, prev.Row, maxBound)
		t.emit(c)

	case oldCmp == 0:
		// The bound moved past the old bound: the first row at or after the old bound is the
		// new bound.
		next := t.mustFirst(FetchRequest{Start: at, Constraint: constraint})
		if t.compare(next.Row, row) == 0 {
			replaceBound()
			return
		}
		t.take().setState(key, st.Size, next.Row, maxBound)
		t.emit(RemoveChange{Node: c.OldNode})
		t.emit(AddChange{Node: next})

	case oldCmp > 0 && newCmp > 0:
		// outside the window before and after

	case oldCmp > 0:
		// A row from outside the window moved in and pushes the bound out.
		nodes := Collect(limitStream(t.input.Fetch(FetchRequest{Start: at, Constraint: constraint, Reverse: true}), 2))
		if len(nodes) < 2 {
			panic(newInvariantError(ErrConstraintViolation, "take: bound %v not found", st.Bound))
		}
		t.take().setState(key, st.Size, nodes[1].Row, maxBound)
		t.emit(RemoveChange{Node: nodes[0]})
		t.emit(AddChange{Node: c.Node})

	case newCmp < 0:
		t.emit(c)

	default:
		// A row from inside the window moved past the bound: the first row after the bound
		// takes its place, which may be the edited row itself.
		next := t.mustFirst(FetchRequest{Start: after, Constraint: constraint})
		if t.compare(next.Row, row) == 0 {
			replaceBound()
			return
		}
		t.take().setState(key, st.Size, next.Row, maxBound)
		t.emit(RemoveChange{Node: c.OldNode})
		t.emit(AddChange{Node: next})
	}
}

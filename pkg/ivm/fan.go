package ivm

import (
	"fmt"
)

// ErrFanInOutsideCycle is raised when a FanIn receives a push that did not come from its FanOut.
var ErrFanInOutsideCycle = fmt.Errorf("%w: fan-in push outside a fan-out cycle", ErrConstraintViolation)

// pushToken collects what the branches between a FanOut and its FanIn emit for a single
// upstream change.
type pushToken struct {
	active bool
	in     Change
	// before and after record whether the row is in the merged result before and after the
	// change.
	before, after bool
	adds          []AddChange
	removes       []RemoveChange
	edits         []EditChange
	children      []ChildChange
}

func (t *pushToken) begin(c Change) {
	*t = pushToken{active: true, in: c}
}

func (t *pushToken) record(c Change) {
	switch c := c.(type) {
	case AddChange:
		t.after = true
		t.adds = append(t.adds, c)
	case RemoveChange:
		t.before = true
		t.removes = append(t.removes, c)
	case EditChange:
		t.before, t.after = true, true
		t.edits = append(t.edits, c)
	case ChildChange:
		t.before, t.after = true, true
		t.children = append(t.children, c)
	}
}

// settled reports whether the remaining branches can be skipped: an add that a branch already
// passed. Removals, edits and child changes visit every branch, as branches keep per-row state
// behind their filters that must follow the row.
func (t *pushToken) settled() bool {
	_, ok := t.in.(AddChange)
	return ok && t.after
}

// merged returns the single change the FanIn emits, if any.
func (t *pushToken) merged() (Change, bool) {
	switch {
	case t.before && t.after:
		switch {
		case len(t.edits) > 0:
			return t.edits[0], true
		case len(t.children) > 0:
			return t.children[0], true
		case len(t.removes) > 0 && len(t.adds) > 0:
			return EditChange{OldNode: t.removes[0].Node, Node: t.adds[0].Node}, true
		}
	case t.after:
		return t.adds[0], true
	case t.before:
		return t.removes[0], true
	}
	return nil, false
}

// FanOut feeds a single input into several branches that are merged again by a FanIn. It is
// how OR conditions are evaluated.
type FanOut struct {
	input     Input
	outputs   []Output
	token     *pushToken
	fanIn     *FanIn
	destroyed int
}

var _ Operator = &FanOut{}

func NewFanOut(input Input) *FanOut {
	return &FanOut{input: input}
}

func (f *FanOut) Wire()                           { f.input.SetOutput(f) }
func (f *FanOut) GetSchema() *Schema              { return f.input.GetSchema() }
func (f *FanOut) Fetch(req FetchRequest) Stream   { return f.input.Fetch(req) }
func (f *FanOut) Cleanup(req FetchRequest) Stream { return f.input.Cleanup(req) }

// SetOutput adds a branch.
func (f *FanOut) SetOutput(out Output) { f.outputs = append(f.outputs, out) }

// Destroy tears down the input once every branch has been destroyed.
func (f *FanOut) Destroy() {
	f.destroyed++
	if f.destroyed == len(f.outputs) || len(f.outputs) == 0 {
		f.input.Destroy()
	}
}

// Push sends the change down each branch in order, stopping once the paired FanIn has an add
// it will emit, then lets the FanIn emit the merged change.
func (f *FanOut) Push(change Change) {
	if f.fanIn == nil {
		panic(newInvariantError(ErrNotWired, "fan-out without a fan-in"))
	}
	f.token.begin(change)
	for _, out := range f.outputs {
		out.Push(change)
		if f.token.settled() {
			break
		}
	}
	f.fanIn.flush()
}

// FanIn merges the branches started by a FanOut. Fetches merge the branch streams in sort order
// and drop duplicates. Pushes are buffered until the FanOut has visited the branches, then the
// FanIn emits at most one change.
type FanIn struct {
	fanOut *FanOut
	inputs []Input
	output Output
	schema *Schema
	token  *pushToken
}

var _ Operator = &FanIn{}

func NewFanIn(fanOut *FanOut, inputs []Input) (*FanIn, error) {
	if len(inputs) == 0 {
		return nil, NewOperatorError("fan-in", fmt.Errorf("no inputs"))
	}
	if fanOut.fanIn != nil {
		return nil, NewOperatorError("fan-in", fmt.Errorf("fan-out is already paired"))
	}
	schema := inputs[0].GetSchema()
	for _, in := range inputs[1:] {
		if !schema.sameShape(in.GetSchema()) {
			return nil, NewOperatorError("fan-in", fmt.Errorf("%w: branch schemas differ", ErrSchemaMismatch))
		}
	}
	token := &pushToken{}
	f := &FanIn{fanOut: fanOut, inputs: inputs, schema: schema, token: token}
	fanOut.fanIn, fanOut.token = f, token
	return f, nil
}

func (f *FanIn) Wire() {
	for _, in := range f.inputs {
		in.SetOutput(f)
	}
}

func (f *FanIn) GetSchema() *Schema   { return f.schema }
func (f *FanIn) SetOutput(out Output) { f.output = out }

func (f *FanIn) Destroy() {
	for _, in := range f.inputs {
		in.Destroy()
	}
}

func (f *FanIn) Push(change Change) {
	if !f.token.active {
		panic(newInvariantError(ErrFanInOutsideCycle, "%s change", change.Type()))
	}
	f.token.record(change)
}

func (f *FanIn) flush() {
	c, ok := f.token.merged()
	f.token.active = false
	if ok {
		outputOf("fan-in", f.output).Push(c)
	}
}

func (f *FanIn) Fetch(req FetchRequest) Stream {
	return f.merge(req, func(in Input) Stream { return in.Fetch(req) })
}

func (f *FanIn) Cleanup(req FetchRequest) Stream {
	return f.merge(req, func(in Input) Stream { return in.Cleanup(req) })
}

// merge is a k-way merge of the branch streams that emits each row once.
func (f *FanIn) merge(req FetchRequest, open func(Input) Stream) Stream {
	compare := f.schema.CompareRows
	if req.Reverse {
		compare = compare.Reverse()
	}

	streams := make([]Stream, len(f.inputs))
	heads := make([]*Node, len(f.inputs))
	for i, in := range f.inputs {
		streams[i] = open(in)
	}
	advance := func(i int) {
		if n, ok := streams[i].Next(); ok {
			heads[i] = &n
		} else {
			heads[i] = nil
		}
	}
	started := false

	return NewStream(func() (Node, bool) {
		if !started {
			for i := range streams {
				advance(i)
			}
			started = true
		}
		min := -1
		for i, h := range heads {
			if h != nil && (min < 0 || compare(h.Row, heads[min].Row) < 0) {
				min = i
			}
		}
		if min < 0 {
			return Node{}, false
		}
		ret := *heads[min]
		for i, h := range heads {
			if h != nil && compare(h.Row, ret.Row) == 0 {
				advance(i)
			}
		}
		return ret, true
	}, func() {
		for _, s := range streams {
			s.Close()
		}
	})
}

package ivm

// FilterMode selects which face of the Filter applies the predicate.
type FilterMode int

const (
	// FilterAll applies the predicate to fetches and pushes.
	FilterAll FilterMode = iota
	// FilterPushOnly applies the predicate to pushes only. It is used when the source already
	// applies the same condition to fetches.
	FilterPushOnly
)

// Filter passes the nodes that satisfy a predicate.
type Filter struct {
	input     Input
	output    Output
	predicate Predicate
	mode      FilterMode
}

var _ Operator = &Filter{}

func NewFilter(input Input, mode FilterMode, predicate Predicate) *Filter {
	return &Filter{input: input, predicate: predicate, mode: mode}
}

func (f *Filter) Wire()               { f.input.SetOutput(f) }
func (f *Filter) GetSchema() *Schema   { return f.input.GetSchema() }
func (f *Filter) SetOutput(out Output) { f.output = out }
func (f *Filter) Destroy()             { f.input.Destroy() }

func (f *Filter) Fetch(req FetchRequest) Stream {
	return f.filter(f.input.Fetch(req))
}

func (f *Filter) Cleanup(req FetchRequest) Stream {
	return f.filter(f.input.Cleanup(req))
}

func (f *Filter) filter(s Stream) Stream {
	if f.mode == FilterPushOnly {
		return s
	}
	return filterStream(s, func(n Node) bool { return f.predicate(n.Row) })
}

func (f *Filter) Push(change Change) {
	change.Accept((*filterPush)(f))
}

// filterPush handles the changes pushed to a Filter.
type filterPush Filter

func (f *filterPush) emit(c Change) { outputOf("filter", f.output).Push(c) }

func (f *filterPush) VisitAdd(c AddChange) {
	if f.predicate(c.Node.Row) {
		f.emit(c)
	}
}

func (f *filterPush) VisitRemove(c RemoveChange) {
	if f.predicate(c.Node.Row) {
		f.emit(c)
	}
}

func (f *filterPush) VisitChild(c ChildChange) {
	if f.predicate(c.Row) {
		f.emit(c)
	}
}

// VisitEdit splits an edit that crosses the predicate into a remove or an add.
func (f *filterPush) VisitEdit(c EditChange) {
	emitEdit(c, f.predicate, f.emit)
}

// emitEdit forwards an edit as seen through a row predicate.
func emitEdit(c EditChange, pred func(Row) bool, emit func(Change)) {
	oldOk, newOk := pred(c.OldNode.Row), pred(c.Node.Row)
	switch {
	case oldOk && newOk:
		emit(c)
	case oldOk:
		emit(RemoveChange{Node: c.OldNode})
	case newOk:
		emit(AddChange{Node: c.Node})
	}
}

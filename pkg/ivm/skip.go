package ivm

// Bound is the start position of a SkipFilter.
type Bound struct {
	Row       Row  `json:"row"`
	Exclusive bool `json:"exclusive,omitempty"`
}

// SkipFilter drops the rows that sort before its bound, and the bound row itself when the bound is
// exclusive.
type SkipFilter struct {
	input   Input
	output  Output
	bound   Bound
	compare Comparator
}

var _ Operator = &SkipFilter{}

func NewSkipFilter(input Input, bound Bound) *SkipFilter {
	return &SkipFilter{input: input, bound: bound, compare: input.GetSchema().CompareRows}
}

func (s *SkipFilter) Wire()                { s.input.SetOutput(s) }
func (s *SkipFilter) GetSchema() *Schema   { return s.input.GetSchema() }
func (s *SkipFilter) SetOutput(out Output) { s.output = out }
func (s *SkipFilter) Destroy()             { s.input.Destroy() }

func (s *SkipFilter) Fetch(req FetchRequest) Stream {
	return s.fetch(req, s.input.Fetch)
}

func (s *SkipFilter) Cleanup(req FetchRequest) Stream {
	return s.fetch(req, s.input.Cleanup)
}

func (s *SkipFilter) fetch(req FetchRequest, fetch func(FetchRequest) Stream) Stream {
	if req.Reverse {
		return takeWhile(fetch(req), func(n Node) bool { return s.present(n.Row) })
	}

	start := s.boundStart()
	if req.Start != nil {
		c := s.compare(req.Start.Row, s.bound.Row)
		if c > 0 || (c == 0 && req.Start.Basis == BasisAfter) {
			start = req.Start
		}
	}
	if req.Constraint != nil && !req.Constraint.Matches(start.Row) {
		// the bound is outside the constrained range, present() drops the skipped rows
		start = req.Start
	}
	next := req
	next.Start = start
	// A "before" start may step back into the skipped range.
	return filterStream(fetch(next), func(n Node) bool { return s.present(n.Row) })
}

func (s *SkipFilter) boundStart() *Start {
	basis := BasisAt
	if s.bound.Exclusive {
		basis = BasisAfter
	}
	return &Start{Row: s.bound.Row, Basis: basis}
}

func (s *SkipFilter) present(row Row) bool {
	c := s.compare(s.bound.Row, row)
	return c < 0 || (c == 0 && !s.bound.Exclusive)
}

func (s *SkipFilter) Push(change Change) {
	change.Accept((*skipPush)(s))
}

// skipPush handles the changes pushed to a SkipFilter.
type skipPush SkipFilter

func (s *skipPush) emit(c Change) { outputOf("skip", s.output).Push(c) }

func (s *skipPush) VisitAdd(c AddChange) {
	if (*SkipFilter)(s).present(c.Node.Row) {
		s.emit(c)
	}
}

func (s *skipPush) VisitRemove(c RemoveChange) {
	if (*SkipFilter)(s).present(c.Node.Row) {
		s.emit(c)
	}
}

func (s *skipPush) VisitChild(c ChildChange) {
	if (*SkipFilter)(s).present(c.Row) {
		s.emit(c)
	}
}

func (s *skipPush) VisitEdit(c EditChange) {
	emitEdit(c, (*SkipFilter)(s).present, s.emit)
}

package ivm

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/btree"
)

const (
	btreeDegree   = 16
	scanChunkSize = 64
)

// index is a sorted copy of the table rows.
type index struct {
	sort    Ordering
	compare Comparator
	data    *btree.BTreeG[Row]
	usedBy  map[*sourceConnection]bool
}

func newIndex(sort Ordering) *index {
	compare := MakeComparator(sort)
	return &index{
		sort:    sort,
		compare: compare,
		data:    btree.NewG(btreeDegree, func(a, b Row) bool { return compare(a, b) < 0 }),
		usedBy:  map[*sourceConnection]bool{},
	}
}

// overlay is the change being pushed. Connections up to and including outputIndex have been
// notified and must see it in their fetches.
type overlay struct {
	outputIndex int
	change      Change
}

// MemorySource is an in-memory table. Rows are kept in a primary index sorted by the primary key
// and in secondary indexes that are built on demand for the sort orders and constraints the
// connections ask for.
type MemorySource struct {
	tableName   string
	columns     map[string]ColumnType
	primaryKey  PrimaryKey
	primarySort Ordering
	indexes     map[string]*index
	connections []*sourceConnection
	overlay     *overlay
	log         logr.Logger
}

var _ Source = &MemorySource{}

// NewMemorySource creates an empty table.
func NewMemorySource(tableName string, columns map[string]ColumnType, primaryKey PrimaryKey, log logr.Logger) (*MemorySource, error) {
	if len(primaryKey) == 0 {
		return nil, NewOperatorError("source", fmt.Errorf("table %q: empty primary key", tableName))
	}
	for _, col := range primaryKey {
		if _, ok := columns[col]; !ok {
			return nil, NewOperatorError("source",
				fmt.Errorf("table %q: primary key column %q is not a column", tableName, col))
		}
	}

	primarySort := Ordering{}.WithPrimaryKey(primaryKey)
	s := &MemorySource{
		tableName:   tableName,
		columns:     columns,
		primaryKey:  append(PrimaryKey{}, primaryKey...),
		primarySort: primarySort,
		indexes:     map[string]*index{},
		log:         log.WithName("source").WithValues("table", tableName),
	}
	s.indexes[primarySort.String()] = newIndex(primarySort)
	return s, nil
}

func (s *MemorySource) GetTableName() string              { return s.tableName }
func (s *MemorySource) GetPrimaryKey() PrimaryKey         { return s.primaryKey }
func (s *MemorySource) GetColumns() map[string]ColumnType { return s.columns }

func (s *MemorySource) primaryIndex() *index {
	return s.indexes[s.primarySort.String()]
}

// Len returns the number of rows in the table.
func (s *MemorySource) Len() int { return s.primaryIndex().data.Len() }

// GetIndexKeys returns the sort orders of the indexes currently maintained.
func (s *MemorySource) GetIndexKeys() []string {
	ret := make([]string, 0, len(s.indexes))
	for k := range s.indexes {
		ret = append(ret, k)
	}
	return ret
}

// Connect opens a connection. The sort must include every primary key column.
func (s *MemorySource) Connect(sort Ordering, filters ...SimpleCondition) (SourceInput, error) {
	for _, col := range s.primaryKey {
		if !sort.Has(col) {
			return nil, NewOperatorError("source",
				fmt.Errorf("table %q: sort %q does not include primary key column %q", s.tableName, sort, col))
		}
	}
	for _, p := range sort {
		if _, ok := s.columns[p.Column]; !ok {
			return nil, NewOperatorError("source",
				fmt.Errorf("table %q: unknown sort column %q", s.tableName, p.Column))
		}
	}

	preds := make([]Predicate, 0, len(filters))
	for _, f := range filters {
		p, err := f.Predicate()
		if err != nil {
			return nil, NewOperatorError("source", fmt.Errorf("table %q: filter %s: %w", s.tableName, f, err))
		}
		preds = append(preds, p)
	}

	sort = append(Ordering{}, sort...)
	conn := &sourceConnection{
		source:  s,
		sort:    sort,
		filters: preds,
		schema: &Schema{
			TableName:     s.tableName,
			Columns:       s.columns,
			PrimaryKey:    s.primaryKey,
			Sort:          sort,
			Relationships: map[string]*Schema{},
			CompareRows:   MakeComparator(sort),
		},
	}
	s.connections = append(s.connections, conn)
	s.log.V(4).Info("connect", "sort", sort.String(), "filters", len(filters))
	return conn, nil
}

func (s *MemorySource) disconnect(conn *sourceConnection) {
	i := s.connectionIndex(conn)
	if i < 0 {
		return
	}
	s.connections = append(s.connections[:i], s.connections[i+1:]...)

	primary := s.primarySort.String()
	for key, idx := range s.indexes {
		delete(idx.usedBy, conn)
		if key != primary && len(idx.usedBy) == 0 {
			delete(s.indexes, key)
			s.log.V(4).Info("drop index", "sort", key)
		}
	}
}

func (s *MemorySource) connectionIndex(conn *sourceConnection) int {
	for i, c := range s.connections {
		if c == conn {
			return i
		}
	}
	return -1
}

func (s *MemorySource) getOrCreateIndex(sort Ordering, conn *sourceConnection) *index {
	key := sort.String()
	idx, ok := s.indexes[key]
	if !ok {
		idx = newIndex(sort)
		s.primaryIndex().data.Ascend(func(r Row) bool {
			idx.data.ReplaceOrInsert(r)
			return true
		})
		s.indexes[key] = idx
		s.log.V(4).Info("build index", "sort", key, "rows", idx.data.Len())
	}
	idx.usedBy[conn] = true
	return idx
}

// Push applies a change to the table. Connections are notified one at a time, and a fetch from
// a connection that has already been notified sees the change even though the indexes are only
// updated after the last connection. Adding an existing row, removing or editing a missing row,
// changing the primary key in an edit and pushing a child change all panic.
func (s *MemorySource) Push(change Change) {
	primary := s.primaryIndex()

	switch c := change.(type) {
	case AddChange:
		if primary.data.Has(c.Node.Row) {
			panic(newInvariantError(ErrRowExists, "table %s: %v", s.tableName, s.primaryKey.Values(c.Node.Row)))
		}
		change = AddChange{Node: NewNode(c.Node.Row)}
	case RemoveChange:
		row, ok := primary.data.Get(c.Node.Row)
		if !ok {
			panic(newInvariantError(ErrRowNotFound, "table %s: %v", s.tableName, s.primaryKey.Values(c.Node.Row)))
		}
		change = RemoveChange{Node: NewNode(row)}
	case EditChange:
		if !s.primaryKey.Equal(c.OldNode.Row, c.Node.Row) {
			panic(newInvariantError(ErrPrimaryKeyEdit, "table %s: %v -> %v", s.tableName,
				s.primaryKey.Values(c.OldNode.Row), s.primaryKey.Values(c.Node.Row)))
		}
		old, ok := primary.data.Get(c.OldNode.Row)
		if !ok {
			panic(newInvariantError(ErrRowNotFound, "table %s: %v", s.tableName, s.primaryKey.Values(c.OldNode.Row)))
		}
		change = EditChange{OldNode: NewNode(old), Node: NewNode(c.Node.Row)}
	default:
		panic(newInvariantError(ErrConstraintViolation, "table %s: cannot push %s change to a source",
			s.tableName, change.Type()))
	}

	s.log.V(5).Info("push", "type", change.Type().String(), "row", RowOf(change))

	conns := append([]*sourceConnection{}, s.connections...)
	for i, conn := range conns {
		if conn.output == nil {
			continue
		}
		s.overlay = &overlay{outputIndex: i, change: change}
		conn.output.Push(change)
	}
	s.overlay = nil

	for _, idx := range s.indexes {
		switch c := change.(type) {
		case AddChange:
			idx.data.ReplaceOrInsert(c.Node.Row)
		case RemoveChange:
			idx.data.Delete(c.Node.Row)
		case EditChange:
			idx.data.Delete(c.OldNode.Row)
			idx.data.ReplaceOrInsert(c.Node.Row)
		}
	}
}

func (s *MemorySource) fetch(req FetchRequest, conn *sourceConnection) Stream {
	callerIndex := s.connectionIndex(conn)
	if callerIndex < 0 {
		panic(newInvariantError(ErrConstraintViolation, "table %s: fetch from a closed connection", s.tableName))
	}

	if req.Start != nil && req.Start.Basis == BasisBefore {
		// Move the start to the last matching row preceding it and fetch from there.
		prev, ok := First(s.fetch(FetchRequest{
			Constraint: req.Constraint,
			Start:      &Start{Row: req.Start.Row, Basis: BasisAfter},
			Reverse:    !req.Reverse,
		}, conn))
		next := req
		if ok {
			next.Start = &Start{Row: prev.Row, Basis: BasisAt}
		} else {
			next.Start = nil
		}
		return s.fetch(next, conn)
	}

	// A single-column primary key constraint selects at most one row: the primary index
	// answers it. Otherwise the index leads with the constraint column.
	indexSort := Ordering{}
	if req.Constraint != nil {
		indexSort = append(indexSort, OrderPart{Column: req.Constraint.Column, Direction: Asc})
	}
	if req.Constraint == nil || len(s.primaryKey) > 1 || req.Constraint.Column != s.primaryKey[0] {
		indexSort = append(indexSort, conn.sort...)
	}
	idx := s.getOrCreateIndex(indexSort, conn)

	if req.Start != nil && !req.Constraint.Matches(req.Start.Row) {
		panic(newInvariantError(ErrConstraintViolation, "table %s: start row %v outside constraint %s=%v",
			s.tableName, req.Start.Row, req.Constraint.Column, req.Constraint.Value))
	}
	if req.Constraint != nil && req.Constraint.Value == nil {
		return EmptyStream()
	}

	scan := &indexScan{data: idx.data, compare: idx.compare, reverse: req.Reverse}
	switch {
	case req.Start != nil:
		scan.pivot = req.Start.Row
		scan.inclusive = req.Start.Basis == BasisAt
	case req.Constraint != nil:
		scan.pivot = constraintBound(idx.sort, req.Constraint, req.Reverse)
		scan.inclusive = true
	}

	// The direction-aware comparator of the index, used to splice overlay rows in.
	compare := idx.compare
	if req.Reverse {
		compare = compare.Reverse()
	}
	matches := func(row Row) bool {
		if !req.Constraint.Matches(row) {
			return false
		}
		for _, p := range conn.filters {
			if !p(row) {
				return false
			}
		}
		return true
	}
	afterStart := func(row Row) bool {
		if req.Start == nil {
			return true
		}
		c := compare(row, req.Start.Row)
		return c > 0 || (c == 0 && req.Start.Basis == BasisAt)
	}

	var add, remove Row
	if s.overlay != nil && callerIndex <= s.overlay.outputIndex {
		switch c := s.overlay.change.(type) {
		case AddChange:
			add = c.Node.Row
		case RemoveChange:
			remove = c.Node.Row
		case EditChange:
			add, remove = c.Node.Row, c.OldNode.Row
		}
		if add != nil && !(matches(add) && afterStart(add)) {
			add = nil
		}
		if remove != nil && !(matches(remove) && afterStart(remove)) {
			remove = nil
		}
	}

	return NewStream(func() (Node, bool) {
		for {
			row, ok := scan.next()
			if !ok || (req.Constraint != nil && !req.Constraint.Matches(row)) {
				if add != nil {
					ret := add
					add = nil
					return NewNode(ret), true
				}
				return Node{}, false
			}
			if add != nil && compare(add, row) < 0 {
				ret := add
				add = nil
				scan.unread()
				return NewNode(ret), true
			}
			if remove != nil && compare(remove, row) == 0 {
				remove = nil
				continue
			}
			if !matches(row) {
				continue
			}
			return NewNode(row), true
		}
	}, nil)
}

// constraintBound returns the row where a scan over the rows matching the constraint begins:
// the constraint column is set and every other column of the index is set to the extreme that
// sorts first in scan direction.
func constraintBound(sort Ordering, c *Constraint, reverse bool) Row {
	row := Row{}
	for _, p := range sort {
		if p.Column == c.Column {
			row[p.Column] = c.Value
			continue
		}
		first := minValue
		if (p.Direction == Desc) != reverse {
			first = maxValue
		}
		row[p.Column] = first
	}
	return row
}

// indexScan iterates a btree from a pivot in chunks, so that no btree callback outlives a
// single call.
type indexScan struct {
	data      *btree.BTreeG[Row]
	compare   Comparator
	reverse   bool
	pivot     Row
	inclusive bool

	buf  []Row
	pos  int
	last Row
	done bool
}

func (it *indexScan) next() (Row, bool) {
	if it.pos >= len(it.buf) {
		if it.done {
			return nil, false
		}
		it.fill()
		if len(it.buf) == 0 {
			return nil, false
		}
	}
	it.pos++
	return it.buf[it.pos-1], true
}

// unread pushes back the row returned by the last call to next.
func (it *indexScan) unread() {
	if it.pos > 0 {
		it.pos--
	}
}

func (it *indexScan) fill() {
	pivot, inclusive := it.pivot, it.inclusive
	if it.last != nil {
		pivot, inclusive = it.last, false
	}

	buf := make([]Row, 0, scanChunkSize)
	collect := func(r Row) bool {
		if !inclusive && pivot != nil && it.compare(r, pivot) == 0 {
			return true
		}
		buf = append(buf, r)
		return len(buf) < scanChunkSize
	}

	switch {
	case !it.reverse && pivot == nil:
		it.data.Ascend(collect)
	case !it.reverse:
		it.data.AscendGreaterOrEqual(pivot, collect)
	case pivot == nil:
		it.data.Descend(collect)
	default:
		it.data.DescendLessOrEqual(pivot, collect)
	}

	it.buf, it.pos = buf, 0
	if len(buf) < scanChunkSize {
		it.done = true
	}
	if len(buf) > 0 {
		it.last = buf[len(buf)-1]
	}
}

// sourceConnection is the Input a Source hands out to a pipeline.
type sourceConnection struct {
	source  *MemorySource
	output  Output
	sort    Ordering
	filters []Predicate
	schema  *Schema
}

func (c *sourceConnection) GetSchema() *Schema            { return c.schema }
func (c *sourceConnection) Fetch(req FetchRequest) Stream { return c.source.fetch(req, c) }

// Cleanup is a fetch: a source keeps no per-row state.
func (c *sourceConnection) Cleanup(req FetchRequest) Stream { return c.source.fetch(req, c) }
func (c *sourceConnection) SetOutput(out Output)           { c.output = out }
func (c *sourceConnection) Destroy()                       { c.source.disconnect(c) }
func (c *sourceConnection) AppliedFilters() bool           { return true }

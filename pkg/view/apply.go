package view

import (
	"fmt"
	"sort"

	"github.com/l7mp/ivm/pkg/ivm"
)

func render(list []Record, singular bool) any {
	if singular {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return list
}

func toList(v any) []Record {
	switch v := v.(type) {
	case []Record:
		return v
	case Record:
		return []Record{v}
	}
	return []Record{}
}

func makeRecord(n ivm.Node, schema *ivm.Schema, format Format) Record {
	e := make(Record, len(n.Row)+len(format.Relationships))
	for k, val := range n.Row {
		e[k] = val
	}
	for name, f := range format.Relationships {
		rel, ok := n.Relationships[name]
		childSchema, sok := schema.Relationships[name]
		if !ok || !sok || childSchema.IsHidden {
			continue
		}
		children := []Record{}
		s := rel()
		for c, ok := s.Next(); ok; c, ok = s.Next() {
			children = append(children, makeRecord(c, childSchema, f))
		}
		s.Close()
		e[name] = render(children, f.Singular)
	}
	return e
}

// find returns the position of the entry of a row, or where it would be inserted.
func find(list []Record, row ivm.Row, compare ivm.Comparator) (int, bool) {
	i := sort.Search(len(list), func(i int) bool { return compare(ivm.Row(list[i]), row) >= 0 })
	return i, i < len(list) && compare(ivm.Row(list[i]), row) == 0
}

// insert and remove return new lists: earlier snapshots keep the old one.
func insert(list []Record, e Record, compare ivm.Comparator) []Record {
	i, found := find(list, ivm.Row(e), compare)
	if found {
		panic(&ivm.InvariantError{Err: ivm.ErrRowExists, Detail: fmt.Sprintf("view: duplicate entry %v", e)})
	}
	ret := make([]Record, 0, len(list)+1)
	ret = append(ret, list[:i]...)
	ret = append(ret, e)
	return append(ret, list[i:]...)
}

func remove(list []Record, row ivm.Row, compare ivm.Comparator) ([]Record, Record) {
	i, found := find(list, row, compare)
	if !found {
		panic(&ivm.InvariantError{Err: ivm.ErrRowNotFound, Detail: fmt.Sprintf("view: no entry for %v", row)})
	}
	ret := make([]Record, 0, len(list)-1)
	ret = append(ret, list[:i]...)
	return append(ret, list[i+1:]...), list[i]
}

// drain reads every relationship of a removed node, so that the operators release the state
// they hold for it.
func drain(n ivm.Node) {
	for _, rel := range n.Relationships {
		s := rel()
		for c, ok := s.Next(); ok; c, ok = s.Next() {
			drain(c)
		}
		s.Close()
	}
}

// applyChange patches a sorted entry list and returns the updated list.
func applyChange(list []Record, change ivm.Change, schema *ivm.Schema, format Format) []Record {
	a := &applier{list: list, schema: schema, format: format}
	change.Accept(a)
	return a.list
}

type applier struct {
	list   []Record
	schema *ivm.Schema
	format Format
}

func (a *applier) VisitAdd(c ivm.AddChange) {
	a.list = insert(a.list, makeRecord(c.Node, a.schema, a.format), a.schema.CompareRows)
}

func (a *applier) VisitRemove(c ivm.RemoveChange) {
	a.list, _ = remove(a.list, c.Node.Row, a.schema.CompareRows)
	drain(c.Node)
}

// VisitEdit replaces the row columns of an entry and keeps its relationships.
func (a *applier) VisitEdit(c ivm.EditChange) {
	var old Record
	a.list, old = remove(a.list, c.OldNode.Row, a.schema.CompareRows)
	e := make(Record, len(old))
	for name := range a.format.Relationships {
		if rel, ok := old[name]; ok {
			e[name] = rel
		}
	}
	for k, val := range c.Node.Row {
		e[k] = val
	}
	a.list = insert(a.list, e, a.schema.CompareRows)
}

func (a *applier) VisitChild(c ivm.ChildChange) {
	i, found := find(a.list, c.Row, a.schema.CompareRows)
	if !found {
		panic(&ivm.InvariantError{Err: ivm.ErrRowNotFound, Detail: fmt.Sprintf("view: no parent entry for %v", c.Row)})
	}
	f, ok := a.format.Relationships[c.Relationship]
	childSchema, sok := a.schema.Relationships[c.Relationship]
	if !ok || !sok || childSchema.IsHidden {
		if rc, ok := c.Change.(ivm.RemoveChange); ok {
			drain(rc.Node)
		}
		return
	}

	e := make(Record, len(a.list[i]))
	for k, val := range a.list[i] {
		e[k] = val
	}
	e[c.Relationship] = render(applyChange(toList(e[c.Relationship]), c.Change, childSchema, f), f.Singular)

	list := append([]Record{}, a.list...)
	list[i] = e
	a.list = list
}

package pipeline

import (
	"fmt"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ivm/pkg/ivm"
)

// mutator applies random changes to a source over a fixed set of primary keys.
type mutator struct {
	rnd    *rand.Rand
	src    *ivm.MemorySource
	ids    []any
	rows   map[any]ivm.Row
	newRow func(id any) ivm.Row
}

func newMutator(rnd *rand.Rand, src *ivm.MemorySource, ids []any, newRow func(id any) ivm.Row) *mutator {
	m := &mutator{rnd: rnd, src: src, ids: ids, rows: map[any]ivm.Row{}, newRow: newRow}
	in, err := src.Connect(ivm.Ordering{{Column: "id", Direction: ivm.Asc}})
	Expect(err).NotTo(HaveOccurred())
	for _, r := range ivm.CollectRows(in.Fetch(ivm.FetchRequest{})) {
		m.rows[r["id"]] = r
	}
	in.Destroy()
	return m
}

func (m *mutator) step() string {
	id := m.ids[m.rnd.Intn(len(m.ids))]
	old, ok := m.rows[id]
	switch {
	case !ok:
		row := m.newRow(id)
		m.rows[id] = row
		m.src.Push(ivm.Add(row))
		return fmt.Sprintf("add %v", row)
	case m.rnd.Intn(2) == 0:
		delete(m.rows, id)
		m.src.Push(ivm.Remove(old))
		return fmt.Sprintf("remove %v", old)
	default:
		row := m.newRow(id)
		m.rows[id] = row
		m.src.Push(ivm.Edit(old, row))
		return fmt.Sprintf("edit %v -> %v", old, row)
	}
}

var _ = Describe("Queries under random changes", func() {
	byIssue := Correlation{ParentField: "id", ChildField: "issueID"}
	hi := Simple("priority", ivm.OpEq, "hi")
	mine := Simple("owner", ivm.OpEq, "u1")
	comments := Query{Table: "comment"}

	// check compares the incrementally maintained view of a query to a view built from scratch
	// after every change.
	check := func(q *Query, seed int64, steps int) {
		rnd := rand.New(rand.NewSource(seed))
		d := newDelegate()
		priorities, owners, authors := []string{"hi", "lo"}, []string{"u1", "u2"}, []string{"u1", "u2"}
		issues := newMutator(rnd, d.sources["issue"], []any{int64(1), int64(2), int64(3), int64(4), int64(5), int64(6)},
			func(id any) ivm.Row {
				return issue(id.(int64), priorities[rnd.Intn(2)], owners[rnd.Intn(2)])
			})
		cs := newMutator(rnd, d.sources["comment"], []any{"a", "b", "c", "d", "e", "f", "g", "h"},
			func(id any) ivm.Row {
				return comment(id.(string), int64(rnd.Intn(7)), authors[rnd.Intn(2)])
			})

		_, v := materialize(q, d)
		DeferCleanup(v.Destroy)
		for i := 0; i < steps; i++ {
			var change string
			if i%3 == 0 {
				change = issues.step()
			} else {
				change = cs.step()
			}
			_, fresh := materialize(q, d)
			Expect(v.Data()).To(Equal(fresh.Data()), "step %d: %s", i, change)
			fresh.Destroy()
		}
	}

	DescribeTable("should match a freshly built query",
		func(q Query, seed int64) { check(&q, seed, 120) },
		Entry("OR", Query{Table: "issue", Where: ptr(AnyOf(hi, mine))}, int64(1)),
		Entry("OR over EXISTS", Query{Table: "issue", Where: ptr(AnyOf(hi, ExistsIn(byIssue, comments)))}, int64(2)),
		Entry("OR over NOT EXISTS", Query{Table: "issue",
			Where: ptr(AnyOf(ExistsIn(byIssue, comments), AllOf(mine, NotExistsIn(byIssue, comments))))}, int64(3)),
		Entry("limited related rows", Query{Table: "issue", Related: []CorrelatedSubquery{
			{Correlation: byIssue, Subquery: Query{Table: "comment", Alias: "comments", Limit: limit(2)}},
		}}, int64(4)),
		Entry("a limited query with limited related rows", Query{Table: "issue",
			OrderBy: ivm.Ordering{{Column: "priority", Direction: ivm.Asc}}, Limit: limit(3),
			Related: []CorrelatedSubquery{
				{Correlation: byIssue, Subquery: Query{Table: "comment", Alias: "comments", Limit: limit(1)}},
			}}, int64(5)),
		Entry("a start bound with related rows", Query{Table: "issue",
			Start: &ivm.Bound{Row: ivm.Row{"id": int64(2)}},
			Related: []CorrelatedSubquery{
				{Correlation: byIssue, Subquery: Query{Table: "comment", Alias: "comments"}},
			}}, int64(6)),
		Entry("a start bound with EXISTS", Query{Table: "issue",
			Start: &ivm.Bound{Row: ivm.Row{"id": int64(3)}, Exclusive: true},
			Where: ptr(ExistsIn(byIssue, comments))}, int64(7)),
	)

	It("should forget the existence of a removed row", func() {
		d := newDelegate()
		q := &Query{Table: "issue", Where: ptr(AnyOf(hi, ExistsIn(byIssue, comments)))}
		_, v := materialize(q, d)
		issues, cs := d.sources["issue"], d.sources["comment"]

		issues.Push(ivm.Remove(issue(1, "hi", "u1")))
		cs.Push(ivm.Remove(comment("a", 1, "u2")))
		cs.Push(ivm.Remove(comment("b", 1, "u1")))
		cs.Push(ivm.Remove(comment("c", 1, "u1")))
		issues.Push(ivm.Add(issue(1, "hi", "u1")))
		issues.Push(ivm.Edit(issue(1, "hi", "u1"), issue(1, "lo", "u1")))

		_, fresh := materialize(q, d)
		Expect(ids(fresh.Data())).To(Equal([]any{int64(2), int64(3)}))
		Expect(v.Data()).To(Equal(fresh.Data()))
	})

	It("should keep the existence state behind a branch filter", func() {
		d := newDelegate()
		q := &Query{Table: "issue", Where: ptr(AnyOf(
			ExistsIn(byIssue, comments),
			AllOf(mine, NotExistsIn(byIssue, comments)),
		))}
		_, v := materialize(q, d)
		issues, cs := d.sources["issue"], d.sources["comment"]

		cs.Push(ivm.Add(comment("e", 4, "u1")))
		issues.Push(ivm.Edit(issue(4, "lo", "u1"), issue(4, "lo", "u2")))
		cs.Push(ivm.Remove(comment("e", 4, "u1")))
		cs.Push(ivm.Add(comment("f", 4, "u1")))
		cs.Push(ivm.Add(comment("g", 4, "u1")))
		issues.Push(ivm.Edit(issue(4, "lo", "u2"), issue(4, "lo", "u1")))
		cs.Push(ivm.Remove(comment("f", 4, "u1")))
		cs.Push(ivm.Remove(comment("g", 4, "u1")))

		_, fresh := materialize(q, d)
		Expect(ids(fresh.Data())).To(Equal([]any{int64(1), int64(2), int64(4)}))
		Expect(v.Data()).To(Equal(fresh.Data()))
	})

	It("should push children of rows past a start bound", func() {
		d := newDelegate()
		q := &Query{Table: "issue", Start: &ivm.Bound{Row: ivm.Row{"id": int64(2)}},
			Related: []CorrelatedSubquery{{Correlation: byIssue, Subquery: Query{Table: "comment", Alias: "comments"}}}}
		_, v := materialize(q, d)

		d.sources["comment"].Push(ivm.Add(comment("e", 3, "u1")))
		d.sources["comment"].Push(ivm.Add(comment("f", 1, "u1")))
		_, fresh := materialize(q, d)
		Expect(ids(v.Data())).To(Equal([]any{int64(2), int64(3), int64(4)}))
		Expect(v.Data()).To(Equal(fresh.Data()))
	})
})

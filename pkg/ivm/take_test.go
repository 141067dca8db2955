package ivm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Take", func() {
	var (
		src *MemorySource
		st  Storage
	)

	newTake := func(limit int, partitionKey string) (*Take, *catch) {
		t, err := NewTake(connect(src, asc("rank", "id")), st, limit, partitionKey)
		Expect(err).NotTo(HaveOccurred())
		t.Wire()
		return t, newCatch(t)
	}

	BeforeEach(func() {
		st = newStorage()
		src = newSource("issue", issueColumns, PrimaryKey{"id"},
			issue("a", "hi", "u1", 10), issue("b", "hi", "u1", 20),
			issue("c", "hi", "u1", 30), issue("d", "hi", "u2", 40))
	})

	It("should reject invalid arguments", func() {
		_, err := NewTake(connect(src, asc("id")), st, -1, "")
		Expect(err).To(HaveOccurred())
		_, err = NewTake(connect(src, asc("id")), st, 1, "nope")
		Expect(err).To(HaveOccurred())
	})

	It("should return the first rows and remember the bound", func() {
		_, out := newTake(2, "")
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"a", "b"}))
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"a", "b"}))
		Expect(ids(out.fetch(FetchRequest{Start: &Start{Row: issue("a", "hi", "u1", 10), Basis: BasisAfter}}))).
			To(Equal([]Value{"b"}))
	})

	It("should panic when the first fetch is abandoned", func() {
		_, out := newTake(3, "")
		s := out.input.Fetch(FetchRequest{})
		_, ok := s.Next()
		Expect(ok).To(BeTrue())
		Expect(s.Close).To(PanicWith(MatchError(ErrNeedyStreamAbandoned)))
	})

	It("should not panic when the first fetch is closed at the limit", func() {
		_, out := newTake(1, "")
		s := out.input.Fetch(FetchRequest{})
		_, ok := s.Next()
		Expect(ok).To(BeTrue())
		Expect(s.Close).NotTo(Panic())
	})

	It("should reject a reversed first fetch", func() {
		_, out := newTake(1, "")
		Expect(func() { out.input.Fetch(FetchRequest{Reverse: true}) }).To(PanicWith(MatchError(ErrConstraintViolation)))
	})

	It("should reject a constrained first fetch without a partition key", func() {
		_, out := newTake(1, "")
		Expect(func() { out.input.Fetch(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u1"}}) }).
			To(PanicWith(MatchError(ErrConstraintViolation)))
		Expect(entries(st)).To(BeZero())
	})

	It("should serve a constrained fetch from an existing window", func() {
		_, out := newTake(3, "")
		out.fetch(FetchRequest{})
		Expect(ids(out.fetch(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u1"}}))).
			To(Equal([]Value{"a", "b", "c"}))
		Expect(func() { out.input.Cleanup(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u1"}}) }).
			To(PanicWith(MatchError(ErrConstraintViolation)))
	})

	It("should ignore pushes before the first fetch", func() {
		_, out := newTake(2, "")
		src.Push(Add(issue("x", "hi", "u1", 0)))
		Expect(out.take()).To(BeEmpty())
	})

	It("should fill the window with adds below the limit", func() {
		_, out := newTake(5, "")
		Expect(out.fetch(FetchRequest{})).To(HaveLen(4))
		src.Push(Add(issue("e", "hi", "u1", 50)))
		src.Push(Add(issue("f", "hi", "u1", 60)))
		Expect(out.take()).To(Equal([]caught{{Type: ChangeAdd, Row: issue("e", "hi", "u1", 50)}}))
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"a", "b", "c", "d", "e"}))
	})

	It("should evict the bound when a row is added inside the window", func() {
		_, out := newTake(2, "")
		out.fetch(FetchRequest{})
		src.Push(Add(issue("x", "hi", "u1", 15)))
		Expect(out.take()).To(Equal([]caught{
			{Type: ChangeRemove, Row: issue("b", "hi", "u1", 20)},
			{Type: ChangeAdd, Row: issue("x", "hi", "u1", 15)},
		}))
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"a", "x"}))

		src.Push(Add(issue("y", "hi", "u1", 5)))
		Expect(out.take()).To(Equal([]caught{
			{Type: ChangeRemove, Row: issue("x", "hi", "u1", 15)},
			{Type: ChangeAdd, Row: issue("y", "hi", "u1", 5)},
		}))
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"y", "a"}))

		src.Push(Add(issue("z", "hi", "u1", 25)))
		Expect(out.take()).To(BeEmpty())
	})

	It("should handle a limit of one", func() {
		_, out := newTake(1, "")
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"a"}))
		src.Push(Add(issue("x", "hi", "u1", 1)))
		Expect(out.take()).To(Equal([]caught{
			{Type: ChangeRemove, Row: issue("a", "hi", "u1", 10)},
			{Type: ChangeAdd, Row: issue("x", "hi", "u1", 1)},
		}))
		src.Push(Remove(issue("x", "hi", "u1", 1)))
		Expect(out.take()).To(Equal([]caught{
			{Type: ChangeRemove, Row: issue("x", "hi", "u1", 1)},
			{Type: ChangeAdd, Row: issue("a", "hi", "u1", 10)},
		}))
	})

	It("should keep a limit of zero empty", func() {
		_, out := newTake(0, "")
		Expect(out.fetch(FetchRequest{})).To(BeEmpty())
		src.Push(Add(issue("x", "hi", "u1", 1)))
		src.Push(Remove(issue("a", "hi", "u1", 10)))
		src.Push(Edit(issue("b", "hi", "u1", 20), issue("b", "lo", "u1", 1)))
		Expect(out.take()).To(BeEmpty())
		Expect(out.fetch(FetchRequest{})).To(BeEmpty())
	})

	It("should refill the window on removal", func() {
		_, out := newTake(2, "")
		out.fetch(FetchRequest{})
		src.Push(Remove(issue("a", "hi", "u1", 10)))
		Expect(out.take()).To(Equal([]caught{
			{Type: ChangeRemove, Row: issue("a", "hi", "u1", 10)},
			{Type: ChangeAdd, Row: issue("c", "hi", "u1", 30)},
		}))
		src.Push(Remove(issue("d", "hi", "u2", 40)))
		Expect(out.take()).To(BeEmpty())
		src.Push(Remove(issue("c", "hi", "u1", 30)))
		Expect(out.take()).To(Equal([]caught{{Type: ChangeRemove, Row: issue("c", "hi", "u1", 30)}}))
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"b"}))
		src.Push(Remove(issue("b", "hi", "u1", 20)))
		Expect(ids(out.fetch(FetchRequest{}))).To(BeEmpty())
		src.Push(Add(issue("q", "hi", "u1", 0)))
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"q"}))
	})

	DescribeTable("should handle edits",
		func(oldRow, newRow Row, expected []caught, window []Value) {
			_, out := newTake(3, "")
			out.fetch(FetchRequest{})
			src.Push(Edit(oldRow, newRow))
			Expect(out.take()).To(Equal(expected))
			Expect(ids(out.fetch(FetchRequest{}))).To(Equal(window))
		},
		Entry("inside the window", issue("a", "hi", "u1", 10), issue("a", "lo", "u1", 11),
			[]caught{{Type: ChangeEdit, OldRow: issue("a", "hi", "u1", 10), Row: issue("a", "lo", "u1", 11)}},
			[]Value{"a", "b", "c"}),
		Entry("outside the window", issue("d", "hi", "u2", 40), issue("d", "hi", "u2", 50),
			[]caught(nil), []Value{"a", "b", "c"}),
		Entry("the bound staying the bound", issue("c", "hi", "u1", 30), issue("c", "hi", "u1", 31),
			[]caught{{Type: ChangeEdit, OldRow: issue("c", "hi", "u1", 30), Row: issue("c", "hi", "u1", 31)}},
			[]Value{"a", "b", "c"}),
		Entry("the bound moving inside", issue("c", "hi", "u1", 30), issue("c", "hi", "u1", 5),
			[]caught{{Type: ChangeEdit, OldRow: issue("c", "hi", "u1", 30), Row: issue("c", "hi", "u1", 5)}},
			[]Value{"c", "a", "b"}),
		Entry("the bound moving out", issue("c", "hi", "u1", 30), issue("c", "hi", "u1", 45),
			[]caught{
				{Type: ChangeRemove, Row: issue("c", "hi", "u1", 30)},
				{Type: ChangeAdd, Row: issue("d", "hi", "u2", 40)},
			},
			[]Value{"a", "b", "d"}),
		Entry("the bound moving just past", issue("c", "hi", "u1", 30), issue("c", "hi", "u1", 35),
			[]caught{{Type: ChangeEdit, OldRow: issue("c", "hi", "u1", 30), Row: issue("c", "hi", "u1", 35)}},
			[]Value{"a", "b", "c"}),
		Entry("a row moving in", issue("d", "hi", "u2", 40), issue("d", "hi", "u2", 15),
			[]caught{
				{Type: ChangeRemove, Row: issue("c", "hi", "u1", 30)},
				{Type: ChangeAdd, Row: issue("d", "hi", "u2", 15)},
			},
			[]Value{"a", "d", "b"}),
		Entry("a row moving out", issue("a", "hi", "u1", 10), issue("a", "hi", "u1", 50),
			[]caught{
				{Type: ChangeRemove, Row: issue("a", "hi", "u1", 10)},
				{Type: ChangeAdd, Row: issue("d", "hi", "u2", 40)},
			},
			[]Value{"b", "c", "d"}),
		Entry("a row moving just past the bound", issue("a", "hi", "u1", 10), issue("a", "hi", "u1", 35),
			[]caught{{Type: ChangeEdit, OldRow: issue("a", "hi", "u1", 10), Row: issue("a", "hi", "u1", 35)}},
			[]Value{"b", "c", "a"}),
	)

	It("should forward child changes inside the window", func() {
		t, out := newTake(2, "")
		out.fetch(FetchRequest{})
		t.Push(ChildChange{Row: issue("a", "hi", "u1", 10), Relationship: "r", Change: Add(Row{"id": "x"})})
		t.Push(ChildChange{Row: issue("c", "hi", "u1", 30), Relationship: "r", Change: Add(Row{"id": "y"})})
		Expect(out.types()).To(Equal([]ChangeType{ChangeChild}))
	})

	Describe("partitioned", func() {
		It("should keep a window per partition", func() {
			_, out := newTake(1, "owner")
			u1 := &Constraint{Column: "owner", Value: "u1"}
			u2 := &Constraint{Column: "owner", Value: "u2"}
			Expect(ids(out.fetch(FetchRequest{Constraint: u1}))).To(Equal([]Value{"a"}))
			Expect(ids(out.fetch(FetchRequest{Constraint: u2}))).To(Equal([]Value{"d"}))

			src.Push(Add(issue("x", "hi", "u2", 1)))
			Expect(out.take()).To(Equal([]caught{
				{Type: ChangeRemove, Row: issue("d", "hi", "u2", 40)},
				{Type: ChangeAdd, Row: issue("x", "hi", "u2", 1)},
			}))
			Expect(ids(out.fetch(FetchRequest{Constraint: u1}))).To(Equal([]Value{"a"}))

			// partitions that were never fetched ignore pushes
			src.Push(Add(issue("y", "hi", "u3", 1)))
			Expect(out.take()).To(BeEmpty())

			// an unconstrained fetch returns every window
			Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"x", "a"}))
		})

		It("should move rows between partitions", func() {
			_, out := newTake(2, "owner")
			out.fetch(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u1"}})
			out.fetch(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u2"}})
			src.Push(Edit(issue("a", "hi", "u1", 10), issue("a", "hi", "u2", 10)))
			Expect(out.take()).To(Equal([]caught{
				{Type: ChangeRemove, Row: issue("a", "hi", "u1", 10)},
				{Type: ChangeAdd, Row: issue("c", "hi", "u1", 30)},
				{Type: ChangeAdd, Row: issue("a", "hi", "u2", 10)},
			}))
		})
	})

	Describe("Cleanup", func() {
		It("should release the window once", func() {
			_, out := newTake(2, "")
			out.fetch(FetchRequest{})
			Expect(ids(CollectRows(out.input.Cleanup(FetchRequest{})))).To(Equal([]Value{"a", "b"}))
			Expect(CollectRows(out.input.Cleanup(FetchRequest{}))).To(BeEmpty())
			src.Push(Add(issue("x", "hi", "u1", 0)))
			Expect(out.take()).To(BeEmpty())
		})

		It("should release its storage on destroy", func() {
			t, out := newTake(1, "owner")
			out.fetch(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u1"}})
			out.fetch(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u2"}})
			Expect(entries(st)).NotTo(BeZero())
			t.Destroy()
			Expect(entries(st)).To(BeZero())
		})

		It("should release every partition on an unconstrained cleanup", func() {
			_, out := newTake(1, "owner")
			out.fetch(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u1"}})
			out.fetch(FetchRequest{Constraint: &Constraint{Column: "owner", Value: "u2"}})
			Expect(ids(CollectRows(out.input.Cleanup(FetchRequest{})))).To(Equal([]Value{"a", "d"}))
			Expect(CollectRows(out.input.Cleanup(FetchRequest{}))).To(BeEmpty())
		})
	})
})

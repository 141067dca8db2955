package ivm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Exists", func() {
	var issues, comments *MemorySource

	newExists := func(typ ExistsType) (*ExistsFilter, *catch) {
		j, err := NewJoin(JoinArgs{
			Parent:       connect(issues, asc("id")),
			Child:        connect(comments, asc("id")),
			Storage:      newStorage(),
			ParentKey:    "id",
			ChildKey:     "issueID",
			Relationship: "comments",
			Hidden:       true,
		})
		Expect(err).NotTo(HaveOccurred())
		e, err := NewExists(j, newStorage(), "comments", typ)
		Expect(err).NotTo(HaveOccurred())
		j.Wire()
		e.Wire()
		return e, newCatch(e)
	}

	BeforeEach(func() {
		issues = newSource("issue", issueColumns, PrimaryKey{"id"},
			issue("i1", "hi", "u1", 1), issue("i2", "lo", "u2", 2), issue("i3", "lo", "u2", 3))
		comments = newSource("comment", commentColumns, PrimaryKey{"id"},
			comment("c1", "i1", "x"), comment("c2", "i1", "y"), comment("c3", "i2", "z"))
	})

	It("should reject an unknown relationship", func() {
		_, err := NewExists(connect(issues, asc("id")), newStorage(), "comments", Exists)
		Expect(err).To(HaveOccurred())
	})

	It("should fetch parents with and without children", func() {
		_, out := newExists(Exists)
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"i1", "i2"}))
		_, out = newExists(NotExists)
		Expect(ids(out.fetch(FetchRequest{}))).To(Equal([]Value{"i3"}))
	})

	It("should flip a parent when the relationship becomes empty or non-empty", func() {
		_, exists := newExists(Exists)
		_, notExists := newExists(NotExists)
		exists.fetch(FetchRequest{})
		notExists.fetch(FetchRequest{})

		comments.Push(Remove(comment("c3", "i2", "z")))
		Expect(exists.take()).To(Equal([]caught{{Type: ChangeRemove, Row: issue("i2", "lo", "u2", 2),
			Related: map[string][]Row{"comments": {comment("c3", "i2", "z")}}}}))
		Expect(notExists.take()).To(Equal([]caught{{Type: ChangeAdd, Row: issue("i2", "lo", "u2", 2),
			Related: map[string][]Row{"comments": {}}}}))

		comments.Push(Add(comment("c4", "i3", "w")))
		Expect(exists.take()).To(Equal([]caught{{Type: ChangeAdd, Row: issue("i3", "lo", "u2", 3),
			Related: map[string][]Row{"comments": {comment("c4", "i3", "w")}}}}))
		Expect(notExists.take()).To(Equal([]caught{{Type: ChangeRemove, Row: issue("i3", "lo", "u2", 3),
			Related: map[string][]Row{"comments": {}}}}))
	})

	It("should forward child changes that do not cross zero", func() {
		_, exists := newExists(Exists)
		_, notExists := newExists(NotExists)
		exists.fetch(FetchRequest{})
		notExists.fetch(FetchRequest{})

		comments.Push(Remove(comment("c1", "i1", "x")))
		comments.Push(Add(comment("c5", "i1", "v")))
		comments.Push(Edit(comment("c5", "i1", "v"), comment("c5", "i1", "vv")))
		Expect(exists.types()).To(Equal([]ChangeType{ChangeChild, ChangeChild, ChangeChild}))
		Expect(notExists.take()).To(BeEmpty())
	})

	It("should count the relationship of parents it has not seen", func() {
		_, exists := newExists(Exists)
		comments.Push(Add(comment("c4", "i3", "w")))
		Expect(exists.types()).To(Equal([]ChangeType{ChangeAdd}))
		comments.Push(Add(comment("c5", "i3", "w")))
		Expect(exists.types()).To(Equal([]ChangeType{ChangeAdd, ChangeChild}))
	})

	It("should filter parent pushes", func() {
		_, exists := newExists(Exists)
		exists.fetch(FetchRequest{})
		issues.Push(Add(issue("i4", "hi", "u1", 4)))
		issues.Push(Edit(issue("i1", "hi", "u1", 1), issue("i1", "lo", "u1", 1)))
		issues.Push(Edit(issue("i3", "lo", "u2", 3), issue("i3", "hi", "u2", 3)))
		issues.Push(Remove(issue("i2", "lo", "u2", 2)))
		issues.Push(Remove(issue("i4", "hi", "u1", 4)))
		Expect(exists.types()).To(Equal([]ChangeType{ChangeEdit, ChangeRemove}))
	})

	It("should release the cached sizes on cleanup", func() {
		e, exists := newExists(Exists)
		exists.fetch(FetchRequest{})
		_, ok := e.getSize(issue("i1", "hi", "u1", 1))
		Expect(ok).To(BeTrue())
		Expect(ids(CollectRows(e.Cleanup(FetchRequest{})))).To(Equal([]Value{"i1", "i2"}))
		_, ok = e.getSize(issue("i1", "hi", "u1", 1))
		Expect(ok).To(BeFalse())
	})

	It("should release the cached sizes on destroy", func() {
		e, exists := newExists(NotExists)
		exists.fetch(FetchRequest{})
		Expect(entries(e.storage)).To(Equal(3))
		e.Destroy()
		Expect(entries(e.storage)).To(BeZero())
	})
})

package visualize

import (
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ivm/pkg/ivm"
	"github.com/l7mp/ivm/pkg/pipeline"
	"github.com/l7mp/ivm/pkg/storage"
)

type delegate map[string]*ivm.MemorySource

func (d delegate) GetSource(table string) (ivm.Source, bool) {
	s, ok := d[table]
	return s, ok
}

func (d delegate) CreateStorage(string) ivm.Storage { return storage.NewMemory() }

var _ = Describe("Visualize", func() {
	var p *pipeline.Pipeline

	BeforeEach(func() {
		src, err := ivm.NewMemorySource("issue",
			map[string]ivm.ColumnType{"id": ivm.TypeNumber, "priority": ivm.TypeString, "owner": ivm.TypeString},
			ivm.PrimaryKey{"id"}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		or := pipeline.AnyOf(pipeline.Simple("priority", ivm.OpEq, "hi"), pipeline.Simple("owner", ivm.OpEq, "u1"))
		p, err = pipeline.Build(&pipeline.Query{Table: "issue", Where: &or}, delegate{"issue": src}, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(p.Destroy)
	})

	It("should build the graph of a pipeline", func() {
		g := BuildGraph("hi-or-mine", p)
		Expect(g.Name).To(Equal("hi-or-mine"))

		kinds := []string{}
		for _, op := range g.Operators {
			kinds = append(kinds, op.Kind)
		}
		Expect(kinds).To(Equal([]string{"source", "fan-out", "filter", "filter", "fan-in"}))

		Expect(g.Edges).To(ConsistOf(
			Edge{From: "source-0", To: "fan-out-1"},
			Edge{From: "fan-out-1", To: "filter-2"},
			Edge{From: "fan-out-1", To: "filter-3"},
			Edge{From: "filter-2", To: "fan-in-4"},
			Edge{From: "filter-3", To: "fan-in-4"},
			Edge{From: "fan-in-4", To: ViewNode},
		))
	})

	It("should format operators", func() {
		Expect(FormatOperator(OperatorNode{Kind: "fan-in"})).To(Equal("fan-in"))
		Expect(FormatOperator(OperatorNode{Kind: "take", Label: "3"})).To(Equal("take: 3"))
	})

	It("should render DOT", func() {
		gen, err := NewGenerator("dot")
		Expect(err).NotTo(HaveOccurred())
		out := gen.Generate(BuildGraph("hi-or-mine", p))
		Expect(out).To(HavePrefix("digraph"))
		Expect(out).To(ContainSubstring("hi-or-mine"))
		Expect(out).To(ContainSubstring("filter: priority = hi"))
		Expect(out).To(ContainSubstring("->"))
	})

	It("should render Mermaid", func() {
		gen, err := NewGenerator("mermaid")
		Expect(err).NotTo(HaveOccurred())
		out := gen.Generate(BuildGraph("hi-or-mine", p))
		Expect(out).To(HavePrefix("```mermaid\n"))
		Expect(out).To(ContainSubstring("flowchart LR"))
		Expect(out).To(ContainSubstring(`{"fan-out"}`))
		Expect(out).To(ContainSubstring(`("view")`))
		Expect(out).To(ContainSubstring("fill:lightgreen"))
		Expect(out).To(ContainSubstring("-->"))
		Expect(out).NotTo(ContainSubstring("filled,rounded"))
		Expect(out).To(HaveSuffix("```\n"))
	})

	It("should reject an unknown format", func() {
		_, err := NewGenerator("svg")
		Expect(err).To(HaveOccurred())
	})
})

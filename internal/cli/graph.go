package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/l7mp/ivm/pkg/host"
	"github.com/l7mp/ivm/pkg/visualize"
)

// GraphOptions holds the flags of the graph command.
type GraphOptions struct {
	*RootOptions
	Format string
	Query  string
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GraphOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "graph <scenario.yaml>",
		Short: "Print the operator pipelines of the queries of a scenario",
		Long: `Build the operator pipelines of the queries of a scenario and print them as Graphviz
DOT or Mermaid diagrams.

Example:
  ivmctl graph issues.yaml | dot -Tsvg > issues.svg
  ivmctl graph --format mermaid --query open-issues issues.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := visualize.NewGenerator(opts.Format)
			if err != nil {
				return err
			}
			s, err := LoadScenario(args[0])
			if err != nil {
				return err
			}

			h := host.New(host.Options{Logger: opts.Logger})
			defer h.Close()
			for _, t := range s.Tables {
				if err := h.AddTable(t.TableSpec); err != nil {
					return err
				}
			}

			queries := s.Queries
			if opts.Query != "" {
				nq, ok := s.Query(opts.Query)
				if !ok {
					return fmt.Errorf("unknown query %q", opts.Query)
				}
				queries = []NamedQuery{*nq}
			}

			for i := range queries {
				q, err := h.Register(&queries[i].Query, 0)
				if err != nil {
					return fmt.Errorf("query %q: %w", queries[i].Name, err)
				}
				g := visualize.BuildGraph(queries[i].Name, q.Pipeline())
				fmt.Fprint(cmd.OutOrStdout(), gen.Generate(g))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Format, "format", "dot", "output format (dot|mermaid)")
	cmd.Flags().StringVar(&opts.Query, "query", "", "only print the query with the given name")

	return cmd
}

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/l7mp/ivm/pkg/host"
	"github.com/l7mp/ivm/pkg/replica"
	"github.com/l7mp/ivm/pkg/storage/sqlite"
	"github.com/l7mp/ivm/pkg/view"
)

// RunOptions holds the flags of the run command.
type RunOptions struct {
	*RootOptions
	Replica string
	DB      string
	Follow  time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Register the queries of a scenario and apply its transactions",
		Long: `Load the tables of a scenario, or of a SQLite replica, register the queries and
apply the transactions one by one, printing the results of the queries after each step.

Example:
  ivmctl run issues.yaml
  ivmctl run --replica replica.db --follow 1s queries.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := LoadScenario(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, opts, s, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Replica, "replica", "", "load the tables from a SQLite replica")
	cmd.Flags().StringVar(&opts.DB, "db", "", "keep the operator state in a SQLite database")
	cmd.Flags().DurationVar(&opts.Follow, "follow", 0,
		"poll the change log of the replica at the given interval until interrupted")

	return cmd
}

// snapshot is the printed form of a query result.
type snapshot struct {
	Version    int64           `json:"version,omitempty"`
	Query      string          `json:"query"`
	ResultType view.ResultType `json:"resultType"`
	Data       any             `json:"data"`
}

func printSnapshot(w io.Writer, s snapshot) error {
	out, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "---\n%s", out)
	return err
}

func run(ctx context.Context, opts *RunOptions, s *Scenario, w io.Writer) error {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.Follow > 0 && opts.Replica == "" {
		return fmt.Errorf("--follow requires --replica")
	}

	hostOpts := host.Options{Registerer: prometheus.NewRegistry(), Logger: log}

	var r *replica.Replica
	if opts.Replica != "" {
		var err error
		if r, err = replica.Open(opts.Replica, log); err != nil {
			return err
		}
		defer r.Close()
		if hostOpts.Watermark, err = r.Version(ctx); err != nil {
			return err
		}
	}

	if opts.DB != "" {
		store, err := sqlite.Open(opts.DB, log)
		if err != nil {
			return err
		}
		defer store.Close()
		hostOpts.Store = store
	}

	h := host.New(hostOpts)
	defer h.Close()

	if r != nil {
		if err := r.Load(ctx, h); err != nil {
			return err
		}
	}
	for _, t := range s.Tables {
		if err := h.AddTable(t.TableSpec, t.Rows...); err != nil {
			return err
		}
	}

	ids := make([]string, len(s.Queries))
	for i, nq := range s.Queries {
		q, err := h.Register(&s.Queries[i].Query, nq.MinVersion)
		if err != nil {
			return fmt.Errorf("query %q: %w", nq.Name, err)
		}
		ids[i] = q.ID
	}

	printAll := func() error {
		for i, id := range ids {
			data, rt, err := h.Snapshot(id)
			if err != nil {
				return err
			}
			if err := printSnapshot(w, snapshot{Version: h.Watermark(), Query: s.Queries[i].Name,
				ResultType: rt, Data: data}); err != nil {
				return err
			}
		}
		return nil
	}

	if err := printAll(); err != nil {
		return err
	}
	for _, tx := range s.Transactions {
		if err := h.Apply(ctx, tx); err != nil {
			return err
		}
		if err := printAll(); err != nil {
			return err
		}
	}

	if opts.Follow == 0 {
		return nil
	}

	// Listeners run under the host lock, so they must not call back into the host.
	for i, id := range ids {
		name := s.Queries[i].Name
		first := true
		unsubscribe, err := h.AddListener(id, func(data any, rt view.ResultType) {
			if first {
				first = false
				return
			}
			if err := printSnapshot(w, snapshot{Query: name, ResultType: rt, Data: data}); err != nil {
				log.Error(err, "failed to print snapshot", "query", name)
			}
		})
		if err != nil {
			return err
		}
		defer unsubscribe()
	}

	log.Info("following replica", "path", opts.Replica, "interval", opts.Follow.String())
	return r.Follow(ctx, h, opts.Follow)
}

// Package cli implements the ivmctl command line.
package cli

import (
	"flag"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/l7mp/ivm/internal/buildinfo"
)

// RootOptions holds the global flags of all commands.
type RootOptions struct {
	BuildInfo buildinfo.BuildInfo
	Logger    logr.Logger

	zapOpts *zap.Options
}

// NewRootCommand creates the root command of ivmctl.
func NewRootCommand(info buildinfo.BuildInfo) *cobra.Command {
	opts := &RootOptions{
		BuildInfo: info,
		zapOpts: &zap.Options{
			Development:     true,
			StacktraceLevel: zapcore.Level(3),
			TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
		},
	}

	cmd := &cobra.Command{
		Use:   "ivmctl",
		Short: "Incremental view maintenance engine",
		Long: `ivmctl maintains the results of queries over replicated tables incrementally: every
transaction is pushed through the operator pipelines of the queries and only the changed part of
the results is recomputed.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.zapOpts.DestWriter = cmd.ErrOrStderr()
			opts.Logger = zap.New(zap.UseFlagOptions(opts.zapOpts)).WithName("ivmctl")
		},
	}

	fs := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.zapOpts.BindFlags(fs)
	cmd.PersistentFlags().AddGoFlagSet(fs)

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewGraphCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

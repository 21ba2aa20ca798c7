package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aifoundry-org/cardice/pkg/cluster"
	"github.com/aifoundry-org/cardice/pkg/provider"
)

type lifecycleFlags struct {
	maxConcurrency int64
	refreshPeriod  time.Duration
}

func (f *lifecycleFlags) register(fs *pflag.FlagSet) {
	fs.Int64Var(&f.maxConcurrency, "max-concurrency", cluster.DefaultMaxConcurrency, "Maximum number of provider operations in flight")
	fs.DurationVar(&f.refreshPeriod, "refresh-period", cluster.DefaultRefreshPeriod, "How often to report progress")
}

func (f *lifecycleFlags) request() cluster.LifecycleRequest {
	return cluster.LifecycleRequest{MaxConcurrency: f.maxConcurrency, RefreshPeriod: f.refreshPeriod}
}

// startCmd builds both start and grow, which only differ in node numbering.
func startCmd(a *app, kind commandKind) *cobra.Command {
	var (
		flags   lifecycleFlags
		count   int
		prefix  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   kind.String() + " <profile>",
		Short: "Start nodes from a profile and add them to the cluster roster",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(kind, func(ctx context.Context, env *environment, args []string) error {
			req := cluster.StartRequest{
				Profile:        args[0],
				Count:          count,
				NamePrefix:     prefix,
				RefreshPeriod:  flags.refreshPeriod,
				MaxConcurrency: flags.maxConcurrency,
				Timeout:        timeout,
			}
			launch := env.prov.Start
			if kind == commandGrow {
				launch = env.prov.Grow
			}
			nodes, err := launch(ctx, req)
			if err != nil {
				return err
			}
			printNodes(env.out, nodes)
			return nil
		}),
	}
	if kind == commandGrow {
		cmd.Short = "Add nodes to the cluster, numbered after the existing ones"
	}
	flags.register(cmd.Flags())
	cmd.Flags().IntVarP(&count, "n-nodes", "n", cluster.DefaultCount, "Number of nodes to start")
	cmd.Flags().StringVar(&prefix, "name-prefix", cluster.DefaultNamePrefix, "Prefix of the node names")
	cmd.Flags().DurationVar(&timeout, "timeout", cluster.DefaultTimeout, "How long to wait for each node to run")
	return cmd
}

func shrinkCmd(a *app) *cobra.Command {
	var (
		flags  lifecycleFlags
		count  int
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "shrink",
		Short: "Terminate the most recently added nodes",
		Args:  cobra.NoArgs,
		RunE: a.runE(commandShrink, func(ctx context.Context, env *environment, _ []string) error {
			return env.prov.Shrink(ctx, cluster.ShrinkRequest{
				LifecycleRequest: flags.request(),
				Count:            count,
				NamePrefix:       prefix,
			})
		}),
	}
	flags.register(cmd.Flags())
	cmd.Flags().IntVarP(&count, "n-nodes", "n", 1, "Number of nodes to terminate")
	cmd.Flags().StringVar(&prefix, "name-prefix", cluster.DefaultNamePrefix, "Only consider nodes with this name prefix")
	return cmd
}

// lifecycleCmd builds stop and terminate.
func lifecycleCmd(a *app, kind commandKind) *cobra.Command {
	var flags lifecycleFlags
	cmd := &cobra.Command{
		Use:  kind.String(),
		Args: cobra.NoArgs,
		RunE: a.runE(kind, func(ctx context.Context, env *environment, _ []string) error {
			if kind == commandStop {
				return env.prov.Stop(ctx, flags.request())
			}
			return env.prov.Terminate(ctx, flags.request())
		}),
	}
	switch kind {
	case commandStop:
		cmd.Short = "Stop every node of the cluster"
	case commandTerminate:
		cmd.Short = "Terminate every node of the cluster and empty its roster"
	}
	flags.register(cmd.Flags())
	return cmd
}

func printNodes(out io.Writer, nodes []provider.Node) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tID")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\n", n.Name, n.PublicAddress, n.ID)
	}
	w.Flush()
}

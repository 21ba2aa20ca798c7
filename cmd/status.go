package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aifoundry-org/cardice/pkg/cluster"
	"github.com/aifoundry-org/cardice/pkg/provider"
)

func statusCmd(a *app) *cobra.Command {
	var ping bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the nodes of the cluster as their providers see them",
		Args:  cobra.NoArgs,
		RunE: a.runE(commandStatus, func(ctx context.Context, env *environment, _ []string) error {
			statuses, err := env.prov.Status(ctx, cluster.StatusRequest{Ping: ping})
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Fprintln(env.out, "the cluster has no nodes")
				return nil
			}
			printStatus(env.out, statuses, ping)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&ping, "ping", false, "Check that running nodes accept SSH connections")
	return cmd
}

func stateColor(state provider.State) *color.Color {
	switch state {
	case provider.StateRunning:
		return color.New(color.FgGreen)
	case provider.StateFailed, provider.StateTerminated:
		return color.New(color.FgRed)
	case provider.StateUnknown:
		return color.New(color.FgMagenta)
	}
	return color.New(color.FgYellow)
}

// printStatus keeps the colored state last so escape codes do not upset the
// column alignment.
func printStatus(out io.Writer, statuses []cluster.NodeStatus, ping bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := "NAME\tPROFILE\tADDRESS\tID"
	if ping {
		header += "\tSSH"
	}
	fmt.Fprintln(w, header+"\tSTATE")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s", s.Name, s.Profile, s.Address, s.ID)
		if ping {
			reach := "-"
			if s.Pinged {
				reach = "no"
				if s.Reachable {
					reach = "yes"
				}
			}
			fmt.Fprintf(w, "\t%s", reach)
		}
		fmt.Fprintf(w, "\t%s\n", stateColor(s.State).Sprint(s.State))
	}
	w.Flush()
}

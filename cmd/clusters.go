package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func initCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init <name>",
		Short: "Create a cluster configuration and select it as the default cluster",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(commandInit, func(_ context.Context, env *environment, args []string) error {
			c, err := env.ws.InitCluster(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(env.out, "initialized cluster %s in %s\n", c.Name, c.Folder)
			return nil
		}),
	}
}

func selectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "select <name>",
		Short: "Select the default cluster",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(commandSelect, func(_ context.Context, env *environment, args []string) error {
			if err := env.ws.SetDefaultCluster(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(env.out, "selected cluster %s\n", args[0])
			return nil
		}),
	}
}

func listCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured clusters, marking the default one",
		Args:  cobra.NoArgs,
		RunE: a.runE(commandList, func(_ context.Context, env *environment, _ []string) error {
			clusters, err := env.ws.Clusters()
			if err != nil {
				return err
			}
			if len(clusters) == 0 {
				fmt.Fprintf(env.out, "no clusters in %s, create one with: cardice init <name>\n", env.ws.Root())
				return nil
			}
			active := color.New(color.FgGreen, color.Bold)
			for _, c := range clusters {
				if c.IsDefault {
					active.Fprintf(env.out, "* %s\n", c.Name)
					continue
				}
				fmt.Fprintf(env.out, "  %s\n", c.Name)
			}
			return nil
		}),
	}
}

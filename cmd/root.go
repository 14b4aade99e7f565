// Package cmd implements the agentfleet command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "0.1.0-dev"

// NewRootCommand builds the agentfleet command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentfleet",
		Short:         "Track and control a fleet of agents across VMs, containers, batch jobs and local processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newWatchCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "agentfleet "+Version)
		},
	}
}

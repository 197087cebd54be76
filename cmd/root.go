// Package cmd implements the layershard command-line front end: a thin
// cobra wrapper around internal/config, internal/engine, internal/router
// and server that starts a worker or coordinator process, or queries a
// running coordinator's worker table.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root "layershard" command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "layershard",
		Short:         "distributed pipeline-parallel inference service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(NewServeCmd())
	root.AddCommand(NewStatusCmd())
	return root
}

package cmd

import (
	"github.com/spf13/cobra"
)

// NewServeCmd groups the two process roles under "serve".
func NewServeCmd() *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "run a worker or coordinator process",
	}
	serve.AddCommand(newServeWorkerCmd())
	serve.AddCommand(newServeCoordinatorCmd())
	return serve
}

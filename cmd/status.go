package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/containerd/console"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/layershard/layershard/api"
)

func NewStatusCmd() *cobra.Command {
	var coordinatorHost string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print the coordinator's worker table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), coordinatorHost)
		},
	}
	cmd.Flags().StringVar(&coordinatorHost, "coordinator", "", "coordinator base URL (defaults to LAYERSHARD_HOST)")
	return cmd
}

func runStatus(ctx context.Context, coordinatorHost string) error {
	if coordinatorHost != "" {
		os.Setenv("LAYERSHARD_HOST", coordinatorHost)
	}
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Status(ctx)
	if err != nil {
		return err
	}

	renderStatusTable(os.Stdout, resp.Workers)
	return nil
}

// renderStatusTable draws the worker table. It reads the real terminal
// width when stdout is a tty (falling back to 100 columns otherwise) and
// turns on tablewriter's cell auto-wrapping only when that width is
// over 80 columns; no column is narrowed.
func renderStatusTable(w *os.File, workers []api.WorkerStatus) {
	width := 100
	if c, err := console.ConsoleFromFile(w); err == nil {
		if sz, err := c.Size(); err == nil && sz.Width > 0 {
			width = int(sz.Width)
		}
	} else if term.IsTerminal(int(w.Fd())) {
		if cols, _, err := term.GetSize(int(w.Fd())); err == nil && cols > 0 {
			width = cols
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ENDPOINT", "WORKER ID", "LAYERS", "QUEUE", "HEALTHY", "FAILURES"})
	table.SetAutoWrapText(width > 80)

	for _, ws := range workers {
		table.Append([]string{
			ws.Endpoint,
			ws.WorkerID,
			fmt.Sprintf("%d-%d", ws.StartLayer, ws.EndLayer),
			strconv.Itoa(ws.QueueDepth),
			strconv.FormatBool(ws.Healthy),
			strconv.Itoa(ws.FailureCount),
		})
	}
	table.Render()
}

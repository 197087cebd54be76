package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/layershard/layershard/internal/apperr"
	"github.com/layershard/layershard/internal/config"
	"github.com/layershard/layershard/internal/router"
	"github.com/layershard/layershard/server"
)

func newServeCoordinatorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "serve the stateless client-facing coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCoordinator(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a coordinator configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runServeCoordinator(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Mode != config.ModeCoordinator {
		return apperr.New(apperr.Config, "cmd.runServeCoordinator", "config mode must be \"coordinator\"")
	}
	co := cfg.Coordinator

	r := router.New(co.FailureThreshold)
	for _, endpoint := range co.WorkerEndpoints {
		r.RegisterWorker(router.WorkerInfo{Endpoint: endpoint})
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := time.Duration(co.HealthCheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go router.RunHealthLoop(runCtx, r, httpProber{}, interval, interval/2)

	handler := server.NewCoordinatorServer(r, whitespaceTokenizer{}, greedySampler{})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	slog.Info("coordinator listening", "addr", addr, "workers", len(co.WorkerEndpoints))
	return handler.Run(addr)
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/layershard/layershard/api"
	"github.com/layershard/layershard/internal/apperr"
	"github.com/layershard/layershard/internal/config"
	"github.com/layershard/layershard/internal/engine"
	"github.com/layershard/layershard/internal/kvcache"
	"github.com/layershard/layershard/internal/partition"
	"github.com/layershard/layershard/internal/scheduler"
	"github.com/layershard/layershard/internal/tensorstore"
	"github.com/layershard/layershard/server"
)

func newServeWorkerCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "serve one worker's owned layer range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeWorker(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a worker configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}

func runServeWorker(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Mode != config.ModeWorker {
		return apperr.New(apperr.Config, "cmd.runServeWorker", "config mode must be \"worker\"")
	}
	w := cfg.Worker

	store, err := tensorstore.Open(w.WeightsPath)
	if err != nil {
		return err
	}
	defer store.Close()

	numKVHeads := w.LayerGroup.NumKVHeads
	if numKVHeads == 0 {
		numKVHeads = w.LayerGroup.NumHeads
	}
	lg := partition.LayerGroupConfig{
		StartLayer:      w.LayerGroup.StartLayer,
		EndLayer:        w.LayerGroup.EndLayer,
		TotalLayers:     w.LayerGroup.TotalLayers,
		NumHeads:        w.LayerGroup.NumHeads,
		NumKVHeads:      numKVHeads,
		HeadDim:         w.LayerGroup.HeadDim,
		HiddenDim:       w.LayerGroup.HiddenDim,
		IntermediateDim: w.LayerGroup.IntermediateDim,
	}
	part, err := partition.New(store, lg)
	if err != nil {
		return err
	}

	cache := kvcache.New(kvcache.Config{
		NumLayers: lg.EndLayer - lg.StartLayer,
		NumHeads:  numKVHeads,
		HeadDim:   lg.HeadDim,
		MaxLen:    4096,
	})

	eng, err := engine.New(part, cache, engine.Config{LayerGroup: lg, Eps: 1e-5})
	if err != nil {
		return err
	}

	var embed *engine.EmbeddingTable
	if lg.StartLayer == 0 {
		embed, err = engine.LoadEmbeddingTable(store, "model.embed_tokens.weight", lg.HiddenDim)
		if err != nil {
			return err
		}
	}

	sched := scheduler.New(scheduler.Config{
		MaxBatchSize:   w.Batching.MaxBatchSize,
		MaxQueueSize:   w.Batching.MaxQueueSize,
		BatchingWindow: time.Duration(w.Batching.BatchingWindowMs) * time.Millisecond,
	})

	var next *api.Client
	if w.NextWorkerEndpoint != "" {
		base, err := url.Parse(w.NextWorkerEndpoint)
		if err != nil {
			return apperr.Wrap(apperr.Config, "cmd.runServeWorker", err)
		}
		next = api.NewClient(base, http.DefaultClient)
	}

	handler, ws := server.NewWorkerServer(sched, eng, embed, next)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := ws.Run(runCtx); err != nil && err != context.Canceled {
			slog.Error("worker consumer loop exited", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	slog.Info("worker listening", "addr", addr, "worker_id", w.WorkerID, "layers", []int{lg.StartLayer, lg.EndLayer})
	return handler.Run(addr)
}

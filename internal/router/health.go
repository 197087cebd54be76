package router

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunHealthLoop fires a probe round against every registered worker
// every interval, using prober with the given per-probe timeout, until
// ctx is canceled. Each round probes all endpoints concurrently so one
// slow worker never delays the others' health state.
func RunHealthLoop(ctx context.Context, r *Router, prober Prober, interval, probeTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeRound(ctx, r, prober, probeTimeout)
		}
	}
}

func probeRound(ctx context.Context, r *Router, prober Prober, probeTimeout time.Duration) {
	endpoints := r.Snapshot()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range endpoints {
		endpoint := w.Endpoint
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, probeTimeout)
			defer cancel()

			if err := prober.Probe(probeCtx, endpoint); err != nil {
				if markErr := r.MarkFailed(endpoint); markErr != nil {
					slog.Warn("health probe: mark failed errored", "endpoint", endpoint, "error", markErr)
				}
				return nil
			}
			if markErr := r.MarkHealthy(endpoint); markErr != nil {
				slog.Warn("health probe: mark healthy errored", "endpoint", endpoint, "error", markErr)
			}
			return nil
		})
	}
	_ = g.Wait()
}

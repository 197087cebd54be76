package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/layershard/layershard/internal/apperr"
)

func TestSelectLeastLoaded(t *testing.T) {
	r := New(3)
	r.RegisterWorker(WorkerInfo{Endpoint: "a"})
	r.RegisterWorker(WorkerInfo{Endpoint: "b"})
	require.NoError(t, r.UpdateQueueDepth("a", 2))
	require.NoError(t, r.UpdateQueueDepth("b", 5))

	e, err := r.SelectWorker()
	require.NoError(t, err)
	require.Equal(t, "a", e)

	require.NoError(t, r.MarkFailed("a"))
	require.NoError(t, r.MarkFailed("a"))
	require.NoError(t, r.MarkFailed("a"))
	e, err = r.SelectWorker()
	require.NoError(t, err)
	require.Equal(t, "b", e)

	require.NoError(t, r.MarkFailed("b"))
	require.NoError(t, r.MarkFailed("b"))
	require.NoError(t, r.MarkFailed("b"))
	_, err = r.SelectWorker()
	require.Error(t, err)
	require.Equal(t, apperr.WorkerUnavailable, apperr.KindOf(err))
}

func TestHealthDemotionThenRecovery(t *testing.T) {
	r := New(3)
	r.RegisterWorker(WorkerInfo{Endpoint: "a"})

	require.NoError(t, r.MarkFailed("a"))
	require.NoError(t, r.MarkFailed("a"))
	require.Equal(t, 1, r.HealthyWorkerCount())

	require.NoError(t, r.MarkFailed("a"))
	require.Equal(t, 0, r.HealthyWorkerCount())

	require.NoError(t, r.MarkHealthy("a"))
	require.Equal(t, 1, r.HealthyWorkerCount())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 0, snap[0].FailureCount)
}

func TestUnregisterUnknownSuggestsClosest(t *testing.T) {
	r := New(3)
	r.RegisterWorker(WorkerInfo{Endpoint: "http://worker-1:9000"})

	err := r.UnregisterWorker("http://worker-l:9000")
	require.Error(t, err)
	require.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
	require.Contains(t, err.Error(), "did you mean")
}

func TestTieBreakIsDeterministic(t *testing.T) {
	r := New(3)
	r.RegisterWorker(WorkerInfo{Endpoint: "z"})
	r.RegisterWorker(WorkerInfo{Endpoint: "a"})

	e, err := r.SelectWorker()
	require.NoError(t, err)
	require.Equal(t, "a", e)
}

type fakeProber struct {
	fail map[string]bool
}

func (f *fakeProber) Probe(ctx context.Context, endpoint string) error {
	if f.fail[endpoint] {
		return context.DeadlineExceeded
	}
	return nil
}

func TestRunHealthLoopOneRound(t *testing.T) {
	r := New(1)
	r.RegisterWorker(WorkerInfo{Endpoint: "a"})
	r.RegisterWorker(WorkerInfo{Endpoint: "b"})

	prober := &fakeProber{fail: map[string]bool{"b": true}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	RunHealthLoop(ctx, r, prober, 5*time.Millisecond, 5*time.Millisecond)

	require.Equal(t, 1, r.HealthyWorkerCount())
}

// Package router tracks the coordinator's worker set, health, and load,
// selecting the least-loaded healthy worker for each incoming request
// and quarantining workers after consecutive health-probe failures.
package router

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/layershard/layershard/internal/apperr"
)

// WorkerInfo is supplied at registration time.
type WorkerInfo struct {
	Endpoint    string
	WorkerID    string
	StartLayer  int
	EndLayer    int
}

// WorkerRecord is the router's view of one worker.
type WorkerRecord struct {
	WorkerInfo
	QueueDepth      int
	Healthy         bool
	LastProbeTime   time.Time
	FailureCount    int
}

func (w WorkerRecord) loadScore() float64 {
	if !w.Healthy {
		return math.Inf(1)
	}
	return float64(w.QueueDepth)
}

// Prober issues a bounded-timeout health probe against an endpoint.
// Workers are the real implementation (an HTTP call to the worker's
// health handler); tests supply a fake.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// Router owns the worker table. Reads (selection, health queries) are
// expected to vastly outnumber writes (registration), so the table is
// protected by a RWMutex rather than a plain Mutex.
type Router struct {
	failureThreshold int

	mu      sync.RWMutex
	workers map[string]*WorkerRecord
}

// New constructs an empty Router. failureThreshold is the number of
// consecutive probe failures that demotes a worker to unhealthy.
func New(failureThreshold int) *Router {
	return &Router{failureThreshold: failureThreshold, workers: make(map[string]*WorkerRecord)}
}

// RegisterWorker adds or replaces a worker record. New workers start
// healthy with zero queue depth.
func (r *Router) RegisterWorker(info WorkerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[info.Endpoint] = &WorkerRecord{WorkerInfo: info, Healthy: true}
}

// UnregisterWorker removes a worker record. Unregistering an unknown
// endpoint is reported as InvalidInput; when a registered endpoint is
// within a short edit distance of the argument, the error names it as a
// hint.
func (r *Router) UnregisterWorker(endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[endpoint]; !ok {
		if hint := r.closestEndpointLocked(endpoint); hint != "" {
			return apperr.New(apperr.InvalidInput, "router.UnregisterWorker", "unknown endpoint "+endpoint+", did you mean "+hint+"?")
		}
		return apperr.New(apperr.InvalidInput, "router.UnregisterWorker", "unknown endpoint "+endpoint)
	}
	delete(r.workers, endpoint)
	return nil
}

func (r *Router) closestEndpointLocked(endpoint string) string {
	best, bestDist := "", 4 // suggest only within edit distance 3
	for e := range r.workers {
		d := levenshtein.ComputeDistance(e, endpoint)
		if d < bestDist {
			best, bestDist = e, d
		}
	}
	return best
}

// SelectWorker returns the healthy worker with the minimum load score,
// breaking ties by lexicographically smallest endpoint. Returns
// WorkerUnavailable if no healthy worker is registered.
func (r *Router) SelectWorker() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make([]string, 0, len(r.workers))
	for e := range r.workers {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)

	best, bestScore := "", math.Inf(1)
	for _, e := range endpoints {
		w := r.workers[e]
		if s := w.loadScore(); s < bestScore {
			best, bestScore = e, s
		}
	}
	if best == "" || math.IsInf(bestScore, 1) {
		return "", apperr.New(apperr.WorkerUnavailable, "router.SelectWorker", "no healthy worker registered")
	}
	return best, nil
}

// UpdateQueueDepth records a worker's latest self-reported queue depth.
func (r *Router) UpdateQueueDepth(endpoint string, depth int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[endpoint]
	if !ok {
		return apperr.New(apperr.InvalidInput, "router.UpdateQueueDepth", "unknown endpoint "+endpoint)
	}
	w.QueueDepth = depth
	return nil
}

// MarkFailed increments the worker's consecutive-failure counter,
// demoting it to unhealthy once the counter reaches the failure
// threshold.
func (r *Router) MarkFailed(endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[endpoint]
	if !ok {
		return apperr.New(apperr.InvalidInput, "router.MarkFailed", "unknown endpoint "+endpoint)
	}
	w.FailureCount++
	if w.FailureCount >= r.failureThreshold {
		w.Healthy = false
	}
	return nil
}

// MarkHealthy resets the worker's failure counter to zero, marks it
// healthy, and timestamps the probe.
func (r *Router) MarkHealthy(endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[endpoint]
	if !ok {
		return apperr.New(apperr.InvalidInput, "router.MarkHealthy", "unknown endpoint "+endpoint)
	}
	w.FailureCount = 0
	w.Healthy = true
	w.LastProbeTime = time.Now()
	return nil
}

// HealthyWorkerCount returns the number of workers currently healthy.
func (r *Router) HealthyWorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.Healthy {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every worker record, sorted by endpoint,
// for status reporting (the CLI's `status` command renders this).
func (r *Router) Snapshot() []WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerRecord, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

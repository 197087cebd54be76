// Package scheduler implements the worker's admission path: a bounded
// multi-producer/single-consumer queue that assembles incoming requests
// into window-bounded batches with backpressure.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/layershard/layershard/internal/apperr"
)

// SamplingParams carries the decoding knobs that ride along with a
// request but are never interpreted by this package — sampling strategy
// is an external collaborator's concern.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// Request is an immutable unit of admitted work.
type Request struct {
	RequestID   string
	SequenceID  uint64
	Tokens      []int32
	Sampling    SamplingParams
	ArrivalTime time.Time
	Metadata    []byte
}

// Batch is an ordered group of requests sharing one forward-pass
// dispatch.
type Batch struct {
	Requests  []Request
	CreatedAt time.Time
}

// MaxSeqLen is max(|tokens|) over the batch's requests.
func (b Batch) MaxSeqLen() int {
	max := 0
	for _, r := range b.Requests {
		if n := len(r.Tokens); n > max {
			max = n
		}
	}
	return max
}

// Age is how long ago the batch was opened (its creation timestamp,
// recorded when the first request of the batch arrived).
func (b Batch) Age() time.Duration { return time.Since(b.CreatedAt) }

// Config parameterizes a Scheduler.
type Config struct {
	MaxBatchSize     int
	MaxQueueSize     int
	BatchingWindow   time.Duration
}

// Scheduler is the default, single-priority-class batch scheduler. The
// queue is a buffered channel — Go's idiomatic multi-producer/
// single-consumer primitive — paired with an independent atomic depth
// counter so Submit's backpressure check never touches the channel's
// internal lock.
type Scheduler struct {
	cfg   Config
	queue chan Request
	depth atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Scheduler whose queue can hold at most
// cfg.MaxQueueSize requests.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		queue: make(chan Request, cfg.MaxQueueSize),
		done:  make(chan struct{}),
	}
}

// Submit never suspends: it either admits r or immediately reports
// QueueFull. Depth is checked optimistically against MaxQueueSize before
// attempting the send, and the send itself uses a non-blocking select so
// a racing consumer can never cause Submit to block.
func (s *Scheduler) Submit(r Request) error {
	select {
	case <-s.done:
		return apperr.New(apperr.Internal, "scheduler.Submit", "scheduler is shut down")
	default:
	}

	if s.depth.Load() >= int64(s.cfg.MaxQueueSize) {
		return apperr.New(apperr.QueueFull, "scheduler.Submit", "queue at max_queue_size")
	}

	select {
	case s.queue <- r:
		s.depth.Add(1)
		return nil
	default:
		return apperr.New(apperr.QueueFull, "scheduler.Submit", "queue at max_queue_size")
	}
}

// QueueDepth returns the current number of admitted-but-undispatched
// requests.
func (s *Scheduler) QueueDepth() int {
	return int(s.depth.Load())
}

// Shutdown sets the shutdown flag and wakes every waiter. Requests still
// sitting in the queue are not drained.
func (s *Scheduler) Shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

// NextBatch implements the batch assembly algorithm: wait up to
// BatchingWindow for the first request, then keep draining until either
// MaxBatchSize is reached or the window since the first request elapses.
// Returns (nil, nil) on timeout with an empty queue (normal idle) or on
// shutdown before any request arrived.
func (s *Scheduler) NextBatch() (*Batch, error) {
	first, ok := s.waitFirst()
	if !ok {
		return nil, nil
	}

	t0 := time.Now()
	batch := []Request{first}

drain:
	for len(batch) < s.cfg.MaxBatchSize {
		remaining := s.cfg.BatchingWindow - time.Since(t0)
		if remaining <= 0 {
			break
		}
		select {
		case r := <-s.queue:
			s.depth.Add(-1)
			batch = append(batch, r)
		case <-time.After(remaining):
			break drain
		case <-s.done:
			// Already-dequeued requests are dispatched; we simply
			// stop waiting for more.
			return &Batch{Requests: batch, CreatedAt: t0}, nil
		}
	}

	return &Batch{Requests: batch, CreatedAt: t0}, nil
}

func (s *Scheduler) waitFirst() (Request, bool) {
	select {
	case <-s.done:
		return Request{}, false
	default:
	}

	select {
	case r := <-s.queue:
		s.depth.Add(-1)
		return r, true
	case <-time.After(s.cfg.BatchingWindow):
		return Request{}, false
	case <-s.done:
		return Request{}, false
	}
}

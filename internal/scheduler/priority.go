package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	llq "github.com/emirpasic/gods/v2/queues/linkedlistqueue"

	"github.com/layershard/layershard/internal/apperr"
)

// Priority is a request's admission class. Draining always exhausts a
// higher class before starting a lower one within a single batch;
// starvation of Low is accepted by design (see the teacher's own
// priority-queue use in its tokenizer merge loop, reused here for three
// parallel FIFOs instead of one scored heap).
type Priority int

const (
	High Priority = iota
	Normal
	Low
)

// PriorityRequest pairs a Request with its admission class.
type PriorityRequest struct {
	Request
	Priority Priority
}

// PriorityScheduler maintains three strict FIFOs, one per Priority
// class, and drains high before normal before low.
type PriorityScheduler struct {
	cfg Config

	mu     sync.Mutex
	high   *llq.Queue[Request]
	normal *llq.Queue[Request]
	low    *llq.Queue[Request]

	depth    atomic.Int64
	notify   chan struct{}
	closeOnce sync.Once
	done     chan struct{}
}

// NewPriority constructs an empty PriorityScheduler.
func NewPriority(cfg Config) *PriorityScheduler {
	return &PriorityScheduler{
		cfg:    cfg,
		high:   llq.New[Request](),
		normal: llq.New[Request](),
		low:    llq.New[Request](),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *PriorityScheduler) queueFor(p Priority) *llq.Queue[Request] {
	switch p {
	case High:
		return s.high
	case Low:
		return s.low
	default:
		return s.normal
	}
}

// Submit admits pr.Request into its priority class, or reports
// QueueFull if the scheduler is already holding MaxQueueSize requests
// across all three classes.
func (s *PriorityScheduler) Submit(pr PriorityRequest) error {
	select {
	case <-s.done:
		return apperr.New(apperr.Internal, "scheduler.Submit", "scheduler is shut down")
	default:
	}

	if s.depth.Load() >= int64(s.cfg.MaxQueueSize) {
		return apperr.New(apperr.QueueFull, "scheduler.Submit", "queue at max_queue_size")
	}

	s.mu.Lock()
	s.queueFor(pr.Priority).Enqueue(pr.Request)
	s.mu.Unlock()
	s.depth.Add(1)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// QueueDepth returns the total depth across all three priority classes.
func (s *PriorityScheduler) QueueDepth() int { return int(s.depth.Load()) }

// Shutdown sets the shutdown flag and wakes every waiter.
func (s *PriorityScheduler) Shutdown() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *PriorityScheduler) dequeueOne() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range []*llq.Queue[Request]{s.high, s.normal, s.low} {
		if !q.Empty() {
			r, _ := q.Dequeue()
			return r, true
		}
	}
	return Request{}, false
}

// NextBatch mirrors Scheduler.NextBatch's windowing algorithm, but drains
// strictly high -> normal -> low so a pending high-priority request is
// never skipped in favor of a lower one already enqueued.
func (s *PriorityScheduler) NextBatch() (*Batch, error) {
	first, ok := s.waitFirst()
	if !ok {
		return nil, nil
	}

	t0 := time.Now()
	batch := []Request{first}

drain:
	for len(batch) < s.cfg.MaxBatchSize {
		if r, ok := s.dequeueOne(); ok {
			s.depth.Add(-1)
			batch = append(batch, r)
			continue
		}

		remaining := s.cfg.BatchingWindow - time.Since(t0)
		if remaining <= 0 {
			break
		}
		select {
		case <-s.notify:
			// Something may have arrived; loop re-checks dequeueOne.
		case <-time.After(remaining):
			break drain
		case <-s.done:
			return &Batch{Requests: batch, CreatedAt: t0}, nil
		}
	}

	return &Batch{Requests: batch, CreatedAt: t0}, nil
}

func (s *PriorityScheduler) waitFirst() (Request, bool) {
	deadline := time.Now().Add(s.cfg.BatchingWindow)
	for {
		if r, ok := s.dequeueOne(); ok {
			s.depth.Add(-1)
			return r, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Request{}, false
		}
		select {
		case <-s.notify:
		case <-time.After(remaining):
			return Request{}, false
		case <-s.done:
			return Request{}, false
		}
	}
}

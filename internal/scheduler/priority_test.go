package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPriorityDrainsHighBeforeLow(t *testing.T) {
	s := NewPriority(Config{MaxBatchSize: 10, MaxQueueSize: 10, BatchingWindow: 20 * time.Millisecond})

	require.NoError(t, s.Submit(PriorityRequest{Request: req("low-1"), Priority: Low}))
	require.NoError(t, s.Submit(PriorityRequest{Request: req("normal-1"), Priority: Normal}))
	require.NoError(t, s.Submit(PriorityRequest{Request: req("high-1"), Priority: High}))
	require.NoError(t, s.Submit(PriorityRequest{Request: req("high-2"), Priority: High}))

	b, err := s.NextBatch()
	require.NoError(t, err)
	require.Len(t, b.Requests, 4)
	require.Equal(t, []string{"high-1", "high-2", "normal-1", "low-1"}, ids(b))
}

func TestPriorityNeverStartsLowAheadOfPendingHigh(t *testing.T) {
	s := NewPriority(Config{MaxBatchSize: 2, MaxQueueSize: 10, BatchingWindow: 20 * time.Millisecond})
	require.NoError(t, s.Submit(PriorityRequest{Request: req("low-1"), Priority: Low}))
	require.NoError(t, s.Submit(PriorityRequest{Request: req("high-1"), Priority: High}))

	b, err := s.NextBatch()
	require.NoError(t, err)
	require.Equal(t, []string{"high-1", "low-1"}, ids(b))
}

func ids(b *Batch) []string {
	out := make([]string, len(b.Requests))
	for i, r := range b.Requests {
		out[i] = r.RequestID
	}
	return out
}

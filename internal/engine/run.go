package engine

import (
	"context"

	"github.com/layershard/layershard/internal/scheduler"
)

// RequestResult is one request's outcome from a single batch dispatch.
type RequestResult struct {
	RequestID  string
	SequenceID uint64
	Output     Output
	Err        error
}

// Run is the worker's single consumer task: it pulls window-bounded
// batches off sched forever, forwards each through eng, and hands every
// request's result to dispatch. It returns when ctx is canceled.
//
// Requests whose Tokens field is non-empty are embedded via embed (the
// first worker in a pipeline); embed may be nil for any worker that only
// ever receives precomputed hidden states carried in Metadata by an
// upstream transport decoder — wiring that decode step is the HTTP
// server's job, not this loop's.
func Run(ctx context.Context, sched *scheduler.Scheduler, eng *Engine, embed *EmbeddingTable, decodeHidden func(scheduler.Request) ([][]float32, int, error), dispatch func(RequestResult)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := sched.NextBatch()
		if err != nil {
			return err
		}
		if batch == nil {
			continue
		}

		acts := make([]RequestActivation, 0, len(batch.Requests))
		for _, r := range batch.Requests {
			hidden, startPos, err := resolveHidden(r, embed, decodeHidden)
			if err != nil {
				dispatch(RequestResult{RequestID: r.RequestID, SequenceID: r.SequenceID, Err: err})
				continue
			}
			acts = append(acts, RequestActivation{SequenceID: r.SequenceID, StartPos: startPos, HiddenStates: hidden})
		}
		if len(acts) == 0 {
			continue
		}

		outs, err := eng.Forward(ctx, acts)
		if err != nil {
			for _, a := range acts {
				dispatch(RequestResult{SequenceID: a.SequenceID, Err: err})
			}
			continue
		}

		byRequestID := make(map[uint64]string, len(batch.Requests))
		for _, r := range batch.Requests {
			byRequestID[r.SequenceID] = r.RequestID
		}
		for _, o := range outs {
			dispatch(RequestResult{RequestID: byRequestID[o.SequenceID], SequenceID: o.SequenceID, Output: o, Err: o.Err})
		}
	}
}

func resolveHidden(r scheduler.Request, embed *EmbeddingTable, decodeHidden func(scheduler.Request) ([][]float32, int, error)) ([][]float32, int, error) {
	if len(r.Tokens) > 0 && embed != nil {
		rows := make([][]float32, len(r.Tokens))
		for i, tok := range r.Tokens {
			row, err := embed.Lookup(tok)
			if err != nil {
				return nil, 0, err
			}
			rows[i] = row
		}
		return rows, 0, nil
	}
	return decodeHidden(r)
}

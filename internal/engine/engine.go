// Package engine runs the forward pass for the layer range a worker
// owns: embedding lookup (first worker only), then for each owned layer
// a pre-norm multi-head self-attention block with KV-cache-backed causal
// attention, followed by a pre-norm gated MLP block, each wrapped in a
// residual connection. The structure mirrors a standard decoder-only
// transformer block; cross-attention and vision tower layers are never
// modeled here, since this engine only ever sees the text path.
package engine

import (
	"context"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	vecf32 "gorgonia.org/vecf32"

	"github.com/layershard/layershard/internal/apperr"
	"github.com/layershard/layershard/internal/kvcache"
	"github.com/layershard/layershard/internal/partition"
)

// Config parameterizes an Engine.
type Config struct {
	LayerGroup partition.LayerGroupConfig
	Eps        float32 // layer norm epsilon
}

// compiledLayer holds one layer's weights decoded to float32 once, at
// Engine construction, so the hot forward path never touches the mapped
// bytes directly.
type compiledLayer struct {
	attnNorm, ffnNorm []float32
	wq, wk, wv, wo    []float32
	gate, up, down    []float32
}

// Engine executes the forward pass over one worker's owned layer range.
type Engine struct {
	cfg       Config
	cache     *kvcache.Cache
	layers    map[int]compiledLayer
	layerIdxs []int
}

// New compiles every layer in p's range against cfg. cache must be sized
// with NumHeads equal to cfg.LayerGroup.NumKVHeads: the cache stores one
// row per KV head, not per query head, so grouped-query attention
// configurations share rows across query heads that map to the same KV
// head.
func New(p *partition.Partition, cache *kvcache.Cache, cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg, cache: cache, layers: make(map[int]compiledLayer), layerIdxs: p.Layers()}

	for _, idx := range e.layerIdxs {
		norm, err := p.Norm(idx)
		if err != nil {
			return nil, err
		}
		attn, err := p.Attention(idx)
		if err != nil {
			return nil, err
		}
		mlp, err := p.MLP(idx)
		if err != nil {
			return nil, err
		}

		cl := compiledLayer{}
		var decodeErr error
		decode := func(v interface{ AsF32() ([]float32, error) }) []float32 {
			if decodeErr != nil {
				return nil
			}
			out, err := v.AsF32()
			if err != nil {
				decodeErr = err
			}
			return out
		}
		cl.attnNorm = decode(norm.Attention)
		cl.ffnNorm = decode(norm.FFN)
		cl.wq = decode(attn.Q)
		cl.wk = decode(attn.K)
		cl.wv = decode(attn.V)
		cl.wo = decode(attn.O)
		cl.gate = decode(mlp.Gate)
		cl.up = decode(mlp.Up)
		cl.down = decode(mlp.Down)
		if decodeErr != nil {
			return nil, apperr.Wrap(apperr.Tensor, "engine.New", decodeErr)
		}
		e.layers[idx] = cl
	}

	return e, nil
}

// RequestActivation is one request's input to this worker: either raw
// token ids (first worker, paired with an EmbeddingTable) or hidden
// states received from the upstream worker in the pipeline.
type RequestActivation struct {
	SequenceID   uint64
	StartPos     int // not used by Forward: each token's position is the sequence's current KV cache length
	HiddenStates [][]float32
}

// Output is this worker's per-token hidden states for one request, to be
// forwarded to the next worker in the pipeline (or projected to logits,
// for the last worker — that projection is an external collaborator).
// Err is set when this request's own forward pass failed; it never
// reflects a different request's failure.
type Output struct {
	SequenceID   uint64
	HiddenStates [][]float32
	Err          error
}

// Forward runs every request's tokens through the owned layer range.
// Requests are processed concurrently (bounded by GOMAXPROCS); within
// one request tokens are processed strictly in position order, since
// each depends on the previous token's KV cache entries. Requests that
// share a SequenceID hold one lock for their whole pass, so their KV
// cache appends never interleave.
//
// A failure in one request's forward pass is recorded on that request's
// Output.Err and never aborts or poisons any other request in the
// batch; the returned error is reserved for failures that apply to the
// whole call (none today, kept for parity with other fan-out helpers).
func (e *Engine) Forward(ctx context.Context, reqs []RequestActivation) ([]Output, error) {
	out := make([]Output, len(reqs))

	seqLocks := make(map[uint64]*sync.Mutex, len(reqs))
	for _, req := range reqs {
		if seqLocks[req.SequenceID] == nil {
			seqLocks[req.SequenceID] = &sync.Mutex{}
		}
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			mu := seqLocks[req.SequenceID]
			mu.Lock()
			defer mu.Unlock()

			hiddens := make([][]float32, len(req.HiddenStates))
			for t, h := range req.HiddenStates {
				pos := req.StartPos + t
				hidden := append([]float32(nil), h...)
				for _, layerIdx := range e.layerIdxs {
					var err error
					hidden, err = e.forwardLayer(req.SequenceID, pos, layerIdx, hidden)
					if err != nil {
						out[i] = Output{SequenceID: req.SequenceID, Err: err}
						return nil
					}
				}
				hiddens[t] = hidden
			}
			out[i] = Output{SequenceID: req.SequenceID, HiddenStates: hiddens}
			return nil
		})
	}
	g.Wait()
	return out, nil
}

func (e *Engine) forwardLayer(seqID uint64, pos, layerIdx int, hidden []float32) ([]float32, error) {
	cl := e.layers[layerIdx]
	lg := e.cfg.LayerGroup

	normed := layerNorm(hidden, cl.attnNorm, e.cfg.Eps)
	attnOut, err := e.selfAttention(seqID, layerIdx, lg, cl, normed)
	if err != nil {
		return nil, err
	}
	hidden = addInPlace(append([]float32(nil), hidden...), attnOut)

	normed2 := layerNorm(hidden, cl.ffnNorm, e.cfg.Eps)
	mlpOut := e.mlp(lg, cl, normed2)
	hidden = addInPlace(hidden, mlpOut)

	return hidden, nil
}

func (e *Engine) selfAttention(seqID uint64, layerIdx int, lg partition.LayerGroupConfig, cl compiledLayer, normed []float32) ([]float32, error) {
	q := linear(normed, cl.wq, lg.HiddenDim, lg.NumHeads*lg.HeadDim)
	k := linear(normed, cl.wk, lg.HiddenDim, lg.NumKVHeads*lg.HeadDim)
	v := linear(normed, cl.wv, lg.HiddenDim, lg.NumKVHeads*lg.HeadDim)

	kvRowSize := lg.NumKVHeads * lg.HeadDim
	prevKeys, err := e.cache.Keys(seqID, layerIdx)
	if err != nil {
		return nil, err
	}
	prevValues, err := e.cache.Values(seqID, layerIdx)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Append(seqID, layerIdx, k, v); err != nil {
		return nil, err
	}

	allKeys := append(append([]float32(nil), prevKeys...), k...)
	allValues := append(append([]float32(nil), prevValues...), v...)
	numPositions := len(allKeys) / kvRowSize

	repeat := lg.NumHeads / lg.NumKVHeads
	scale := float32(1 / math.Sqrt(float64(lg.HeadDim)))

	concat := make([]float32, lg.NumHeads*lg.HeadDim)
	for h := 0; h < lg.NumHeads; h++ {
		kvHead := h / repeat
		qVec := q[h*lg.HeadDim : (h+1)*lg.HeadDim]

		scores := make([]float32, numPositions)
		for p := 0; p < numPositions; p++ {
			kVec := allKeys[p*kvRowSize+kvHead*lg.HeadDim : p*kvRowSize+(kvHead+1)*lg.HeadDim]
			scores[p] = vecf32.Dot(qVec, kVec) * scale
		}
		weights := softmaxStable(scores)

		outHead := make([]float32, lg.HeadDim)
		for p := 0; p < numPositions; p++ {
			vVec := allValues[p*kvRowSize+kvHead*lg.HeadDim : p*kvRowSize+(kvHead+1)*lg.HeadDim]
			w := weights[p]
			for d := 0; d < lg.HeadDim; d++ {
				outHead[d] += w * vVec[d]
			}
		}
		copy(concat[h*lg.HeadDim:(h+1)*lg.HeadDim], outHead)
	}

	return linear(concat, cl.wo, lg.NumHeads*lg.HeadDim, lg.HiddenDim), nil
}

func (e *Engine) mlp(lg partition.LayerGroupConfig, cl compiledLayer, normed []float32) []float32 {
	gate := linear(normed, cl.gate, lg.HiddenDim, lg.IntermediateDim)
	up := linear(normed, cl.up, lg.HiddenDim, lg.IntermediateDim)
	act := siluVec(gate, up)
	return linear(act, cl.down, lg.IntermediateDim, lg.HiddenDim)
}

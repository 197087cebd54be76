package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/layershard/layershard/internal/kvcache"
	"github.com/layershard/layershard/internal/partition"
	"github.com/layershard/layershard/internal/tensorstore"
)

// hiddenDim=4, numHeads=2, headDim=2, numKVHeads=2, intermediateDim=8.
func buildOneLayerStore(t *testing.T) *tensorstore.Store {
	t.Helper()

	identity4 := []float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	// gate/up/down use a fixed, non-trivial but deterministic pattern
	// rather than identity, since their shapes aren't square.
	gateUp := make([]float32, 8*4)
	for i := range gateUp {
		gateUp[i] = 0.1
	}
	down := make([]float32, 4*8)
	for i := range down {
		down[i] = 0.05
	}
	ones4 := []float32{1, 1, 1, 1}

	tensors := []tensorstore.TensorData{
		{Name: "model.layers.0.attention.wq.weight", Dtype: tensorstore.F32, Shape: []int{4, 4}, Data: tensorstore.EncodeF32(identity4)},
		{Name: "model.layers.0.attention.wk.weight", Dtype: tensorstore.F32, Shape: []int{4, 4}, Data: tensorstore.EncodeF32(identity4)},
		{Name: "model.layers.0.attention.wv.weight", Dtype: tensorstore.F32, Shape: []int{4, 4}, Data: tensorstore.EncodeF32(identity4)},
		{Name: "model.layers.0.attention.wo.weight", Dtype: tensorstore.F32, Shape: []int{4, 4}, Data: tensorstore.EncodeF32(identity4)},
		{Name: "model.layers.0.feed_forward.gate_proj.weight", Dtype: tensorstore.F32, Shape: []int{8, 4}, Data: tensorstore.EncodeF32(gateUp)},
		{Name: "model.layers.0.feed_forward.up_proj.weight", Dtype: tensorstore.F32, Shape: []int{8, 4}, Data: tensorstore.EncodeF32(gateUp)},
		{Name: "model.layers.0.feed_forward.down_proj.weight", Dtype: tensorstore.F32, Shape: []int{4, 8}, Data: tensorstore.EncodeF32(down)},
		{Name: "model.layers.0.attention_norm.weight", Dtype: tensorstore.F32, Shape: []int{4}, Data: tensorstore.EncodeF32(ones4)},
		{Name: "model.layers.0.ffn_norm.weight", Dtype: tensorstore.F32, Shape: []int{4}, Data: tensorstore.EncodeF32(ones4)},
	}

	buf, err := tensorstore.Build(tensors)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "m.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	s, err := tensorstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T) (*Engine, *kvcache.Cache) {
	t.Helper()
	store := buildOneLayerStore(t)
	lg := partition.LayerGroupConfig{
		StartLayer: 0, EndLayer: 1, TotalLayers: 1,
		NumHeads: 2, NumKVHeads: 2, HeadDim: 2, HiddenDim: 4, IntermediateDim: 8,
	}
	p, err := partition.New(store, lg)
	require.NoError(t, err)

	cache := kvcache.New(kvcache.Config{NumLayers: 1, NumHeads: lg.NumKVHeads, HeadDim: lg.HeadDim, MaxLen: 16})
	e, err := New(p, cache, Config{LayerGroup: lg, Eps: 1e-5})
	require.NoError(t, err)
	return e, cache
}

func TestForwardProducesExpectedShapeAndAdvancesCache(t *testing.T) {
	e, cache := newTestEngine(t)

	reqs := []RequestActivation{
		{SequenceID: 1, StartPos: 0, HiddenStates: [][]float32{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
		}},
	}
	out, err := e.Forward(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0].HiddenStates, 2)
	for _, h := range out[0].HiddenStates {
		require.Len(t, h, 4)
	}
	require.Equal(t, 2, cache.SeqLen(1))
}

func TestForwardIsDeterministicAcrossIndependentRuns(t *testing.T) {
	e1, _ := newTestEngine(t)
	e2, _ := newTestEngine(t)

	input := []RequestActivation{{SequenceID: 7, StartPos: 0, HiddenStates: [][]float32{{0.5, -0.25, 1.5, 2}}}}
	out1, err := e1.Forward(context.Background(), input)
	require.NoError(t, err)
	out2, err := e2.Forward(context.Background(), input)
	require.NoError(t, err)

	require.Equal(t, out1[0].HiddenStates, out2[0].HiddenStates)
}

func TestForwardSequencesAreIndependent(t *testing.T) {
	e, _ := newTestEngine(t)

	reqs := []RequestActivation{
		{SequenceID: 1, StartPos: 0, HiddenStates: [][]float32{{1, 2, 3, 4}}},
		{SequenceID: 2, StartPos: 0, HiddenStates: [][]float32{{1, 2, 3, 4}}},
	}
	out, err := e.Forward(context.Background(), reqs)
	require.NoError(t, err)
	require.Equal(t, out[0].HiddenStates[0], out[1].HiddenStates[0], "identical input at identical fresh position must produce identical output")
}

func TestForwardRejectsAppendPastMaxLen(t *testing.T) {
	store := buildOneLayerStore(t)
	lg := partition.LayerGroupConfig{StartLayer: 0, EndLayer: 1, TotalLayers: 1, NumHeads: 2, NumKVHeads: 2, HeadDim: 2, HiddenDim: 4, IntermediateDim: 8}
	p, err := partition.New(store, lg)
	require.NoError(t, err)
	cache := kvcache.New(kvcache.Config{NumLayers: 1, NumHeads: lg.NumKVHeads, HeadDim: lg.HeadDim, MaxLen: 1})
	e, err := New(p, cache, Config{LayerGroup: lg, Eps: 1e-5})
	require.NoError(t, err)

	reqs := []RequestActivation{{SequenceID: 9, StartPos: 0, HiddenStates: [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}}}
	out, err := e.Forward(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Error(t, out[0].Err)
}

// TestForwardIsolatesPerRequestFailures uses a cache sized so that only
// one of three sequences overflows MaxLen on its second token; the other
// two must still return a usable result, proving one request's failure
// never poisons the rest of the batch.
func TestForwardIsolatesPerRequestFailures(t *testing.T) {
	store := buildOneLayerStore(t)
	lg := partition.LayerGroupConfig{StartLayer: 0, EndLayer: 1, TotalLayers: 1, NumHeads: 2, NumKVHeads: 2, HeadDim: 2, HiddenDim: 4, IntermediateDim: 8}
	p, err := partition.New(store, lg)
	require.NoError(t, err)
	cache := kvcache.New(kvcache.Config{NumLayers: 1, NumHeads: lg.NumKVHeads, HeadDim: lg.HeadDim, MaxLen: 1})
	e, err := New(p, cache, Config{LayerGroup: lg, Eps: 1e-5})
	require.NoError(t, err)

	reqs := []RequestActivation{
		{SequenceID: 1, StartPos: 0, HiddenStates: [][]float32{{1, 0, 0, 0}}},
		{SequenceID: 2, StartPos: 0, HiddenStates: [][]float32{{0, 1, 0, 0}, {0, 0, 1, 0}}}, // overflows MaxLen:1 on its second token
		{SequenceID: 3, StartPos: 0, HiddenStates: [][]float32{{0, 0, 0, 1}}},
	}
	out, err := e.Forward(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, out, 3)

	require.NoError(t, out[0].Err)
	require.Len(t, out[0].HiddenStates, 1)

	require.Error(t, out[1].Err)

	require.NoError(t, out[2].Err)
	require.Len(t, out[2].HiddenStates, 1)
}

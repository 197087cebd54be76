// Package partition wraps a tensor store with a layer-group view: it
// indexes only the tensors owned by one worker's contiguous layer range
// and resolves them into the three weight bundles a transformer decoder
// layer needs (attention, MLP, layer norm).
package partition

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/layershard/layershard/internal/apperr"
	"github.com/layershard/layershard/internal/tensorstore"
)

// LayerGroupConfig is the [start_layer, end_layer) range a worker owns,
// plus the architecture dimensions needed to interpret its tensors.
type LayerGroupConfig struct {
	StartLayer      int
	EndLayer        int
	TotalLayers     int
	NumHeads        int
	NumKVHeads      int
	HeadDim         int
	HiddenDim       int
	IntermediateDim int
}

// Validate enforces start <= end <= total.
func (c LayerGroupConfig) Validate() error {
	if c.StartLayer > c.EndLayer || c.EndLayer > c.TotalLayers {
		return apperr.New(apperr.Config, "partition.LayerGroupConfig.Validate", "require start_layer <= end_layer <= total_layers")
	}
	return nil
}

// layerNamePattern matches "model.layers.<i>.<suffix>".
var layerNamePattern = regexp.MustCompile(`^model\.layers\.(\d+)\.(.+)$`)

const (
	suffixWQ         = "attention.wq.weight"
	suffixWK         = "attention.wk.weight"
	suffixWV         = "attention.wv.weight"
	suffixWO         = "attention.wo.weight"
	suffixGateProj   = "feed_forward.gate_proj.weight"
	suffixUpProj     = "feed_forward.up_proj.weight"
	suffixDownProj   = "feed_forward.down_proj.weight"
	suffixAttnNorm   = "attention_norm.weight"
	suffixFFNNorm    = "ffn_norm.weight"
)

// AttentionBundle holds one layer's Q/K/V/O projection weights.
type AttentionBundle struct {
	Q, K, V, O tensorstore.View
}

// MLPBundle holds one layer's gated feed-forward weights.
type MLPBundle struct {
	Gate, Up, Down tensorstore.View
}

// NormBundle holds one layer's pre-attention and pre-MLP layer norm
// weights.
type NormBundle struct {
	Attention, FFN tensorstore.View
}

// Partition is a tensor store filtered to one worker's layer range.
type Partition struct {
	store  *tensorstore.Store
	config LayerGroupConfig

	// byLayer[i][suffix] -> the resolved view, for i in [StartLayer, EndLayer).
	byLayer map[int]map[string]tensorstore.View
}

// New indexes store against config, ignoring every tensor name that
// either doesn't match the "model.layers.<i>.<suffix>" convention or
// whose layer index falls outside [StartLayer, EndLayer).
func New(store *tensorstore.Store, config LayerGroupConfig) (*Partition, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	byLayer := make(map[int]map[string]tensorstore.View)
	for _, name := range store.Names() {
		m := layerNamePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if idx < config.StartLayer || idx >= config.EndLayer {
			continue
		}
		view, ok := store.Get(name)
		if !ok {
			continue
		}
		if byLayer[idx] == nil {
			byLayer[idx] = make(map[string]tensorstore.View)
		}
		byLayer[idx][m[2]] = view
	}

	return &Partition{store: store, config: config, byLayer: byLayer}, nil
}

// Layers returns the owned layer indices in ascending order.
func (p *Partition) Layers() []int {
	out := make([]int, 0, p.config.EndLayer-p.config.StartLayer)
	for i := p.config.StartLayer; i < p.config.EndLayer; i++ {
		out = append(out, i)
	}
	return out
}

// Config returns the partition's layer group configuration.
func (p *Partition) Config() LayerGroupConfig { return p.config }

// MemoryUsageBytes reports the size of the underlying mapped region
// (shared across all partitions of the same store, not per-partition).
func (p *Partition) MemoryUsageBytes() int64 { return p.store.MemoryUsageBytes() }

func (p *Partition) resolve(layer int, suffix string) (tensorstore.View, bool) {
	m, ok := p.byLayer[layer]
	if !ok {
		return tensorstore.View{}, false
	}
	v, ok := m[suffix]
	return v, ok
}

func missingBundleErr(layer int, bundle string) error {
	return apperr.New(apperr.Model, "partition.Resolve", fmt.Sprintf("layer %d: incomplete %s bundle", layer, bundle))
}

// Attention resolves layer's Q/K/V/O projection bundle. All four names
// must resolve or the bundle is reported absent entirely.
func (p *Partition) Attention(layer int) (AttentionBundle, error) {
	q, ok1 := p.resolve(layer, suffixWQ)
	k, ok2 := p.resolve(layer, suffixWK)
	v, ok3 := p.resolve(layer, suffixWV)
	o, ok4 := p.resolve(layer, suffixWO)
	if !(ok1 && ok2 && ok3 && ok4) {
		return AttentionBundle{}, missingBundleErr(layer, "attention")
	}
	return AttentionBundle{Q: q, K: k, V: v, O: o}, nil
}

// MLP resolves layer's gate/up/down projection bundle.
func (p *Partition) MLP(layer int) (MLPBundle, error) {
	gate, ok1 := p.resolve(layer, suffixGateProj)
	up, ok2 := p.resolve(layer, suffixUpProj)
	down, ok3 := p.resolve(layer, suffixDownProj)
	if !(ok1 && ok2 && ok3) {
		return MLPBundle{}, missingBundleErr(layer, "mlp")
	}
	return MLPBundle{Gate: gate, Up: up, Down: down}, nil
}

// Norm resolves layer's pre-attention and pre-MLP layer norm weights.
func (p *Partition) Norm(layer int) (NormBundle, error) {
	attn, ok1 := p.resolve(layer, suffixAttnNorm)
	ffn, ok2 := p.resolve(layer, suffixFFNNorm)
	if !(ok1 && ok2) {
		return NormBundle{}, missingBundleErr(layer, "norm")
	}
	return NormBundle{Attention: attn, FFN: ffn}, nil
}

// Preload touches every byte of the named tensors' backing pages to
// pre-warm the OS page cache, fanning the work out across
// GOMAXPROCS workers the way the teacher's backend loader fans out
// per-tensor loads.
func (p *Partition) Preload(names []string) error {
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, name := range names {
		name := name
		g.Go(func() error {
			v, ok := p.store.Get(name)
			if !ok {
				return apperr.New(apperr.InvalidInput, "partition.Preload", "unknown tensor "+name)
			}
			touchPages(v.Bytes())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return apperr.Wrap(apperr.Io, "partition.Preload", err)
	}
	return nil
}

const pageSize = 4096

func touchPages(b []byte) {
	var sink byte
	for i := 0; i < len(b); i += pageSize {
		sink += b[i]
	}
	_ = sink
}

// Package kvcache implements the per-sequence key/value store consulted
// during autoregressive attention. Unlike the single shared cache in the
// original source this package was reverse-engineered from, every
// sequence gets its own cell range: the cache is keyed by
// (sequence id, layer, position), resolving the ambiguity flagged in the
// design notes rather than silently reproducing the aliasing bug.
package kvcache

import (
	"sync"

	"github.com/layershard/layershard/internal/apperr"
)

// Config parameterizes a fixed-capacity cache.
type Config struct {
	NumLayers int
	NumHeads  int
	HeadDim   int
	MaxLen    int
}

func (c Config) rowSize() int { return c.NumHeads * c.HeadDim }

// sequenceState is one sequence's cell range: for each layer, a
// contiguous run of position rows [0, seqLen).
type sequenceState struct {
	mu     sync.Mutex
	seqLen int
	// keys[layer] and values[layer] are flattened [MaxLen * rowSize]
	// buffers; row p occupies [p*rowSize, (p+1)*rowSize).
	keys   [][]float32
	values [][]float32
	// writtenThisStep tracks which layers have received their row for
	// the position currently being assembled, so seqLen only advances
	// once every layer has been written for that step (mirrors the
	// way the engine drives one generation step layer by layer).
	writtenThisStep map[int]bool
}

func newSequenceState(cfg Config) *sequenceState {
	keys := make([][]float32, cfg.NumLayers)
	values := make([][]float32, cfg.NumLayers)
	for l := range keys {
		keys[l] = make([]float32, cfg.MaxLen*cfg.rowSize())
		values[l] = make([]float32, cfg.MaxLen*cfg.rowSize())
	}
	return &sequenceState{keys: keys, values: values, writtenThisStep: make(map[int]bool)}
}

// Cache is a fixed-capacity, multi-sequence key/value store.
type Cache struct {
	cfg Config

	mu   sync.RWMutex
	seqs map[uint64]*sequenceState
}

// New constructs an empty cache for the given configuration.
func New(cfg Config) *Cache {
	return &Cache{cfg: cfg, seqs: make(map[uint64]*sequenceState)}
}

func (c *Cache) stateFor(seqID uint64) *sequenceState {
	c.mu.RLock()
	s, ok := c.seqs[seqID]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.seqs[seqID]; ok {
		return s
	}
	s = newSequenceState(c.cfg)
	c.seqs[seqID] = s
	return s
}

// Append writes one position's key and value vectors for (seqID, layer)
// at the sequence's current position. The position only advances once
// every layer in [0, NumLayers) has been appended for the current step,
// so KV-cache appends at a given layer form a strictly monotonic
// position sequence per the ordering invariant. Appending to the same
// layer twice before every other layer has advanced is a programming
// error (InvalidInput); appending when the sequence is already at
// MaxLen is a capacity error (Tensor).
func (c *Cache) Append(seqID uint64, layer int, key, value []float32) error {
	if layer < 0 || layer >= c.cfg.NumLayers {
		return apperr.New(apperr.InvalidInput, "kvcache.Append", "layer out of range")
	}
	if len(key) != c.cfg.rowSize() || len(value) != c.cfg.rowSize() {
		return apperr.New(apperr.Tensor, "kvcache.Append", "key/value length must equal num_heads*head_dim")
	}

	s := c.stateFor(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seqLen >= c.cfg.MaxLen {
		return apperr.New(apperr.Tensor, "kvcache.Append", "sequence at max_len, cache is full")
	}
	if s.writtenThisStep[layer] {
		return apperr.New(apperr.InvalidInput, "kvcache.Append", "layer already written for the current step")
	}

	pos := s.seqLen
	rs := c.cfg.rowSize()
	copy(s.keys[layer][pos*rs:(pos+1)*rs], key)
	copy(s.values[layer][pos*rs:(pos+1)*rs], value)
	s.writtenThisStep[layer] = true

	if len(s.writtenThisStep) == c.cfg.NumLayers {
		s.seqLen++
		s.writtenThisStep = make(map[int]bool)
	}
	return nil
}

// Keys returns the populated prefix [0, seqLen) of key rows for
// (seqID, layer), flattened as [seqLen][rowSize].
func (c *Cache) Keys(seqID uint64, layer int) ([]float32, error) {
	return c.slice(seqID, layer, true)
}

// Values returns the populated prefix [0, seqLen) of value rows for
// (seqID, layer).
func (c *Cache) Values(seqID uint64, layer int) ([]float32, error) {
	return c.slice(seqID, layer, false)
}

func (c *Cache) slice(seqID uint64, layer int, keys bool) ([]float32, error) {
	if layer < 0 || layer >= c.cfg.NumLayers {
		return nil, apperr.New(apperr.InvalidInput, "kvcache.slice", "layer out of range")
	}
	s := c.stateFor(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := c.cfg.rowSize()
	var src []float32
	if keys {
		src = s.keys[layer]
	} else {
		src = s.values[layer]
	}
	out := make([]float32, s.seqLen*rs)
	copy(out, src[:s.seqLen*rs])
	return out, nil
}

// SeqLen reports the current populated prefix length for seqID.
func (c *Cache) SeqLen(seqID uint64) int {
	s := c.stateFor(seqID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqLen
}

// Reset frees one sequence's cell range. It is the engine's extension
// point for sliding-window or completion-triggered eviction; the cache
// itself never evicts on its own.
func (c *Cache) Reset(seqID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seqs, seqID)
}

// ResetAll clears every sequence's contents.
func (c *Cache) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = make(map[uint64]*sequenceState)
}

// Resize changes MaxLen. It is destructive: all existing contents are
// cleared, matching the documented contract.
func (c *Cache) Resize(newMaxLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MaxLen = newMaxLen
	c.seqs = make(map[uint64]*sequenceState)
}

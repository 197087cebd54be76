package engine

import (
	"fmt"

	"github.com/layershard/layershard/internal/apperr"
	"github.com/layershard/layershard/internal/tensorstore"
)

// EmbeddingTable wraps the token embedding matrix. Only the first worker
// in a pipeline owns one: every other worker receives already-computed
// hidden states from its upstream neighbor instead of raw token ids.
type EmbeddingTable struct {
	rows      []float32
	hiddenDim int
	vocabSize int
}

// LoadEmbeddingTable resolves name (conventionally "model.embed_tokens.weight")
// directly against the store, bypassing the layer-range partition since
// the embedding matrix belongs to no layer.
func LoadEmbeddingTable(store *tensorstore.Store, name string, hiddenDim int) (*EmbeddingTable, error) {
	v, ok := store.Get(name)
	if !ok {
		return nil, apperr.New(apperr.Model, "engine.LoadEmbeddingTable", "missing tensor "+name)
	}
	rows, err := v.AsF32()
	if err != nil {
		return nil, apperr.Wrap(apperr.Model, "engine.LoadEmbeddingTable", err)
	}
	if hiddenDim <= 0 || len(rows)%hiddenDim != 0 {
		return nil, apperr.New(apperr.Model, "engine.LoadEmbeddingTable", "embedding tensor size is not a multiple of hidden_dim")
	}
	return &EmbeddingTable{rows: rows, hiddenDim: hiddenDim, vocabSize: len(rows) / hiddenDim}, nil
}

// Lookup returns a copy of the embedding row for tokenID.
func (e *EmbeddingTable) Lookup(tokenID int32) ([]float32, error) {
	if tokenID < 0 || int(tokenID) >= e.vocabSize {
		return nil, apperr.New(apperr.InvalidInput, "engine.EmbeddingTable.Lookup", fmt.Sprintf("token id %d out of vocab range [0,%d)", tokenID, e.vocabSize))
	}
	out := make([]float32, e.hiddenDim)
	copy(out, e.rows[int(tokenID)*e.hiddenDim:(int(tokenID)+1)*e.hiddenDim])
	return out, nil
}

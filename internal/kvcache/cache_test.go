package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/layershard/layershard/internal/apperr"
)

func testConfig() Config {
	return Config{NumLayers: 2, NumHeads: 2, HeadDim: 4, MaxLen: 3}
}

func row(v float32) []float32 {
	return []float32{v, v, v, v, v, v, v, v}
}

func TestAppendAdvancesPositionOnlyAfterAllLayers(t *testing.T) {
	c := New(testConfig())
	require.NoError(t, c.Append(1, 0, row(1), row(1)))
	require.Equal(t, 0, c.SeqLen(1), "position should not advance until every layer is written")
	require.NoError(t, c.Append(1, 1, row(1), row(1)))
	require.Equal(t, 1, c.SeqLen(1))
}

func TestAppendRejectsDoubleWriteSameStep(t *testing.T) {
	c := New(testConfig())
	require.NoError(t, c.Append(1, 0, row(1), row(1)))
	err := c.Append(1, 0, row(2), row(2))
	require.Error(t, err)
	require.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestAppendFullCacheIsTensorError(t *testing.T) {
	c := New(Config{NumLayers: 1, NumHeads: 1, HeadDim: 1, MaxLen: 1})
	require.NoError(t, c.Append(1, 0, []float32{1}, []float32{1}))
	err := c.Append(1, 0, []float32{2}, []float32{2})
	require.Error(t, err)
	require.Equal(t, apperr.Tensor, apperr.KindOf(err))
}

func TestSequencesAreIsolated(t *testing.T) {
	c := New(testConfig())
	require.NoError(t, c.Append(1, 0, row(1), row(1)))
	require.NoError(t, c.Append(1, 1, row(1), row(1)))
	require.NoError(t, c.Append(2, 0, row(9), row(9)))
	require.NoError(t, c.Append(2, 1, row(9), row(9)))

	k1, err := c.Keys(1, 0)
	require.NoError(t, err)
	k2, err := c.Keys(2, 0)
	require.NoError(t, err)
	require.Equal(t, row(1), k1)
	require.Equal(t, row(9), k2)
}

func TestResetClearsOneSequence(t *testing.T) {
	c := New(testConfig())
	require.NoError(t, c.Append(1, 0, row(1), row(1)))
	require.NoError(t, c.Append(1, 1, row(1), row(1)))
	c.Reset(1)
	require.Equal(t, 0, c.SeqLen(1))
}

func TestResizeClearsEverything(t *testing.T) {
	c := New(testConfig())
	require.NoError(t, c.Append(1, 0, row(1), row(1)))
	require.NoError(t, c.Append(1, 1, row(1), row(1)))
	c.Resize(5)
	require.Equal(t, 0, c.SeqLen(1))
	require.NoError(t, c.Append(1, 0, row(1), row(1)))
	require.NoError(t, c.Append(1, 1, row(1), row(1)))
	require.NoError(t, c.Append(1, 0, row(1), row(1)))
	require.NoError(t, c.Append(1, 1, row(1), row(1)))
	require.Equal(t, 2, c.SeqLen(1))
}

package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/layershard/layershard/internal/partition"
	"github.com/layershard/layershard/internal/tensorstore"
)

func TestTensorNameMapsKnownKeys(t *testing.T) {
	cases := map[string]string{
		"model.embed_tokens.weight":                      "model.embed_tokens.weight",
		"model.norm.weight":                               "model.norm.weight",
		"lm_head.weight":                                  "lm_head.weight",
		"model.layers.0.input_layernorm.weight":           "model.layers.0.attention_norm.weight",
		"model.layers.12.self_attn.q_proj.weight":         "model.layers.12.attention.wq.weight",
		"model.layers.12.self_attn.k_proj.weight":         "model.layers.12.attention.wk.weight",
		"model.layers.12.self_attn.v_proj.weight":         "model.layers.12.attention.wv.weight",
		"model.layers.12.self_attn.o_proj.weight":         "model.layers.12.attention.wo.weight",
		"model.layers.3.mlp.gate_proj.weight":             "model.layers.3.feed_forward.gate_proj.weight",
		"model.layers.3.mlp.up_proj.weight":               "model.layers.3.feed_forward.up_proj.weight",
		"model.layers.3.mlp.down_proj.weight":             "model.layers.3.feed_forward.down_proj.weight",
		"model.layers.3.post_attention_layernorm.weight":  "model.layers.3.ffn_norm.weight",
	}
	for key, want := range cases {
		got, err := TensorName(key)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestTensorNameRejectsUnknownKey(t *testing.T) {
	_, err := TensorName("model.rotary_emb.inv_freq")
	require.Error(t, err)
}

func TestGetParamsDefaultsKeyValHeadsToAttentionHeads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"architectures": ["LlamaForCausalLM"],
		"vocab_size": 32000,
		"hidden_size": 16,
		"num_hidden_layers": 2,
		"intermediate_size": 32,
		"num_attention_heads": 4,
		"rms_norm_eps": 1e-5
	}`), 0o644))

	p, err := GetParams(dir)
	require.NoError(t, err)
	require.Equal(t, 4, p.AttentionHeads)
	require.Equal(t, 4, p.KeyValHeads)
	require.Equal(t, 32000, p.VocabSize)
}

func TestGetParamsRespectsExplicitKeyValHeads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"num_attention_heads": 8,
		"num_key_value_heads": 2
	}`), 0o644))

	p, err := GetParams(dir)
	require.NoError(t, err)
	require.Equal(t, 2, p.KeyValHeads)
}

func TestGetParamsMissingFileIsError(t *testing.T) {
	_, err := GetParams(t.TempDir())
	require.Error(t, err)
}

func TestRepackHeadsPreservesElementCount(t *testing.T) {
	data := make([]float32, 4*4)
	for i := range data {
		data[i] = float32(i)
	}
	out, err := repackHeads(data, 2, 4, 4)
	require.NoError(t, err)
	require.Len(t, out, len(data))
}

func TestRepackHeadsNoOpWhenHeadsDoesNotDivideRows(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	out, err := repackHeads(data, 4, 3, 2)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestConvertMissingCheckpointDirIsError(t *testing.T) {
	err := Convert(t.TempDir(), filepath.Join(t.TempDir(), "out.bin"))
	require.Error(t, err)
}

// TestConvertedNamesResolveAgainstPartition builds a container using the
// exact renaming Convert applies to a Hugging Face state dict and checks
// that internal/partition can resolve every bundle from it. This is the
// integration point convert.go and partition.go must agree on: a
// container this package writes has to be readable by the serving path.
func TestConvertedNamesResolveAgainstPartition(t *testing.T) {
	hfKeys := []string{
		"model.embed_tokens.weight",
		"model.norm.weight",
		"lm_head.weight",
		"model.layers.0.input_layernorm.weight",
		"model.layers.0.post_attention_layernorm.weight",
		"model.layers.0.self_attn.q_proj.weight",
		"model.layers.0.self_attn.k_proj.weight",
		"model.layers.0.self_attn.v_proj.weight",
		"model.layers.0.self_attn.o_proj.weight",
		"model.layers.0.mlp.gate_proj.weight",
		"model.layers.0.mlp.up_proj.weight",
		"model.layers.0.mlp.down_proj.weight",
	}

	var tensors []tensorstore.TensorData
	for _, k := range hfKeys {
		name, err := TensorName(k)
		require.NoError(t, err)
		tensors = append(tensors, tensorstore.TensorData{
			Name: name, Dtype: tensorstore.F32, Shape: []int{4},
			Data: tensorstore.EncodeF32([]float32{1, 2, 3, 4}),
		})
	}

	buf, err := tensorstore.Build(tensors)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "converted.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	store, err := tensorstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lg := partition.LayerGroupConfig{StartLayer: 0, EndLayer: 1, TotalLayers: 1, NumHeads: 1, NumKVHeads: 1, HeadDim: 4, HiddenDim: 4, IntermediateDim: 4}
	p, err := partition.New(store, lg)
	require.NoError(t, err)

	_, err = p.Attention(0)
	require.NoError(t, err, "converted attention bundle must resolve against the partition's naming convention")
	_, err = p.MLP(0)
	require.NoError(t, err, "converted mlp bundle must resolve against the partition's naming convention")
	_, err = p.Norm(0)
	require.NoError(t, err, "converted norm bundle must resolve against the partition's naming convention")

	embed, ok := store.Get("model.embed_tokens.weight")
	require.True(t, ok, "embedding tensor must be retrievable by its converted name")
	require.Equal(t, []int{4}, embed.Shape)
}

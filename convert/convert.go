// Package convert builds the §4.1 tensor container from a PyTorch
// checkpoint directory. It reads the original state dict with gopickle,
// renames and reshapes tensors into the layout the engine expects, and
// writes them out with tensorstore.Build.
//
// This is the offline authoring side of the container format; workers
// only ever read what this package writes.
package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"github.com/x448/float16"

	"github.com/layershard/layershard/internal/apperr"
	"github.com/layershard/layershard/internal/tensorstore"
)

// Params mirrors the subset of a Hugging Face config.json this tool
// needs to repack attention weights and size the embedding table.
type Params struct {
	Architectures    []string `json:"architectures"`
	VocabSize        int      `json:"vocab_size"`
	HiddenSize       int      `json:"hidden_size"`
	HiddenLayers     int      `json:"num_hidden_layers"`
	IntermediateSize int      `json:"intermediate_size"`
	AttentionHeads   int      `json:"num_attention_heads"`
	KeyValHeads      int      `json:"num_key_value_heads"`
	NormEPS          float64  `json:"rms_norm_eps"`
}

// GetParams reads config.json from a checkpoint directory.
func GetParams(dirpath string) (*Params, error) {
	f, err := os.Open(filepath.Join(dirpath, "config.json"))
	if err != nil {
		return nil, apperr.Wrap(apperr.Io, "convert.GetParams", err)
	}
	defer f.Close()

	var p Params
	if err := json.NewDecoder(f).Decode(&p); err != nil {
		return nil, apperr.Wrap(apperr.Parse, "convert.GetParams", err)
	}
	if p.KeyValHeads == 0 {
		p.KeyValHeads = p.AttentionHeads
	}
	return &p, nil
}

// nameMap translates a Hugging Face LLaMA-family state dict key into
// the container's "model.layers.<i>.<suffix>" naming convention (the
// same convention internal/partition indexes against). Keys outside
// the per-layer blocks keep their Hugging Face name unchanged, since
// that name already fits the family (model.embed_tokens.weight,
// model.norm.weight, lm_head.weight).
var nameMap = []struct {
	pattern string
	replace string
}{
	{`^model\.embed_tokens\.weight$`, "model.embed_tokens.weight"},
	{`^model\.norm\.weight$`, "model.norm.weight"},
	{`^lm_head\.weight$`, "lm_head.weight"},
	{`^model\.layers\.(\d+)\.input_layernorm\.weight$`, "model.layers.$1.attention_norm.weight"},
	{`^model\.layers\.(\d+)\.post_attention_layernorm\.weight$`, "model.layers.$1.ffn_norm.weight"},
	{`^model\.layers\.(\d+)\.self_attn\.q_proj\.weight$`, "model.layers.$1.attention.wq.weight"},
	{`^model\.layers\.(\d+)\.self_attn\.k_proj\.weight$`, "model.layers.$1.attention.wk.weight"},
	{`^model\.layers\.(\d+)\.self_attn\.v_proj\.weight$`, "model.layers.$1.attention.wv.weight"},
	{`^model\.layers\.(\d+)\.self_attn\.o_proj\.weight$`, "model.layers.$1.attention.wo.weight"},
	{`^model\.layers\.(\d+)\.mlp\.gate_proj\.weight$`, "model.layers.$1.feed_forward.gate_proj.weight"},
	{`^model\.layers\.(\d+)\.mlp\.up_proj\.weight$`, "model.layers.$1.feed_forward.up_proj.weight"},
	{`^model\.layers\.(\d+)\.mlp\.down_proj\.weight$`, "model.layers.$1.feed_forward.down_proj.weight"},
}

// TensorName maps a checkpoint key to its container name, or returns
// an error if the key has no known mapping.
func TensorName(key string) (string, error) {
	for _, m := range nameMap {
		re := regexp.MustCompile(m.pattern)
		if re.MatchString(key) {
			return re.ReplaceAllString(key, m.replace), nil
		}
	}
	return "", apperr.New(apperr.InvalidInput, "convert.TensorName", "no container mapping for key "+key)
}

// loadStateDict loads a single PyTorch checkpoint file and returns its
// tensors keyed by state dict name. pytorch.Load unpickles the file and
// hands back an *pytorch.OrderedDict whose values are *pytorch.Tensor.
func loadStateDict(path string) (map[string]*pytorch.Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Parse, "convert.loadStateDict", err)
	}

	dict, ok := obj.(*pytorch.OrderedDict)
	if !ok {
		return nil, apperr.New(apperr.Parse, "convert.loadStateDict", "checkpoint root is not a state dict")
	}

	out := make(map[string]*pytorch.Tensor, len(dict.Keys))
	for _, key := range dict.Keys {
		name, ok := key.(string)
		if !ok {
			continue
		}
		t, ok := dict.Get(name).(*pytorch.Tensor)
		if !ok {
			continue
		}
		out[name] = t
	}
	return out, nil
}

// tensorToF32 flattens a pytorch.Tensor's backing storage to float32,
// decoding whichever storage dtype PyTorch serialized it as.
func tensorToF32(t *pytorch.Tensor) ([]float32, error) {
	switch src := t.Source.(type) {
	case *pytorch.FloatStorage:
		return src.Data, nil
	case *pytorch.HalfStorage:
		out := make([]float32, len(src.Data))
		for i, v := range src.Data {
			out[i] = float16.Frombits(uint16(v)).Float32()
		}
		return out, nil
	case *pytorch.BFloat16Storage:
		buf := make([]byte, 2*len(src.Data))
		for i, v := range src.Data {
			buf[2*i] = byte(v)
			buf[2*i+1] = byte(v >> 8)
		}
		return bfloat16.DecodeFloat32(buf), nil
	case *pytorch.DoubleStorage:
		out := make([]float32, len(src.Data))
		for i, v := range src.Data {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, apperr.New(apperr.Tensor, "convert.tensorToF32", fmt.Sprintf("unsupported storage type %T", t.Source))
	}
}

// repackHeads undoes PyTorch's [heads, 2, dim/heads/2, hidden] head
// interleaving so that a head's two rotary halves sit contiguously, the
// same transform the teacher's own safetensors importer applies before
// handing attention weights to an inference engine that expects
// head-major layout.
func repackHeads(data []float32, heads, rows, cols int) ([]float32, error) {
	if heads == 0 || rows%heads != 0 {
		return data, nil
	}
	n := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(slices.Clone(data)))
	orig := n.Shape().Clone()

	if err := n.Reshape(heads, 2, orig[0]/heads/2, orig[1]); err != nil {
		return nil, apperr.Wrap(apperr.Tensor, "convert.repackHeads", err)
	}
	if err := n.T(0, 2, 1, 3); err != nil {
		return nil, apperr.Wrap(apperr.Tensor, "convert.repackHeads", err)
	}
	if err := n.Reshape(orig...); err != nil {
		return nil, apperr.Wrap(apperr.Tensor, "convert.repackHeads", err)
	}
	if err := n.Transpose(); err != nil {
		return nil, apperr.Wrap(apperr.Tensor, "convert.repackHeads", err)
	}

	rows2, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, apperr.Wrap(apperr.Tensor, "convert.repackHeads", err)
	}
	out := make([]float32, 0, rows*cols)
	for _, r := range rows2 {
		out = append(out, r...)
	}
	return out, nil
}

// Convert reads a Hugging Face-layout checkpoint directory (config.json
// plus one or more pytorch_model*.bin files) and writes a single
// container file at outPath in the §4.1 format.
func Convert(dirpath, outPath string) error {
	params, err := GetParams(dirpath)
	if err != nil {
		return err
	}

	files, err := filepath.Glob(filepath.Join(dirpath, "pytorch_model*.bin"))
	if err != nil {
		return apperr.Wrap(apperr.Io, "convert.Convert", err)
	}
	if len(files) == 0 {
		return apperr.New(apperr.InvalidInput, "convert.Convert", "no pytorch_model*.bin files found in "+dirpath)
	}
	slices.Sort(files)

	merged := make(map[string]*pytorch.Tensor)
	for _, f := range files {
		shard, err := loadStateDict(f)
		if err != nil {
			return err
		}
		for k, v := range shard {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var tensors []tensorstore.TensorData
	qkPattern := regexp.MustCompile(`^model\.layers\.\d+\.attention\.w(q|k)\.weight$`)
	for _, k := range keys {
		name, err := TensorName(k)
		if err != nil {
			return err
		}
		t := merged[k]
		vals, err := tensorToF32(t)
		if err != nil {
			return apperr.Wrap(apperr.Tensor, "convert.Convert", err)
		}

		if m := qkPattern.FindStringSubmatch(name); m != nil && len(t.Size) == 2 {
			heads := params.AttentionHeads
			if m[1] == "k" {
				heads = params.KeyValHeads
			}
			vals, err = repackHeads(vals, heads, t.Size[0], t.Size[1])
			if err != nil {
				return err
			}
		}

		shape := append([]int(nil), t.Size...)
		if len(shape) == 0 {
			shape = []int{len(vals)}
		}
		tensors = append(tensors, tensorstore.TensorData{
			Name:  name,
			Dtype: tensorstore.F32,
			Shape: shape,
			Data:  tensorstore.EncodeF32(vals),
		})
	}

	buf, err := tensorstore.Build(tensors)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, buf, 0o644); err != nil {
		return apperr.Wrap(apperr.Io, "convert.Convert", err)
	}
	return nil
}

package tensorstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/layershard/layershard/internal/apperr"
)

// TensorData is one named tensor to be written by Build, owning its own
// payload bytes.
type TensorData struct {
	Name  string
	Dtype DType
	Shape []int
	Data  []byte
}

// EncodeF32 packs a float32 slice into the container's little-endian
// on-disk representation.
func EncodeF32(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

// Build serializes tensors into the bit-exact container format of
// §4.1: an 8-byte little-endian header length, a JSON header, and the
// packed payload in the order given. It is the write-side counterpart
// to Open, used by the convert tool and by round-trip tests.
func Build(tensors []TensorData) ([]byte, error) {
	header := make(map[string]headerEntry, len(tensors))
	var payload bytes.Buffer
	offset := int64(0)
	for _, t := range tensors {
		elemSize := ElemSize(t.Dtype)
		if elemSize == 0 {
			return nil, apperr.New(apperr.InvalidInput, "tensorstore.Build", "unknown dtype "+string(t.Dtype))
		}
		want := int64(1)
		for _, d := range t.Shape {
			want *= int64(d)
		}
		want *= int64(elemSize)
		if int64(len(t.Data)) != want {
			return nil, apperr.New(apperr.InvalidInput, "tensorstore.Build", "tensor "+t.Name+": data length does not match shape*dtype")
		}
		lo := offset
		hi := offset + int64(len(t.Data))
		header[t.Name] = headerEntry{Dtype: string(t.Dtype), Shape: t.Shape, DataOffsets: [2]int64{lo, hi}}
		payload.Write(t.Data)
		offset = hi
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, apperr.Wrap(apperr.Serialization, "tensorstore.Build", err)
	}

	var out bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	out.Write(lenBuf[:])
	out.Write(headerJSON)
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

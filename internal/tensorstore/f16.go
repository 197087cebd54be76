package tensorstore

import (
	"encoding/binary"
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/layershard/layershard/internal/apperr"
)

// AsF16ToF32 decodes an F16 view's payload into float32, promoting every
// element via IEEE binary16 -> binary32 conversion. The engine does not
// call it: engine.New decodes every weight with AsF32, so F16 weights
// are rejected there.
func (v View) AsF16ToF32() ([]float32, error) {
	if v.Info.Dtype != F16 {
		return nil, apperr.New(apperr.InvalidInput, "tensorstore.View.AsF16ToF32", fmt.Sprintf("tensor %q has dtype %s, not F16", v.Info.Name, v.Info.Dtype))
	}
	b := v.Bytes()
	out := make([]float32, len(b)/2)
	for i := range out {
		bits := binary.LittleEndian.Uint16(b[i*2 : i*2+2])
		out[i] = float16.Frombits(bits).Float32()
	}
	return out, nil
}

// DecodeBF16ToF32 decodes a raw bfloat16 byte slice to float32. Legacy
// containers predating the six-tag dtype set sometimes store bfloat16
// tensors under the F16 tag; callers that know they are reading one of
// those containers use this instead of AsF16ToF32.
func DecodeBF16ToF32(raw []byte) []float32 {
	return bfloat16.DecodeFloat32(raw)
}

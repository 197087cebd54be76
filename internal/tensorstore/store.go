// Package tensorstore memory-maps a SafeTensors-compatible container file
// and resolves tensor names to zero-copy typed views in O(1).
//
// Container layout (bit-exact):
//
//	[0, 8)     little-endian uint64 header length H
//	[8, 8+H)   UTF-8 JSON object: name -> {dtype, shape, data_offsets}
//	[8+H, end) packed tensor payloads, little-endian elements
package tensorstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"

	"github.com/layershard/layershard/internal/apperr"
)

// DType is one of the container's six supported element types.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	I32  DType = "I32"
	I8   DType = "I8"
	U8   DType = "U8"
	BOOL DType = "BOOL"
)

// ElemSize returns the per-element byte width of dt, or 0 if dt is
// unknown.
func ElemSize(dt DType) int {
	switch dt {
	case F32, I32:
		return 4
	case F16:
		return 2
	case I8, U8, BOOL:
		return 1
	default:
		return 0
	}
}

// TensorInfo describes one tensor's name, dtype, shape and byte range
// within the mapped region (relative to the start of the payload area).
type TensorInfo struct {
	Name    string
	Dtype   DType
	Shape   []int
	OffsetLo int64
	OffsetHi int64
}

// NumElements is the product of Shape.
func (ti TensorInfo) NumElements() int64 {
	n := int64(1)
	for _, d := range ti.Shape {
		n *= int64(d)
	}
	return n
}

type headerEntry struct {
	Dtype       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Store is a read-only, thread-safe, memory-mapped container. It is
// shareable across goroutines with no locking: the mapping never
// changes after Open returns.
type Store struct {
	path       string
	data       []byte // the full mmap'd file
	payloadOff int64  // 8 + H
	index      map[string]TensorInfo
	names      []string
}

// Open maps path read-only and parses its header. Any malformed header,
// truncated file, or offset/shape inconsistency is reported as a
// MemoryMap error and is never retried.
func Open(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.MemoryMap, "tensorstore.Open", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, apperr.Wrap(apperr.MemoryMap, "tensorstore.Open", err)
	}
	size := fi.Size()
	if size < 8 {
		return nil, apperr.New(apperr.MemoryMap, "tensorstore.Open", "file shorter than 8-byte header length")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, apperr.Wrap(apperr.MemoryMap, "tensorstore.Open", err)
	}

	s, err := newFromMapping(data, size)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	s.path = path
	return s, nil
}

func newFromMapping(data []byte, size int64) (*Store, error) {
	rawHeaderLen := binary.LittleEndian.Uint64(data[0:8])
	if rawHeaderLen > uint64(size-8) {
		return nil, apperr.New(apperr.MemoryMap, "tensorstore.Open", "header length exceeds file size")
	}
	headerLen := int64(rawHeaderLen)

	var raw map[string]headerEntry
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, apperr.Wrap(apperr.MemoryMap, "tensorstore.Open", err)
	}

	payloadOff := 8 + headerLen
	index := make(map[string]TensorInfo, len(raw))
	names := make([]string, 0, len(raw))
	for name, e := range raw {
		dt := DType(e.Dtype)
		elemSize := ElemSize(dt)
		if elemSize == 0 {
			return nil, apperr.New(apperr.MemoryMap, "tensorstore.Open", fmt.Sprintf("tensor %q: unknown dtype %q", name, e.Dtype))
		}
		lo, hi := e.DataOffsets[0], e.DataOffsets[1]
		if hi < lo {
			return nil, apperr.New(apperr.MemoryMap, "tensorstore.Open", fmt.Sprintf("tensor %q: offset_hi < offset_lo", name))
		}
		want := int64(1)
		for _, d := range e.Shape {
			want *= int64(d)
		}
		want *= int64(elemSize)
		if hi-lo != want {
			return nil, apperr.New(apperr.MemoryMap, "tensorstore.Open", fmt.Sprintf("tensor %q: byte range %d does not match shape*dtype %d", name, hi-lo, want))
		}
		if payloadOff+hi > size {
			return nil, apperr.New(apperr.MemoryMap, "tensorstore.Open", fmt.Sprintf("tensor %q: payload extends past end of file", name))
		}
		index[name] = TensorInfo{Name: name, Dtype: dt, Shape: e.Shape, OffsetLo: lo, OffsetHi: hi}
		names = append(names, name)
	}

	return &Store{data: data, payloadOff: payloadOff, index: index, names: names}, nil
}

// Close unmaps the backing region. Any View obtained from this Store
// must not be used after Close.
func (s *Store) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if err != nil {
		return apperr.Wrap(apperr.MemoryMap, "tensorstore.Close", err)
	}
	return nil
}

// Names returns every tensor name known to the store, in no particular
// order.
func (s *Store) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Info returns the TensorInfo for name, or false if unknown.
func (s *Store) Info(name string) (TensorInfo, bool) {
	ti, ok := s.index[name]
	return ti, ok
}

// MemoryUsageBytes reports the size of the mapped region.
func (s *Store) MemoryUsageBytes() int64 {
	return int64(len(s.data))
}

// View is an ephemeral, zero-copy typed view into the store's mapped
// region. Its lifetime is strictly bounded by the Store's mapping: it
// carries a reference to the Store (the shared-ownership handle
// described in the design notes) rather than a bare pointer, so it
// cannot outlive a live mapping without the Go runtime keeping the Store
// reachable.
type View struct {
	store *Store
	Info  TensorInfo
}

// Get resolves name to a View, or false if the name is unknown.
func (s *Store) Get(name string) (View, bool) {
	ti, ok := s.index[name]
	if !ok {
		return View{}, false
	}
	return View{store: s, Info: ti}, true
}

// Bytes returns the raw backing slice for this view.
func (v View) Bytes() []byte {
	lo := v.store.payloadOff + v.Info.OffsetLo
	hi := v.store.payloadOff + v.Info.OffsetHi
	return v.store.data[lo:hi]
}

// AsF32 returns the view's payload reinterpreted as a float32 slice.
// Returns an InvalidInput error if the view's dtype is not F32 — a
// dtype/accessor mismatch is a caller programming error, never retried.
func (v View) AsF32() ([]float32, error) {
	if v.Info.Dtype != F32 {
		return nil, apperr.New(apperr.InvalidInput, "tensorstore.View.AsF32", fmt.Sprintf("tensor %q has dtype %s, not F32", v.Info.Name, v.Info.Dtype))
	}
	b := v.Bytes()
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out, nil
}

// AsI32 returns the view's payload reinterpreted as an int32 slice.
func (v View) AsI32() ([]int32, error) {
	if v.Info.Dtype != I32 {
		return nil, apperr.New(apperr.InvalidInput, "tensorstore.View.AsI32", fmt.Sprintf("tensor %q has dtype %s, not I32", v.Info.Name, v.Info.Dtype))
	}
	b := v.Bytes()
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out, nil
}

// AsI8 returns the view's payload reinterpreted as an int8 slice.
func (v View) AsI8() ([]int8, error) {
	if v.Info.Dtype != I8 {
		return nil, apperr.New(apperr.InvalidInput, "tensorstore.View.AsI8", fmt.Sprintf("tensor %q has dtype %s, not I8", v.Info.Name, v.Info.Dtype))
	}
	b := v.Bytes()
	out := make([]int8, len(b))
	for i, x := range b {
		out[i] = int8(x)
	}
	return out, nil
}

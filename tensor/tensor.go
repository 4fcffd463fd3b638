// Package tensor provides the minimal dense tensor model stored by the cache.
//
// A Tensor is a dtype, a shape, element strides and a little-endian byte
// buffer. Strides are expressed in elements, not bytes. The buffer may be
// host memory or a host-visible view of device memory; the package never
// retains ownership of it beyond the Tensor value itself.
package tensor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrInvalid is returned when a tensor's layout is inconsistent.
var ErrInvalid = errors.New("tensor: invalid")

// Tensor is a strided view over a contiguous little-endian buffer.
type Tensor struct {
	DType   DType
	Shape   []int
	Strides []int
	Data    []byte
}

// RowMajorStrides returns C-order element strides for shape.
func RowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	step := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= shape[i]
	}
	return strides
}

// NumElements returns the product of shape, 1 for a scalar.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zeroed row-major tensor.
func New(dtype DType, shape ...int) *Tensor {
	shape = slices.Clone(shape)
	return &Tensor{
		DType:   dtype,
		Shape:   shape,
		Strides: RowMajorStrides(shape),
		Data:    make([]byte, NumElements(shape)*dtype.Size()),
	}
}

// FromFloat32 builds a row-major float32 tensor from values.
func FromFloat32(shape []int, values []float32) (*Tensor, error) {
	if NumElements(shape) != len(values) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrInvalid, shape, NumElements(shape), len(values))
	}
	t := New(Float32, shape...)
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(v))
	}
	return t, nil
}

// FromUint8 builds a row-major uint8 tensor from values.
func FromUint8(shape []int, values []uint8) (*Tensor, error) {
	if NumElements(shape) != len(values) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrInvalid, shape, NumElements(shape), len(values))
	}
	t := New(Uint8, shape...)
	copy(t.Data, values)
	return t, nil
}

// FromInt64 builds a row-major int64 tensor from values.
func FromInt64(shape []int, values []int64) (*Tensor, error) {
	if NumElements(shape) != len(values) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrInvalid, shape, NumElements(shape), len(values))
	}
	t := New(Int64, shape...)
	for i, v := range values {
		binary.LittleEndian.PutUint64(t.Data[i*8:], uint64(v)) //nolint:gosec // bit pattern preserved
	}
	return t, nil
}

// Len returns the number of logical elements.
func (t *Tensor) Len() int {
	return NumElements(t.Shape)
}

// ByteLen returns the minimum buffer length addressed by the tensor's strides.
func (t *Tensor) ByteLen() int {
	return extent(t.Shape, t.Strides) * t.DType.Size()
}

func extent(shape, strides []int) int {
	last := 0
	for i, d := range shape {
		if d == 0 {
			return 0
		}
		last += (d - 1) * strides[i]
	}
	return last + 1
}

// Validate checks that the dtype is known and that the strides address only
// bytes inside Data.
func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrInvalid)
	}
	if !t.DType.Valid() {
		return fmt.Errorf("%w: dtype %s", ErrInvalid, t.DType)
	}
	if len(t.Strides) != len(t.Shape) {
		return fmt.Errorf("%w: %d strides for rank %d", ErrInvalid, len(t.Strides), len(t.Shape))
	}
	for i, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dim %d at axis %d", ErrInvalid, d, i)
		}
		if t.Strides[i] < 0 {
			return fmt.Errorf("%w: negative stride at axis %d", ErrInvalid, i)
		}
	}
	if need := t.ByteLen(); len(t.Data) < need {
		return fmt.Errorf("%w: buffer holds %d bytes, layout needs %d", ErrInvalid, len(t.Data), need)
	}
	return nil
}

// IsContiguous reports whether the tensor is row-major with no gaps.
func (t *Tensor) IsContiguous() bool {
	return slices.Equal(t.Strides, RowMajorStrides(t.Shape))
}

// elementOffset maps a row-major logical index to a stride-aware element offset.
func (t *Tensor) elementOffset(i int) int {
	if t.IsContiguous() {
		return i
	}
	off := 0
	for axis := len(t.Shape) - 1; axis >= 0; axis-- {
		d := t.Shape[axis]
		off += (i % d) * t.Strides[axis]
		i /= d
	}
	return off
}

// Float64At returns logical element i converted to float64.
func (t *Tensor) Float64At(i int) float64 {
	return t.loadAt(t.elementOffset(i))
}

// SetFloat64At stores v at logical element i, converting it to the tensor dtype.
// Integer dtypes round to nearest and saturate at the dtype bounds.
func (t *Tensor) SetFloat64At(i int, v float64) {
	t.storeAt(t.elementOffset(i), v)
}

// Float32s returns the logical values in row-major order as float32.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.Len())
	for i := range out {
		out[i] = float32(t.Float64At(i))
	}
	return out
}

// Contiguous returns a row-major copy, or t itself if it is already row-major.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	out := New(t.DType, t.Shape...)
	size := t.DType.Size()
	for i := range t.Len() {
		src := t.elementOffset(i) * size
		copy(out.Data[i*size:(i+1)*size], t.Data[src:src+size])
	}
	return out
}

// Convert returns a row-major copy with dtype d.
func (t *Tensor) Convert(d DType) *Tensor {
	if d == t.DType {
		return t.Contiguous().Clone()
	}
	out := New(d, t.Shape...)
	for i := range t.Len() {
		out.storeAt(i, t.Float64At(i))
	}
	return out
}

// Bytes returns the part of Data addressed by the strides. Slack past the
// last addressable element is not part of the tensor.
func (t *Tensor) Bytes() []byte {
	n := min(t.ByteLen(), len(t.Data))
	return t.Data[:n:n]
}

// Clone returns a deep copy that preserves dtype, shape and strides.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		DType:   t.DType,
		Shape:   slices.Clone(t.Shape),
		Strides: slices.Clone(t.Strides),
		Data:    bytes.Clone(t.Bytes()),
	}
}

// Equal reports whether a and b have identical dtype, shape, strides and
// addressed bytes.
func Equal(a, b *Tensor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType == b.DType &&
		slices.Equal(a.Shape, b.Shape) &&
		slices.Equal(a.Strides, b.Strides) &&
		bytes.Equal(a.Bytes(), b.Bytes())
}

func (t *Tensor) loadAt(off int) float64 {
	size := t.DType.Size()
	b := t.Data[off*size : (off+1)*size]
	switch t.DType {
	case Bool:
		if b[0] != 0 {
			return 1
		}
		return 0
	case Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0])) //nolint:gosec // reinterpretation
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b))) //nolint:gosec // reinterpretation
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b))) //nolint:gosec // reinterpretation
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b))) //nolint:gosec // reinterpretation
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

func (t *Tensor) storeAt(off int, v float64) {
	size := t.DType.Size()
	b := t.Data[off*size : (off+1)*size]
	if !t.DType.isFloat() && t.DType != Bool {
		v = math.Round(v)
	}
	switch t.DType {
	case Bool:
		if v != 0 {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case Uint8:
		b[0] = uint8(clamp(v, 0, math.MaxUint8))
	case Int8:
		b[0] = byte(int8(clamp(v, math.MinInt8, math.MaxInt8)))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(clamp(v, 0, math.MaxUint16)))
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16)))) //nolint:gosec // two's complement
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(clamp(v, 0, math.MaxUint32)))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32)))) //nolint:gosec // two's complement
	case Uint64:
		binary.LittleEndian.PutUint64(b, saturateUint64(v))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(saturateInt64(v))) //nolint:gosec // two's complement
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// 2^64 and 2^63 are exact in float64, while MaxUint64 and MaxInt64 are not,
// so the upper bounds are compared exclusively.
const (
	twoTo64 = 1 << 64
	twoTo63 = 1 << 63
)

func saturateUint64(v float64) uint64 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= twoTo64:
		return math.MaxUint64
	default:
		return uint64(v)
	}
}

func saturateInt64(v float64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= twoTo63:
		return math.MaxInt64
	case v <= -twoTo63:
		return math.MinInt64
	default:
		return int64(v)
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

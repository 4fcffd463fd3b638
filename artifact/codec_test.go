package artifact

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tensorcache/tensor"
)

var allDTypes = []tensor.DType{
	tensor.Bool, tensor.Uint8, tensor.Int8, tensor.Uint16, tensor.Int16,
	tensor.Uint32, tensor.Int32, tensor.Uint64, tensor.Int64,
	tensor.Float32, tensor.Float64,
}

func randomTensor(r *rand.Rand, dtype tensor.DType, shape ...int) *tensor.Tensor {
	t := tensor.New(dtype, shape...)
	for i := range t.Data {
		t.Data[i] = byte(r.UintN(256))
	}
	if dtype == tensor.Bool {
		for i := range t.Data {
			t.Data[i] &= 1
		}
	}
	return t
}

func TestRoundTripAllDTypesAndShapes(t *testing.T) {
	t.Parallel()

	shapes := [][]int{{}, {0}, {1}, {7}, {3, 5}, {2, 3, 4}, {1, 16, 16}}
	r := rand.New(rand.NewPCG(1, 2))
	for _, dtype := range allDTypes {
		for _, shape := range shapes {
			a := New()
			a.Set("image", randomTensor(r, dtype, shape...))
			a.Set("label", randomTensor(r, tensor.Int64, 1))

			blob, err := Encode(a)
			require.NoError(t, err, "dtype=%s shape=%v", dtype, shape)
			got, err := Decode(blob)
			require.NoError(t, err, "dtype=%s shape=%v", dtype, shape)
			assert.True(t, Equal(a, got), "dtype=%s shape=%v", dtype, shape)
			assert.Equal(t, a.Names(), got.Names())
		}
	}
}

func TestRoundTripPreservesStrides(t *testing.T) {
	t.Parallel()

	// 2x3 tensor stored column-major.
	src := &tensor.Tensor{
		DType:   tensor.Float32,
		Shape:   []int{2, 3},
		Strides: []int{1, 2},
		Data:    tensor.New(tensor.Float32, 6).Data,
	}
	vals, err := tensor.FromFloat32([]int{6}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	copy(src.Data, vals.Data)

	a := New()
	a.Set("x", src)
	blob, err := Encode(a)
	require.NoError(t, err)
	got, err := Decode(blob)
	require.NoError(t, err)

	x, ok := got.Get("x")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, x.Strides)
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, x.Float32s())

	// Column view whose buffer extends past the last addressed element.
	col := &tensor.Tensor{DType: tensor.Float32, Shape: []int{2}, Strides: []int{3}, Data: vals.Data}
	a = New()
	a.Set("col", col)
	blob, err = Encode(a)
	require.NoError(t, err)
	got, err = Decode(blob)
	require.NoError(t, err)
	assert.True(t, Equal(a, got))

	c, ok := got.Get("col")
	require.True(t, ok)
	assert.Equal(t, []int{3}, c.Strides)
	assert.Equal(t, []float32{1, 4}, c.Float32s())
}

func TestEncodeAlignsFields(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(3, 4))
	a := New()
	a.Set("a", randomTensor(r, tensor.Uint8, 10))
	a.Set("b", randomTensor(r, tensor.Float64, 1000))
	a.Set("c", randomTensor(r, tensor.Int16, 3))

	for _, block := range []int{512, 4096} {
		blob, err := Encode(a, WithBlockSize(block))
		require.NoError(t, err)
		assert.Zero(t, len(blob)%block)

		h, err := ReadHeader(bytes.NewReader(blob), int64(len(blob)))
		require.NoError(t, err)
		assert.Equal(t, block, h.BlockSize)
		assert.True(t, h.Aligned(block))
		assert.True(t, h.Aligned(block/2))
		assert.False(t, h.Compressed())
		require.Len(t, h.Fields, 3)

		f, ok := h.Lookup("b")
		require.True(t, ok)
		assert.Equal(t, tensor.Float64, f.DType)
		assert.Equal(t, []int{1000}, f.Shape)
		assert.EqualValues(t, 8000, f.Length)
	}
}

func TestEncodeRejectsBadBlockSize(t *testing.T) {
	t.Parallel()

	for _, block := range []int{0, 3, 1000, 1 << 25} {
		_, err := Encode(New(), WithBlockSize(block))
		assert.Error(t, err, "block=%d", block)
	}
}

func TestZstdCompression(t *testing.T) {
	t.Parallel()

	a := New()
	a.Set("zeros", tensor.New(tensor.Float32, 64, 64))
	r := rand.New(rand.NewPCG(5, 6))
	a.Set("noise", randomTensor(r, tensor.Uint8, 100))

	blob, err := Encode(a, WithCompression(CompressionZstd))
	require.NoError(t, err)

	h, err := ReadHeader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	assert.True(t, h.Compressed())
	zeros, _ := h.Lookup("zeros")
	assert.Equal(t, CompressionZstd, zeros.Compression)
	noise, _ := h.Lookup("noise")
	assert.Equal(t, CompressionNone, noise.Compression, "incompressible field stays raw")

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.True(t, Equal(a, got))
}

func TestDecodeDetectsCorruption(t *testing.T) {
	t.Parallel()

	a := New()
	img, err := tensor.FromFloat32([]int{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	a.Set("image", img)
	blob, err := Encode(a)
	require.NoError(t, err)
	h, err := ReadHeader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)
	dataOff := h.Fields[0].Offset

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func([]byte) []byte { return nil }},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { b[4] = 9; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }},
		{"torn tail", func(b []byte) []byte { return b[:dataOff] }},
		{"flipped data", func(b []byte) []byte { b[dataOff] ^= 0xff; return b }},
		{"huge header", func(b []byte) []byte { b[8], b[9], b[10], b[11] = 0xff, 0xff, 0xff, 0x7f; return b }},
		{"garbage header", func(b []byte) []byte {
			for i := preambleSize; i < preambleSize+16; i++ {
				b[i] = 0xff
			}
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.mutate(bytes.Clone(blob)))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestArtifactOrderAndDelete(t *testing.T) {
	t.Parallel()

	a := New()
	a.Set("b", tensor.New(tensor.Uint8, 1))
	a.Set("a", tensor.New(tensor.Uint8, 1))
	a.Set("b", tensor.New(tensor.Uint8, 2))
	assert.Equal(t, []string{"b", "a"}, a.Names())

	a.Delete("b")
	a.Delete("missing")
	assert.Equal(t, []string{"a"}, a.Names())
	assert.Equal(t, 1, a.Len())

	c := a.Clone()
	x, _ := c.Get("a")
	x.Data[0] = 9
	orig, _ := a.Get("a")
	assert.Zero(t, orig.Data[0])
}

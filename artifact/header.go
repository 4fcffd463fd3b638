package artifact

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/meigma/tensorcache/artifact/internal/fb"
	"github.com/meigma/tensorcache/tensor"
)

const (
	// FormatVersion is the layout version written by Encode.
	FormatVersion = 1

	// DefaultBlockSize is the default field alignment (4 KiB), the usual
	// minimum block size for direct storage-to-device reads.
	DefaultBlockSize = 4096

	// MaxHeaderSize bounds the header read before any field is touched.
	MaxHeaderSize = 16 << 20

	// MaxFieldSize bounds a single decoded field buffer (4 GiB).
	MaxFieldSize = 4 << 30

	preambleSize = 16
)

var magic = [4]byte{'T', 'C', 'A', 'F'}

// ErrCorrupt is returned when an encoded artifact fails structural or
// checksum validation.
var ErrCorrupt = errors.New("artifact: corrupt")

// FieldInfo describes one field buffer inside an encoded artifact.
type FieldInfo struct {
	Name         string
	DType        tensor.DType
	Shape        []int
	Strides      []int
	Offset       int64 // absolute file offset of the stored bytes
	Length       int64 // decoded byte length
	StoredLength int64 // bytes on disk, before block padding
	Compression  Compression
	Checksum     uint64 // xxhash64 of the stored bytes
}

// PaddedLength returns the stored length rounded up to blockSize.
func (f FieldInfo) PaddedLength(blockSize int) int64 {
	return alignUp(f.StoredLength, int64(blockSize))
}

// Verify checks stored against the recorded length and checksum.
func (f FieldInfo) Verify(stored []byte) error {
	if int64(len(stored)) != f.StoredLength {
		return fmt.Errorf("%w: field %q holds %d stored bytes, header records %d", ErrCorrupt, f.Name, len(stored), f.StoredLength)
	}
	if sum := xxhash.Sum64(stored); sum != f.Checksum {
		return fmt.Errorf("%w: field %q checksum %016x, header records %016x", ErrCorrupt, f.Name, sum, f.Checksum)
	}
	return nil
}

// Tensor builds the tensor described by f over data, which must be the
// decoded (uncompressed) bytes. data is aliased, not copied.
func (f FieldInfo) Tensor(data []byte) (*tensor.Tensor, error) {
	if int64(len(data)) != f.Length {
		return nil, fmt.Errorf("%w: field %q decoded to %d bytes, header records %d", ErrCorrupt, f.Name, len(data), f.Length)
	}
	t := &tensor.Tensor{
		DType:   f.DType,
		Shape:   slices.Clone(f.Shape),
		Strides: slices.Clone(f.Strides),
		Data:    data[:len(data):len(data)],
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", ErrCorrupt, f.Name, err)
	}
	if int64(t.ByteLen()) != f.Length {
		return nil, fmt.Errorf("%w: field %q layout needs %d bytes, header records %d", ErrCorrupt, f.Name, t.ByteLen(), f.Length)
	}
	return t, nil
}

// Header is the parsed field table of an encoded artifact.
type Header struct {
	Version   uint32
	BlockSize int
	DataStart int64
	Size      int64
	Fields    []FieldInfo
}

// Lookup returns the field named name.
func (h *Header) Lookup(name string) (FieldInfo, bool) {
	for _, f := range h.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldInfo{}, false
}

// Compressed reports whether any field is stored compressed.
func (h *Header) Compressed() bool {
	return slices.ContainsFunc(h.Fields, func(f FieldInfo) bool {
		return f.Compression != CompressionNone
	})
}

// Aligned reports whether every field buffer starts on a multiple of
// alignment and the block size itself is a multiple of alignment.
func (h *Header) Aligned(alignment int) bool {
	if alignment <= 0 || h.BlockSize%alignment != 0 {
		return false
	}
	for _, f := range h.Fields {
		if f.Offset%int64(alignment) != 0 {
			return false
		}
	}
	return true
}

// ReadHeader parses the preamble and header of an encoded artifact of the
// given total size without reading any field data.
func ReadHeader(r io.ReaderAt, size int64) (*Header, error) {
	if size < preambleSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the preamble", ErrCorrupt, size)
	}
	var pre [preambleSize]byte
	if _, err := r.ReadAt(pre[:], 0); err != nil {
		return nil, fmt.Errorf("read artifact preamble: %w", err)
	}
	if [4]byte(pre[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(pre[4:]); v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, v)
	}
	headerLen := int64(binary.LittleEndian.Uint32(pre[8:]))
	blockSize := int64(binary.LittleEndian.Uint32(pre[12:]))
	if headerLen == 0 || headerLen > MaxHeaderSize || preambleSize+headerLen > size {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrCorrupt, headerLen)
	}
	if !validBlockSize(int(blockSize)) {
		return nil, fmt.Errorf("%w: block size %d", ErrCorrupt, blockSize)
	}

	raw := make([]byte, headerLen)
	if _, err := r.ReadAt(raw, preambleSize); err != nil {
		return nil, fmt.Errorf("read artifact header: %w", err)
	}

	h, err := parseHeader(raw, blockSize, size)
	if err != nil {
		return nil, err
	}
	h.DataStart = alignUp(preambleSize+headerLen, blockSize)
	for i := range h.Fields {
		f := &h.Fields[i]
		f.Offset += h.DataStart
		if f.Offset < h.DataStart || f.StoredLength < 0 || f.Offset+f.PaddedLength(h.BlockSize) > size {
			return nil, fmt.Errorf("%w: field %q lies outside the file", ErrCorrupt, f.Name)
		}
	}
	return h, nil
}

func parseHeader(raw []byte, blockSize, size int64) (h *Header, err error) {
	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = fmt.Errorf("%w: failed to parse header: %v", ErrCorrupt, r)
		}
	}()

	root := fb.GetRootAsHeader(raw, 0)
	if int64(root.BlockSize()) != blockSize {
		return nil, fmt.Errorf("%w: header block size %d disagrees with preamble %d", ErrCorrupt, root.BlockSize(), blockSize)
	}
	if int64(root.TotalSize()) != size { //nolint:gosec // compared, not converted back
		return nil, fmt.Errorf("%w: header records %d bytes, file has %d", ErrCorrupt, root.TotalSize(), size)
	}

	h = &Header{
		Version:   root.Version(),
		BlockSize: int(blockSize),
		Size:      size,
		Fields:    make([]FieldInfo, 0, root.FieldsLength()),
	}
	var f fb.Field
	for i := range root.FieldsLength() {
		if !root.Fields(&f, i) {
			return nil, fmt.Errorf("%w: missing field %d", ErrCorrupt, i)
		}
		info, err := fieldInfo(&f)
		if err != nil {
			return nil, err
		}
		h.Fields = append(h.Fields, info)
	}
	return h, nil
}

func fieldInfo(f *fb.Field) (FieldInfo, error) {
	name := string(f.Name())
	if name == "" {
		return FieldInfo{}, fmt.Errorf("%w: unnamed field", ErrCorrupt)
	}
	dtype := tensor.DType(f.Dtype())
	if !dtype.Valid() {
		return FieldInfo{}, fmt.Errorf("%w: field %q has dtype tag %d", ErrCorrupt, name, f.Dtype())
	}
	if f.ShapeLength() != f.StridesLength() {
		return FieldInfo{}, fmt.Errorf("%w: field %q has rank %d but %d strides", ErrCorrupt, name, f.ShapeLength(), f.StridesLength())
	}
	if f.Length() > MaxFieldSize || f.StoredLength() > MaxFieldSize || f.Offset() > MaxFieldSize<<8 {
		return FieldInfo{}, fmt.Errorf("%w: field %q exceeds size limits", ErrCorrupt, name)
	}
	comp := Compression(f.Compression())
	if comp != CompressionNone && comp != CompressionZstd {
		return FieldInfo{}, fmt.Errorf("%w: field %q uses compression tag %d", ErrCorrupt, name, f.Compression())
	}
	if comp == CompressionNone && f.Length() != f.StoredLength() {
		return FieldInfo{}, fmt.Errorf("%w: uncompressed field %q has mismatched lengths", ErrCorrupt, name)
	}
	shape := make([]int, f.ShapeLength())
	strides := make([]int, f.StridesLength())
	for i := range shape {
		shape[i] = int(f.Shape(i))
		strides[i] = int(f.Strides(i))
	}
	return FieldInfo{
		Name:         name,
		DType:        dtype,
		Shape:        shape,
		Strides:      strides,
		Offset:       int64(f.Offset()),       //nolint:gosec // bounded above
		Length:       int64(f.Length()),       //nolint:gosec // bounded above
		StoredLength: int64(f.StoredLength()), //nolint:gosec // bounded above
		Compression:  comp,
		Checksum:     f.Checksum(),
	}, nil
}

func validBlockSize(n int) bool {
	return n >= 8 && n <= 1<<24 && n&(n-1) == 0
}

func alignUp(n, block int64) int64 {
	if block <= 0 {
		return n
	}
	return (n + block - 1) / block * block
}

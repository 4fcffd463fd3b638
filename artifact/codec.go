package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/meigma/tensorcache/artifact/internal/fb"
)

// Option configures Encode.
type Option func(*encodeConfig)

type encodeConfig struct {
	blockSize   int
	compression Compression
}

// WithBlockSize sets the field alignment. It must be a power of two
// between 8 bytes and 16 MiB. Defaults to DefaultBlockSize.
func WithBlockSize(n int) Option {
	return func(c *encodeConfig) {
		c.blockSize = n
	}
}

// WithCompression sets the compression applied to field buffers.
// A field is stored compressed only when that saves at least one block.
func WithCompression(comp Compression) Option {
	return func(c *encodeConfig) {
		c.compression = comp
	}
}

type encodedField struct {
	info   FieldInfo
	stored []byte
}

// Encode renders a as a block-aligned blob.
func Encode(a *Artifact, opts ...Option) ([]byte, error) {
	cfg := encodeConfig{blockSize: DefaultBlockSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !validBlockSize(cfg.blockSize) {
		return nil, fmt.Errorf("artifact: block size %d must be a power of two in [8, 16MiB]", cfg.blockSize)
	}
	if a == nil {
		return nil, errors.New("artifact: nil artifact")
	}
	block := int64(cfg.blockSize)

	fields := make([]encodedField, 0, a.Len())
	var rel int64
	for name, t := range a.All() {
		if name == "" {
			return nil, errors.New("artifact: empty field name")
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("artifact: field %q: %w", name, err)
		}
		raw := t.Bytes()
		if int64(len(raw)) > MaxFieldSize {
			return nil, fmt.Errorf("artifact: field %q is %d bytes, limit is %d", name, len(raw), int64(MaxFieldSize))
		}
		stored, comp, err := compressField(raw, cfg.compression, block)
		if err != nil {
			return nil, fmt.Errorf("artifact: compress field %q: %w", name, err)
		}
		info := FieldInfo{
			Name:         name,
			DType:        t.DType,
			Shape:        t.Shape,
			Strides:      t.Strides,
			Offset:       rel,
			Length:       int64(len(raw)),
			StoredLength: int64(len(stored)),
			Compression:  comp,
			Checksum:     xxhash.Sum64(stored),
		}
		rel += info.PaddedLength(cfg.blockSize)
		fields = append(fields, encodedField{info: info, stored: stored})
	}

	header := buildHeader(fields, cfg.blockSize)
	if len(header) > MaxHeaderSize {
		return nil, fmt.Errorf("artifact: header is %d bytes, limit is %d", len(header), MaxHeaderSize)
	}
	dataStart := alignUp(preambleSize+int64(len(header)), block)
	total := dataStart + rel
	fb.GetRootAsHeader(header, 0).MutateTotalSize(uint64(total)) //nolint:gosec // total is positive

	out := make([]byte, total)
	copy(out[:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:], FormatVersion)
	binary.LittleEndian.PutUint16(out[6:], 0)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(header)))   //nolint:gosec // bounded by MaxHeaderSize
	binary.LittleEndian.PutUint32(out[12:], uint32(cfg.blockSize)) //nolint:gosec // validated above
	copy(out[preambleSize:], header)
	for _, f := range fields {
		copy(out[dataStart+f.info.Offset:], f.stored)
	}
	return out, nil
}

// buildHeader writes the FlatBuffers field table. TotalSize is written as a
// non-zero placeholder so the slot is present for MutateTotalSize.
func buildHeader(fields []encodedField, blockSize int) []byte {
	builder := flatbuffers.NewBuilder(256 + 128*len(fields))

	offsets := make([]flatbuffers.UOffsetT, len(fields))
	for i, f := range fields {
		name := builder.CreateString(f.info.Name)

		fb.FieldStartShapeVector(builder, len(f.info.Shape))
		for j := len(f.info.Shape) - 1; j >= 0; j-- {
			builder.PrependInt64(int64(f.info.Shape[j]))
		}
		shape := builder.EndVector(len(f.info.Shape))

		fb.FieldStartStridesVector(builder, len(f.info.Strides))
		for j := len(f.info.Strides) - 1; j >= 0; j-- {
			builder.PrependInt64(int64(f.info.Strides[j]))
		}
		strides := builder.EndVector(len(f.info.Strides))

		fb.FieldStart(builder)
		fb.FieldAddName(builder, name)
		fb.FieldAddDtype(builder, byte(f.info.DType))
		fb.FieldAddShape(builder, shape)
		fb.FieldAddStrides(builder, strides)
		fb.FieldAddOffset(builder, uint64(f.info.Offset))             //nolint:gosec // non-negative
		fb.FieldAddLength(builder, uint64(f.info.Length))             //nolint:gosec // non-negative
		fb.FieldAddStoredLength(builder, uint64(f.info.StoredLength)) //nolint:gosec // non-negative
		fb.FieldAddCompression(builder, byte(f.info.Compression))
		fb.FieldAddChecksum(builder, f.info.Checksum)
		offsets[i] = fb.FieldEnd(builder)
	}

	fb.HeaderStartFieldsVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	vec := builder.EndVector(len(offsets))

	fb.HeaderStart(builder)
	fb.HeaderAddVersion(builder, FormatVersion)
	fb.HeaderAddBlockSize(builder, uint32(blockSize)) //nolint:gosec // validated by caller
	fb.HeaderAddTotalSize(builder, 1)
	fb.HeaderAddFields(builder, vec)
	fb.FinishHeaderBuffer(builder, fb.HeaderEnd(builder))
	return builder.FinishedBytes()
}

func compressField(raw []byte, comp Compression, block int64) ([]byte, Compression, error) {
	switch comp {
	case CompressionNone:
		return raw, CompressionNone, nil
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, CompressionNone, err
		}
		packed := enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
		if alignUp(int64(len(packed)), block) >= alignUp(int64(len(raw)), block) {
			return raw, CompressionNone, nil
		}
		return packed, CompressionZstd, nil
	default:
		return nil, CompressionNone, fmt.Errorf("unknown compression %d", comp)
	}
}

// Decode parses an encoded artifact. Tensor buffers of uncompressed fields
// alias b.
func Decode(b []byte) (*Artifact, error) {
	h, err := ReadHeader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, err
	}
	a := New()
	for _, f := range h.Fields {
		stored := b[f.Offset : f.Offset+f.StoredLength]
		data, err := DecodeField(f, stored)
		if err != nil {
			return nil, err
		}
		t, err := f.Tensor(data)
		if err != nil {
			return nil, err
		}
		a.Set(f.Name, t)
	}
	return a, nil
}

// DecodeField verifies stored and returns the decoded field bytes.
// Uncompressed fields are returned as is.
func DecodeField(f FieldInfo, stored []byte) ([]byte, error) {
	if err := f.Verify(stored); err != nil {
		return nil, err
	}
	switch f.Compression {
	case CompressionNone:
		return stored, nil
	case CompressionZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, err
		}
		data, err := dec.DecodeAll(stored, make([]byte, 0, f.Length))
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrCorrupt, f.Name, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: field %q uses compression %d", ErrCorrupt, f.Name, f.Compression)
	}
}

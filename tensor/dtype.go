package tensor

import "fmt"

// DType identifies the element type of a tensor.
//
// The numeric values are persisted in artifact headers and must never be
// renumbered.
type DType uint8

const (
	Invalid DType = iota
	Bool
	Uint8
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Uint64
	Int64
	Float32
	Float64
)

var dtypeNames = [...]string{
	Invalid: "invalid",
	Bool:    "bool",
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Uint64:  "uint64",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

// Valid reports whether d is a known, non-invalid dtype.
func (d DType) Valid() bool {
	return d > Invalid && d <= Float64
}

// Size returns the element size in bytes, or 0 for an invalid dtype.
func (d DType) Size() int {
	switch d {
	case Bool, Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	default:
		return 0
	}
}

// String returns the lowercase dtype name.
func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// ParseDType resolves a dtype name as returned by String.
func ParseDType(s string) (DType, error) {
	for i, name := range dtypeNames {
		if i != int(Invalid) && name == s {
			return DType(i), nil
		}
	}
	return Invalid, fmt.Errorf("%w: unknown dtype %q", ErrInvalid, s)
}

func (d DType) isFloat() bool {
	return d == Float32 || d == Float64
}

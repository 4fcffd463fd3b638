// Package device models compute devices that receive artifact tensors.
//
// A Device allocates Memory and accepts host-to-device copies. Devices that
// can read files straight into their memory, bypassing a host bounce buffer,
// also expose DirectStorage. The host CPU is a Device whose memory is plain
// process memory.
package device

import (
	"errors"
	"io"
	"os"
)

var (
	// ErrOutOfMemory is returned when an allocation exceeds the device budget.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrReleased is returned when released memory is used.
	ErrReleased = errors.New("device: memory released")

	// ErrForeignMemory is returned when memory is handed to a device that did
	// not allocate it.
	ErrForeignMemory = errors.New("device: memory belongs to another device")

	// ErrUnaligned is returned when a direct read offset or length is not a
	// multiple of the device alignment.
	ErrUnaligned = errors.New("device: unaligned direct read")

	// ErrUnsupportedPath is returned when direct reads are not possible on
	// the filesystem holding a path.
	ErrUnsupportedPath = errors.New("device: direct storage unsupported for path")
)

// Device is a compute device.
type Device interface {
	// Name identifies the device in logs.
	Name() string

	// Alloc reserves n bytes of device memory.
	Alloc(n int) (Memory, error)

	// CopyFromHost copies src into the start of dst.
	CopyFromHost(dst Memory, src []byte) error
}

// Memory is a device allocation.
type Memory interface {
	// Bytes returns the addressable contents, or nil once released.
	Bytes() []byte

	// Len returns the allocation size.
	Len() int

	// Device returns the owning device.
	Device() Device

	// Release frees the allocation. It is safe to call more than once.
	Release()
}

// DirectStorage is implemented by devices that can read from storage
// directly into device memory.
type DirectStorage interface {
	// Alignment is the required granularity of offsets and lengths.
	Alignment() int

	// SupportsPath reports whether files under path can be read directly.
	SupportsPath(path string) error

	// ReadDirect fills dst from f starting at off.
	ReadDirect(f *os.File, dst Memory, off int64) (int, error)
}

// directer is implemented by devices whose direct capability is optional.
type directer interface {
	Direct() (DirectStorage, bool)
}

// AsDirect returns the direct storage capability of d, if any.
func AsDirect(d Device) (DirectStorage, bool) {
	if d == nil {
		return nil, false
	}
	if dr, ok := d.(directer); ok {
		return dr.Direct()
	}
	ds, ok := d.(DirectStorage)
	return ds, ok
}

// Release frees every allocation in mems.
func Release(mems ...Memory) {
	for _, m := range mems {
		if m != nil {
			m.Release()
		}
	}
}

// readFull reads len(dst) bytes at off. Hitting the end of the file after
// a full read is not an error.
func readFull(f *os.File, dst []byte, off int64) (int, error) {
	n, err := f.ReadAt(dst, off)
	if n == len(dst) {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

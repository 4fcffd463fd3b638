package device

import (
	"fmt"
	"sync/atomic"
)

// HostName is the name reported by the host device.
const HostName = "cpu"

// Host is the CPU. Its memory is ordinary process memory and it has no
// direct storage path.
type Host struct{}

var _ Device = Host{}

// Name implements Device.
func (Host) Name() string { return HostName }

// Alloc implements Device.
func (h Host) Alloc(n int) (Memory, error) {
	if n < 0 {
		return nil, fmt.Errorf("device: negative allocation %d", n)
	}
	return h.Wrap(make([]byte, n)), nil
}

// CopyFromHost implements Device.
func (Host) CopyFromHost(dst Memory, src []byte) error {
	return copyInto(dst, src, HostName)
}

// Wrap adopts b as host memory without copying.
func (Host) Wrap(b []byte) Memory {
	m := &hostMemory{}
	m.buf.Store(&b)
	return m
}

// IsHost reports whether d is the host device.
func IsHost(d Device) bool {
	_, ok := d.(Host)
	return ok
}

type hostMemory struct {
	buf atomic.Pointer[[]byte]
}

func (m *hostMemory) Bytes() []byte {
	if p := m.buf.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *hostMemory) Len() int {
	if p := m.buf.Load(); p != nil {
		return len(*p)
	}
	return 0
}

func (m *hostMemory) Device() Device { return Host{} }

func (m *hostMemory) Release() { m.buf.Store(nil) }

func copyInto(dst Memory, src []byte, name string) error {
	if dst == nil {
		return fmt.Errorf("device %s: nil destination", name)
	}
	if dst.Device().Name() != name {
		return fmt.Errorf("%w: %s into %s", ErrForeignMemory, dst.Device().Name(), name)
	}
	buf := dst.Bytes()
	if buf == nil {
		return ErrReleased
	}
	if len(src) > len(buf) {
		return fmt.Errorf("device %s: copy of %d bytes into %d byte allocation", name, len(src), len(buf))
	}
	copy(buf, src)
	return nil
}

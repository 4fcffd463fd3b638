package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Simulated is an accelerator model backed by host memory. It enforces an
// allocation budget, tracks live allocations and can optionally expose a
// direct storage path with an alignment requirement.
type Simulated struct {
	name     string
	capacity int64 // 0 = unlimited

	mu        sync.Mutex
	liveBytes int64
	live      int

	direct      bool
	alignment   int
	unsupported []string

	allocs      atomic.Int64
	hostCopies  atomic.Int64
	directReads atomic.Int64
}

// SimOption configures a Simulated device.
type SimOption func(*Simulated)

// WithCapacity limits the bytes that may be allocated at once.
func WithCapacity(n int64) SimOption {
	return func(s *Simulated) {
		s.capacity = n
	}
}

// WithDirect enables the direct storage path with the given alignment.
func WithDirect(alignment int) SimOption {
	return func(s *Simulated) {
		s.direct = true
		s.alignment = alignment
	}
}

// WithUnsupportedPaths marks directory prefixes on which direct reads are
// refused, as if they lived on an unsupported filesystem.
func WithUnsupportedPaths(prefixes ...string) SimOption {
	return func(s *Simulated) {
		for _, p := range prefixes {
			s.unsupported = append(s.unsupported, filepath.Clean(p))
		}
	}
}

// NewSimulated returns a simulated device.
func NewSimulated(name string, opts ...SimOption) *Simulated {
	s := &Simulated{name: name}
	for _, opt := range opts {
		opt(s)
	}
	if s.direct && s.alignment <= 0 {
		s.alignment = 1
	}
	return s
}

// SimStats is a snapshot of simulated device activity.
type SimStats struct {
	Allocs      int64
	Live        int
	LiveBytes   int64
	HostCopies  int64
	DirectReads int64
}

// Stats returns current counters.
func (s *Simulated) Stats() SimStats {
	s.mu.Lock()
	live, liveBytes := s.live, s.liveBytes
	s.mu.Unlock()
	return SimStats{
		Allocs:      s.allocs.Load(),
		Live:        live,
		LiveBytes:   liveBytes,
		HostCopies:  s.hostCopies.Load(),
		DirectReads: s.directReads.Load(),
	}
}

// Name implements Device.
func (s *Simulated) Name() string { return s.name }

// Alloc implements Device.
func (s *Simulated) Alloc(n int) (Memory, error) {
	if n < 0 {
		return nil, fmt.Errorf("device %s: negative allocation %d", s.name, n)
	}
	s.mu.Lock()
	if s.capacity > 0 && s.liveBytes+int64(n) > s.capacity {
		used := s.liveBytes
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d of %d bytes in use, requested %d", ErrOutOfMemory, s.name, used, s.capacity, n)
	}
	s.liveBytes += int64(n)
	s.live++
	s.mu.Unlock()

	s.allocs.Add(1)
	return &simMemory{dev: s, buf: make([]byte, n)}, nil
}

// CopyFromHost implements Device.
func (s *Simulated) CopyFromHost(dst Memory, src []byte) error {
	if err := s.own(dst); err != nil {
		return err
	}
	if err := copyInto(dst, src, s.name); err != nil {
		return err
	}
	s.hostCopies.Add(1)
	return nil
}

// Direct returns the direct storage capability when enabled.
func (s *Simulated) Direct() (DirectStorage, bool) {
	if !s.direct {
		return nil, false
	}
	return simDirect{s}, true
}

func (s *Simulated) own(m Memory) error {
	sm, ok := m.(*simMemory)
	if !ok || sm.dev != s {
		return fmt.Errorf("%w: expected %s", ErrForeignMemory, s.name)
	}
	return nil
}

func (s *Simulated) free(n int) {
	s.mu.Lock()
	s.liveBytes -= int64(n)
	s.live--
	s.mu.Unlock()
}

type simMemory struct {
	dev      *Simulated
	once     sync.Once
	released atomic.Bool
	buf      []byte
}

func (m *simMemory) Bytes() []byte {
	if m.released.Load() {
		return nil
	}
	return m.buf
}

func (m *simMemory) Len() int { return len(m.buf) }

func (m *simMemory) Device() Device { return m.dev }

func (m *simMemory) Release() {
	m.once.Do(func() {
		m.released.Store(true)
		m.dev.free(len(m.buf))
	})
}

type simDirect struct {
	s *Simulated
}

func (d simDirect) Alignment() int { return d.s.alignment }

func (d simDirect) SupportsPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	for _, prefix := range d.s.unsupported {
		p, err := filepath.Abs(prefix)
		if err != nil {
			continue
		}
		if abs == p || strings.HasPrefix(abs, p+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s", ErrUnsupportedPath, path)
		}
	}
	return nil
}

func (d simDirect) ReadDirect(f *os.File, dst Memory, off int64) (int, error) {
	if err := d.s.own(dst); err != nil {
		return 0, err
	}
	buf := dst.Bytes()
	if buf == nil {
		return 0, ErrReleased
	}
	align := int64(d.s.alignment)
	if off%align != 0 || int64(len(buf))%align != 0 {
		return 0, fmt.Errorf("%w: offset %d length %d alignment %d", ErrUnaligned, off, len(buf), align)
	}
	if err := d.SupportsPath(f.Name()); err != nil {
		return 0, err
	}
	n, err := readFull(f, buf, off)
	if err != nil {
		return n, fmt.Errorf("device %s: direct read %s: %w", d.s.name, f.Name(), err)
	}
	d.s.directReads.Add(1)
	return n, nil
}

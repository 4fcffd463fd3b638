package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostAllocAndCopy(t *testing.T) {
	t.Parallel()

	var h Host
	mem, err := h.Alloc(4)
	require.NoError(t, err)
	require.NoError(t, h.CopyFromHost(mem, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3, 0}, mem.Bytes())
	assert.True(t, IsHost(mem.Device()))

	assert.Error(t, h.CopyFromHost(mem, make([]byte, 5)))

	mem.Release()
	mem.Release()
	assert.Nil(t, mem.Bytes())
	assert.ErrorIs(t, h.CopyFromHost(mem, []byte{1}), ErrReleased)

	_, ok := AsDirect(h)
	assert.False(t, ok)
}

func TestHostWrapAliases(t *testing.T) {
	t.Parallel()

	buf := []byte{9, 9}
	mem := Host{}.Wrap(buf)
	mem.Bytes()[0] = 1
	assert.Equal(t, byte(1), buf[0])
	assert.Equal(t, 2, mem.Len())
}

func TestSimulatedBudget(t *testing.T) {
	t.Parallel()

	dev := NewSimulated("sim0", WithCapacity(10))
	a, err := dev.Alloc(6)
	require.NoError(t, err)
	_, err = dev.Alloc(6)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	stats := dev.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.EqualValues(t, 6, stats.LiveBytes)

	a.Release()
	a.Release()
	assert.Equal(t, 0, dev.Stats().Live)
	assert.Zero(t, dev.Stats().LiveBytes)

	b, err := dev.Alloc(10)
	require.NoError(t, err)
	defer b.Release()
	require.NoError(t, dev.CopyFromHost(b, []byte("0123456789")))
	assert.EqualValues(t, 1, dev.Stats().HostCopies)
}

func TestSimulatedRejectsForeignMemory(t *testing.T) {
	t.Parallel()

	one := NewSimulated("sim0")
	two := NewSimulated("sim1")
	mem, err := one.Alloc(1)
	require.NoError(t, err)
	assert.ErrorIs(t, two.CopyFromHost(mem, []byte{1}), ErrForeignMemory)

	host, err := Host{}.Alloc(1)
	require.NoError(t, err)
	assert.ErrorIs(t, one.CopyFromHost(host, []byte{1}), ErrForeignMemory)
}

func TestSimulatedDirect(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, content, 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	plain := NewSimulated("plain")
	_, ok := AsDirect(plain)
	assert.False(t, ok)

	dev := NewSimulated("sim0", WithDirect(8))
	ds, ok := AsDirect(dev)
	require.True(t, ok)
	assert.Equal(t, 8, ds.Alignment())
	require.NoError(t, ds.SupportsPath(dir))

	mem, err := dev.Alloc(16)
	require.NoError(t, err)
	n, err := ds.ReadDirect(f, mem, 8)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, content[8:24], mem.Bytes())
	assert.EqualValues(t, 1, dev.Stats().DirectReads)

	_, err = ds.ReadDirect(f, mem, 4)
	assert.ErrorIs(t, err, ErrUnaligned)

	odd, err := dev.Alloc(12)
	require.NoError(t, err)
	_, err = ds.ReadDirect(f, odd, 0)
	assert.ErrorIs(t, err, ErrUnaligned)

	past, err := dev.Alloc(16)
	require.NoError(t, err)
	_, err = ds.ReadDirect(f, past, 24)
	assert.Error(t, err, "short read")
}

func TestSimulatedUnsupportedPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dev := NewSimulated("sim0", WithDirect(8), WithUnsupportedPaths(dir))
	ds, ok := AsDirect(dev)
	require.True(t, ok)
	assert.ErrorIs(t, ds.SupportsPath(dir), ErrUnsupportedPath)
	assert.ErrorIs(t, ds.SupportsPath(filepath.Join(dir, "a", "b")), ErrUnsupportedPath)
	assert.NoError(t, ds.SupportsPath(dir+"-other"))
}

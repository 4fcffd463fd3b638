package transport

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
)

func mixedArtifact(t *testing.T) *artifact.Artifact {
	t.Helper()
	img := make([]float32, 3*5*7)
	for i := range img {
		img[i] = float32(i) * 0.25
	}
	image, err := tensor.FromFloat32([]int{3, 5, 7}, img)
	require.NoError(t, err)
	label, err := tensor.FromUint8([]int{5, 7}, bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, 5))
	require.NoError(t, err)
	ids, err := tensor.FromInt64([]int{2}, []int64{-1, 1 << 40})
	require.NoError(t, err)

	// Column view of a 2x3 matrix: shape [3 2], strides [1 3].
	base, err := tensor.FromFloat32([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	view := &tensor.Tensor{DType: tensor.Float32, Shape: []int{3, 2}, Strides: []int{1, 3}, Data: base.Data}

	a := artifact.New()
	a.Set("image", image)
	a.Set("label", label)
	a.Set("ids", ids)
	a.Set("view", view)
	a.Set("empty", tensor.New(tensor.Float64, 0))
	return a
}

func writeArtifact(t *testing.T, dir string, a *artifact.Artifact, opts ...artifact.Option) store.Location {
	t.Helper()
	blob, err := artifact.Encode(a, opts...)
	require.NoError(t, err)
	path := filepath.Join(dir, "entry"+store.Ext)
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	return store.Location{Path: path, Size: int64(len(blob))}
}

func TestStrategiesAreEquivalent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	want := mixedArtifact(t)
	loc := writeArtifact(t, dir, want)

	dev := device.NewSimulated("sim0", device.WithDirect(512))
	direct, err := NewDirect(dev, dir, artifact.DefaultBlockSize)
	require.NoError(t, err)

	cases := []struct {
		name     string
		strategy Strategy
		dev      device.Device
	}{
		{"host-staged on host", HostStaged{}, device.Host{}},
		{"host-staged on accelerator", HostStaged{}, dev},
		{"direct on accelerator", direct, dev},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := tc.strategy.Load(context.Background(), loc, tc.dev)
			require.NoError(t, err)
			defer d.Release()
			assert.Equal(t, tc.dev.Name(), d.Device.Name())
			assert.True(t, artifact.Equal(want, d.Artifact))
			assert.Equal(t, want.Names(), d.Artifact.Names())
			view, ok := d.Artifact.Get("view")
			require.True(t, ok)
			assert.Equal(t, []int{1, 3}, view.Strides)
		})
	}
	assert.Greater(t, dev.Stats().DirectReads, int64(0))
	assert.Zero(t, dev.Stats().Live, "every delivery released")
}

func TestDeliveryReleaseFreesDeviceMemory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	loc := writeArtifact(t, dir, mixedArtifact(t))
	dev := device.NewSimulated("sim0")

	d, err := HostStaged{}.Load(context.Background(), loc, dev)
	require.NoError(t, err)
	assert.Positive(t, dev.Stats().Live)
	d.Release()
	d.Release()
	assert.Zero(t, dev.Stats().Live)
	assert.Zero(t, dev.Stats().LiveBytes)
}

func TestNewDirectUnsupported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name      string
		dev       device.Device
		blockSize int
	}{
		{"host", device.Host{}, 4096},
		{"no direct path", device.NewSimulated("sim0"), 4096},
		{"unsupported filesystem", device.NewSimulated("sim0", device.WithDirect(512), device.WithUnsupportedPaths(dir)), 4096},
		{"block size below alignment", device.NewSimulated("sim0", device.WithDirect(4096)), 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDirect(tt.dev, dir, tt.blockSize)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsupportedTransport)
			var unsupported *UnsupportedTransportError
			require.ErrorAs(t, err, &unsupported)
			assert.Equal(t, DirectName, unsupported.Strategy)
		})
	}
}

func TestDirectRejectsCompressedAndMisaligned(t *testing.T) {
	t.Parallel()

	dev := device.NewSimulated("sim0", device.WithDirect(4096))
	big := artifact.New()
	big.Set("zeros", tensor.New(tensor.Float32, 64, 64))

	compressedDir := t.TempDir()
	compressed := writeArtifact(t, compressedDir, big, artifact.WithCompression(artifact.CompressionZstd))
	direct, err := NewDirect(dev, compressedDir, 4096)
	require.NoError(t, err)
	_, err = direct.Load(context.Background(), compressed, dev)
	assert.ErrorIs(t, err, ErrUnsupportedTransport)

	smallDir := t.TempDir()
	misaligned := writeArtifact(t, smallDir, big, artifact.WithBlockSize(512))
	_, err = direct.Load(context.Background(), misaligned, dev)
	assert.ErrorIs(t, err, ErrUnsupportedTransport)

	fb := NewFallback(direct, HostStaged{}, nil)
	for _, loc := range []store.Location{compressed, misaligned} {
		d, err := fb.Load(context.Background(), loc, dev)
		require.NoError(t, err)
		assert.True(t, artifact.Equal(big, d.Artifact))
		d.Release()
	}
	assert.Zero(t, dev.Stats().Live)
}

func TestCorruptArtifactFailsBothStrategies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	loc := writeArtifact(t, dir, mixedArtifact(t))
	data, err := os.ReadFile(loc.Path)
	require.NoError(t, err)
	data[len(data)-artifact.DefaultBlockSize] ^= 0xff // inside the last field block
	require.NoError(t, os.WriteFile(loc.Path, data, 0o600))

	dev := device.NewSimulated("sim0", device.WithDirect(512))
	direct, err := NewDirect(dev, dir, artifact.DefaultBlockSize)
	require.NoError(t, err)

	_, err = HostStaged{}.Load(context.Background(), loc, dev)
	assert.ErrorIs(t, err, artifact.ErrCorrupt)
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.True(t, store.Recoverable(err))
	_, err = direct.Load(context.Background(), loc, dev)
	assert.ErrorIs(t, err, artifact.ErrCorrupt)
	assert.ErrorIs(t, err, store.ErrStorage)
	var storageErr *store.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "decode", storageErr.Op)
	assert.Zero(t, dev.Stats().Live)

	_, err = HostStaged{}.Load(context.Background(), store.Location{Path: filepath.Join(dir, "missing")}, dev)
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.True(t, store.Recoverable(err))
}

func TestSelect(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	capable := device.NewSimulated("sim0", device.WithDirect(512))
	plain := device.NewSimulated("sim1")

	tests := []struct {
		name     string
		pref     Preference
		dev      device.Device
		wantName string
		wantWarn bool
	}{
		{"auto with direct", PreferAuto, capable, DirectName, false},
		{"auto without direct", PreferAuto, plain, HostStagedName, false},
		{"host forced", PreferHost, capable, HostStagedName, false},
		{"direct forced", PreferDirect, capable, DirectName, false},
		{"direct forced falls back", PreferDirect, plain, HostStagedName, true},
		{"direct forced on host", PreferDirect, device.Host{}, HostStagedName, true},
		{"empty is auto", "", device.Host{}, HostStagedName, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
			s, err := Select(tt.pref, tt.dev, dir, artifact.DefaultBlockSize, logger)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, s.Name())
			assert.Equal(t, tt.wantWarn, bytes.Contains(buf.Bytes(), []byte("level=WARN")))
		})
	}

	_, err := Select("gpu", capable, dir, artifact.DefaultBlockSize, nil)
	assert.Error(t, err)
}

func TestParsePreference(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Preference{"": PreferAuto, "auto": PreferAuto, "host": PreferHost, "direct": PreferDirect} {
		got, err := ParsePreference(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePreference("dma")
	assert.Error(t, err)
}

func TestUpload(t *testing.T) {
	t.Parallel()

	want := mixedArtifact(t)
	dev := device.NewSimulated("sim0")
	d, err := Upload(want, dev)
	require.NoError(t, err)
	assert.True(t, artifact.Equal(want, d.Artifact))
	assert.Equal(t, "sim0", d.Device.Name())
	d.Release()
	assert.Zero(t, dev.Stats().Live)

	host, err := Upload(want, device.Host{})
	require.NoError(t, err)
	assert.Same(t, want, host.Artifact)

	small := device.NewSimulated("tiny", device.WithCapacity(8))
	_, err = Upload(want, small)
	assert.ErrorIs(t, err, device.ErrOutOfMemory)
	assert.Zero(t, small.Stats().Live)
}

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/internal/testutil"
	"github.com/meigma/tensorcache/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := newApp(&stdout, &stderr).Run(context.Background(), append([]string{"tensorcache"}, args...))
	return stdout.String(), err
}

// seedStore publishes n entries under one fingerprint and returns the root.
func seedStore(t *testing.T, n int) (string, *store.Store) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cache")
	st, err := store.New(root)
	require.NoError(t, err)
	fp := digest.FromString("cli-pipeline")
	for i := range n {
		key := store.Key{Identity: string(rune('a' + i)), Fingerprint: fp}
		_, _, err := st.GetOrCompute(context.Background(), key, func(context.Context) (*artifact.Artifact, error) {
			return testutil.ImageArtifact(t, 4, 4, float32(i)), nil
		})
		require.NoError(t, err)
	}
	return root, st
}

func TestStat(t *testing.T) {
	t.Parallel()

	root, _ := seedStore(t, 3)
	out, err := run(t, "stat", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "entries:  3")
	assert.Contains(t, out, digest.FromString("cli-pipeline").Encoded()[:16])
}

func TestStatRequiresRoot(t *testing.T) {
	t.Parallel()

	_, err := run(t, "stat")
	assert.ErrorContains(t, err, "no cache root")
}

func TestPrune(t *testing.T) {
	t.Parallel()

	root, _ := seedStore(t, 3)
	out, err := run(t, "prune", "--root", root, "--target", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "evicted 3 entries")
	assert.Empty(t, testutil.Artifacts(t, root))

	_, err = run(t, "prune", "--root", root, "--target", "lots")
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	t.Parallel()

	root, _ := seedStore(t, 1)
	stale := filepath.Join(root, ".tmp-1-abc")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	out, err := run(t, "sweep", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 temp files")
	assert.NoFileExists(t, stale)
	assert.Len(t, testutil.Artifacts(t, root), 1)
}

func TestInspect(t *testing.T) {
	t.Parallel()

	root, _ := seedStore(t, 1)
	files := testutil.Artifacts(t, root)
	require.Len(t, files, 1)

	out, err := run(t, "inspect", files[0])
	require.NoError(t, err)
	assert.Contains(t, out, "block size: 4096")
	assert.Contains(t, out, "image")
	assert.Contains(t, out, "float32")

	_, err = run(t, "inspect")
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tensorcache.yaml")
	doc := `
cache_root: ` + filepath.Join(dir, "cache") + `
pipeline:
  - op: load
    params: {keys: [image]}
  - op: resize
    params: {keys: [image], size: [8, 8]}
  - op: rand_flip
    params: {keys: [image], prob: 0.5}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	out, err := run(t, "fingerprint", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "fingerprint: sha256:")
	assert.Contains(t, out, "prefix:      load -> resize")
	assert.Contains(t, out, "suffix:      rand_flip")

	out, err = run(t, "stat", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "entries:  0")
}

func TestBench(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "bench")
	out, err := run(t, "bench",
		"--root", root,
		"--samples", "4",
		"--size", "16",
		"--out-size", "8",
		"--epochs", "2",
		"--workers", "2",
		"--device", "sim-direct")
	require.NoError(t, err)
	assert.Contains(t, out, "transport=direct")
	assert.Contains(t, out, "epoch=1 samples=4 hits=0")
	assert.Contains(t, out, "epoch=2 samples=4 hits=4")
	assert.Len(t, testutil.Artifacts(t, root), 4)

	_, err = run(t, "bench", "--root", root, "--device", "tpu")
	assert.Error(t, err)
}

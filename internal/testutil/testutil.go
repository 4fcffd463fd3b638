// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/tensor"
)

// Ramp returns a float32 tensor of the given shape holding start, start+1, ...
func Ramp(tb testing.TB, start float32, shape ...int) *tensor.Tensor {
	tb.Helper()
	vals := make([]float32, tensor.NumElements(shape))
	for i := range vals {
		vals[i] = start + float32(i)
	}
	t, err := tensor.FromFloat32(shape, vals)
	require.NoError(tb, err)
	return t
}

// ImageArtifact returns an artifact with a single [1, h, w] "image" ramp.
func ImageArtifact(tb testing.TB, h, w int, start float32) *artifact.Artifact {
	tb.Helper()
	a := artifact.New()
	a.Set("image", Ramp(tb, start, 1, h, w))
	return a
}

// SegmentationArtifact returns an artifact with a [1, h, w] "image" ramp and
// a matching uint8 "label" mask.
func SegmentationArtifact(tb testing.TB, h, w int, start float32) *artifact.Artifact {
	tb.Helper()
	a := ImageArtifact(tb, h, w, start)
	mask := make([]uint8, h*w)
	for i := range mask {
		mask[i] = uint8(i % 3) //nolint:gosec // bounded
	}
	label, err := tensor.FromUint8([]int{1, h, w}, mask)
	require.NoError(tb, err)
	a.Set("label", label)
	return a
}

// Files returns every regular file under root.
func Files(tb testing.TB, root string) []string {
	tb.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(tb, err)
	return files
}

// Artifacts returns the published artifact files under root.
func Artifacts(tb testing.TB, root string) []string {
	tb.Helper()
	var out []string
	for _, f := range Files(tb, root) {
		name := filepath.Base(f)
		if strings.HasSuffix(name, ".tca") && !strings.HasPrefix(name, ".") {
			out = append(out, f)
		}
	}
	return out
}

// Hidden returns temp and write-check files under root.
func Hidden(tb testing.TB, root string) []string {
	tb.Helper()
	var out []string
	for _, f := range Files(tb, root) {
		if strings.HasPrefix(filepath.Base(f), ".") {
			out = append(out, f)
		}
	}
	return out
}

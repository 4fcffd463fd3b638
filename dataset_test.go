package tensorcache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/internal/testutil"
	"github.com/meigma/tensorcache/pipeline"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
	"github.com/meigma/tensorcache/transport"
)

var keys = []string{"image"}

func records(t *testing.T, n, h, w int) *MemorySource {
	t.Helper()
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = Record{ID: fmt.Sprintf("sample-%d", i), Fields: testutil.ImageArtifact(t, h, w, float32(i*100))}
	}
	return NewMemorySource(recs...)
}

func newStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), opts...)
	require.NoError(t, err)
	return st
}

func resizeThenFlip() pipeline.Spec {
	return pipeline.NewSpec(
		pipeline.Auto(pipeline.Resize{Keys: keys, Size: [2]int{4, 4}}),
		pipeline.Auto(pipeline.RandFlip{Keys: keys, Prob: 0.5, Axis: 1}),
	)
}

func get(t *testing.T, ds *Dataset, i int) *Sample {
	t.Helper()
	s, err := ds.Get(context.Background(), i)
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func TestGetCachesDeterministicPrefix(t *testing.T) {
	t.Parallel()

	src := records(t, 2, 6, 8)
	st := newStore(t)
	ds, err := New(src, resizeThenFlip(), st)
	require.NoError(t, err)
	prefix, suffix := ds.Split()
	assert.Equal(t, 1, prefix)
	assert.Equal(t, 1, suffix)

	first := get(t, ds, 0)
	assert.False(t, first.Hit)
	img, ok := first.Artifact.Get("image")
	require.True(t, ok)
	assert.Equal(t, []int{1, 4, 4}, img.Shape)
	assert.EqualValues(t, 1, st.Stats().Computes)

	for range 5 {
		s := get(t, ds, 0)
		assert.True(t, s.Hit)
	}
	assert.EqualValues(t, 1, st.Stats().Computes, "hits never recompute")

	// The cached entry holds the prefix output, not a flipped variant.
	rec, err := src.Record(context.Background(), 0)
	require.NoError(t, err)
	want := rec.Fields.Clone()
	require.NoError(t, pipeline.Run(context.Background(), []pipeline.Step{pipeline.Auto(pipeline.Resize{Keys: keys, Size: [2]int{4, 4}})}, want, pipeline.Env{}))
	loc, ok := st.Lookup(first.Key)
	require.True(t, ok)
	cached, err := st.Load(loc)
	require.NoError(t, err)
	assert.True(t, artifact.Equal(want, cached))

	raw, _ := rec.Fields.Get("image")
	assert.Equal(t, []int{1, 6, 8}, raw.Shape, "source record untouched")
}

func TestSuffixRunsFreshEveryCall(t *testing.T) {
	t.Parallel()

	spec := pipeline.NewSpec(
		pipeline.Auto(pipeline.Resize{Keys: keys, Size: [2]int{4, 4}}),
		pipeline.Auto(pipeline.RandFlip{Keys: keys, Prob: 1, Axis: 1}),
	)
	st := newStore(t)
	ds, err := New(records(t, 1, 4, 4), spec, st)
	require.NoError(t, err)

	for range 2 {
		s := get(t, ds, 0)
		img, _ := s.Artifact.Get("image")
		assert.Equal(t, []float32{3, 2, 1, 0}, img.Float32s()[:4], "flip applied on every call")
	}
	assert.EqualValues(t, 1, st.Stats().Computes)
}

func TestSeededSuffixIsReproducible(t *testing.T) {
	t.Parallel()

	spec := pipeline.NewSpec(
		pipeline.Auto(pipeline.Resize{Keys: keys, Size: [2]int{5, 5}}),
		pipeline.Auto(pipeline.RandRotate{Keys: keys, Prob: 1, MaxAngle: 1}),
	)
	src := records(t, 1, 5, 5)
	st := newStore(t)
	a, err := New(src, spec, st, WithRand(SeededRand(11)))
	require.NoError(t, err)
	b, err := New(src, spec, st, WithRand(SeededRand(11)))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	assert.True(t, artifact.Equal(get(t, a, 0).Artifact, get(t, b, 0).Artifact))
	assert.EqualValues(t, 1, st.Stats().Computes, "datasets with one prefix share entries")
}

func TestSuffixOnlyChangeKeepsCache(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	src := records(t, 1, 6, 6)
	one, err := New(src, resizeThenFlip(), st)
	require.NoError(t, err)
	get(t, one, 0)

	other := pipeline.NewSpec(
		pipeline.Auto(pipeline.Resize{Keys: keys, Size: [2]int{4, 4}}),
		pipeline.Auto(pipeline.RandZoom{Keys: keys, Prob: 0.3, Min: 0.9, Max: 1.1}),
	)
	two, err := New(src, other, st)
	require.NoError(t, err)
	assert.Equal(t, one.Fingerprint(), two.Fingerprint())
	assert.True(t, get(t, two, 0).Hit)

	changed := pipeline.NewSpec(pipeline.Auto(pipeline.Resize{Keys: keys, Size: [2]int{3, 3}}))
	three, err := New(src, changed, st)
	require.NoError(t, err)
	assert.NotEqual(t, one.Fingerprint(), three.Fingerprint())
	assert.False(t, get(t, three, 0).Hit)
}

func TestAllDeterministicAndAllStochastic(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	src := records(t, 1, 4, 4)

	det, err := New(src, pipeline.NewSpec(
		pipeline.Auto(pipeline.Resize{Keys: keys, Size: [2]int{2, 2}}),
		pipeline.Auto(pipeline.ScaleIntensity{Keys: keys, Min: 0, Max: 1}),
	), st)
	require.NoError(t, err)
	p, s := det.Split()
	assert.Equal(t, 2, p)
	assert.Zero(t, s)
	assert.True(t, artifact.Equal(get(t, det, 0).Artifact, get(t, det, 0).Artifact))

	stoch, err := New(src, pipeline.NewSpec(pipeline.Auto(pipeline.RandFlip{Keys: keys, Prob: 0.5})), st)
	require.NoError(t, err)
	p, s = stoch.Split()
	assert.Zero(t, p)
	assert.Equal(t, 1, s)
	first := get(t, stoch, 0)
	img, _ := first.Artifact.Get("image")
	assert.Equal(t, []int{1, 4, 4}, img.Shape)
	assert.False(t, get(t, stoch, 0).Hit)
	assert.Len(t, testutil.Artifacts(t, st.Dir()), 1, "only the deterministic dataset wrote an entry")

	stats, err := stoch.Warm(context.Background(), 2)
	require.NoError(t, err)
	assert.Zero(t, stats.Computed)
	assert.EqualValues(t, 1, st.Stats().Computes)
}

func TestConfigurationErrorSurfacesAtConstruction(t *testing.T) {
	t.Parallel()

	spec := pipeline.NewSpec(pipeline.Step{Stage: pipeline.RandFlip{Keys: keys, Prob: 0.5}, Deterministic: true})
	_, err := New(records(t, 1, 2, 2), spec, newStore(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(records(t, 1, 2, 2), resizeThenFlip(), newStore(t), WithTransport("gpu"))
	assert.Error(t, err)
}

func TestIndexOutOfRange(t *testing.T) {
	t.Parallel()

	ds, err := New(records(t, 2, 2, 2), resizeThenFlip(), newStore(t))
	require.NoError(t, err)
	for _, i := range []int{-1, 2, 100} {
		_, err := ds.Get(context.Background(), i)
		assert.ErrorIs(t, err, ErrIndexOutOfRange, "index %d", i)
	}
}

func TestComputeErrorIsNotCached(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	spec := pipeline.NewSpec(pipeline.Auto(pipeline.Load{Keys: []string{"missing"}}))
	ds, err := New(records(t, 1, 2, 2), spec, st)
	require.NoError(t, err)

	for range 2 {
		_, err = ds.Get(context.Background(), 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCompute)
		var stageErr *StageError
		assert.ErrorAs(t, err, &stageErr)
	}
	assert.Empty(t, testutil.Artifacts(t, st.Dir()))
	assert.Zero(t, st.Stats().Computes)
}

func TestCacheDirRemovedBetweenCalls(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ds, err := New(records(t, 1, 6, 6), resizeThenFlip(), st)
	require.NoError(t, err)
	get(t, ds, 0)

	require.NoError(t, os.RemoveAll(st.Dir()))

	s := get(t, ds, 0)
	assert.False(t, s.Hit)
	assert.EqualValues(t, 2, st.Stats().Computes)
	assert.Len(t, testutil.Artifacts(t, st.Dir()), 1)
}

func TestCorruptEntryRecomputedAtDelivery(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ds, err := New(records(t, 1, 6, 6), resizeThenFlip(), st)
	require.NoError(t, err)
	first := get(t, ds, 0)
	loc, ok := st.Lookup(first.Key)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(loc.Path, []byte("TCAF garbage"), 0o600))

	s := get(t, ds, 0)
	img, _ := s.Artifact.Get("image")
	assert.Equal(t, []int{1, 4, 4}, img.Shape)
	assert.EqualValues(t, 2, st.Stats().Computes)
	assert.EqualValues(t, 1, st.Stats().Corrupt)
	assert.True(t, get(t, ds, 0).Hit)
}

func TestConcurrentGetSameIndex(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ds, err := New(records(t, 1, 8, 8), resizeThenFlip(), st)
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	shapes := make([][]int, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := ds.Get(context.Background(), 0)
			if err != nil {
				errs[i] = err
				return
			}
			defer s.Release()
			img, _ := s.Artifact.Get("image")
			shapes[i] = img.Shape
		}()
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, []int{1, 4, 4}, shapes[i])
	}
	assert.EqualValues(t, 1, st.Stats().Computes)
	assert.Len(t, testutil.Artifacts(t, st.Dir()), 1)
	assert.Empty(t, testutil.Hidden(t, st.Dir()), "no temp files left behind")
}

func TestTransportsDeliverIdenticalSamples(t *testing.T) {
	t.Parallel()

	spec := pipeline.NewSpec(
		pipeline.Auto(pipeline.Resize{Keys: keys, Size: [2]int{16, 16}}),
		pipeline.Auto(pipeline.ScaleIntensity{Keys: keys, Min: -1, Max: 1}),
	)
	src := NewMemorySource(Record{ID: "seg", Fields: testutil.SegmentationArtifact(t, 20, 24, 3)})
	st := newStore(t)

	host, err := New(src, spec, st)
	require.NoError(t, err)
	assert.Equal(t, transport.HostStagedName, host.Transport())

	sim := device.NewSimulated("sim0", device.WithDirect(4096))
	direct, err := New(src, spec, st, WithDevice(sim))
	require.NoError(t, err)
	assert.Equal(t, transport.DirectName, direct.Transport())

	staged, err := New(src, spec, st, WithDevice(sim), WithTransport(transport.PreferHost))
	require.NoError(t, err)
	assert.Equal(t, transport.HostStagedName, staged.Transport())

	want := get(t, host, 0).Artifact
	viaDirect := get(t, direct, 0)
	assert.Equal(t, "sim0", viaDirect.Device.Name())
	assert.True(t, artifact.Equal(want, viaDirect.Artifact))
	assert.True(t, artifact.Equal(want, get(t, staged, 0).Artifact))
	assert.Positive(t, sim.Stats().DirectReads)
	assert.EqualValues(t, 1, st.Stats().Computes)
}

func TestDirectFallsBackForCompressedEntries(t *testing.T) {
	t.Parallel()

	st := newStore(t, store.WithCodecOptions(artifact.WithCompression(artifact.CompressionZstd)))
	src := NewMemorySource(Record{ID: "flat", Fields: func() *artifact.Artifact {
		a := artifact.New()
		a.Set("image", tensor.New(tensor.Float32, 1, 64, 64))
		return a
	}()})
	sim := device.NewSimulated("sim0", device.WithDirect(4096))
	ds, err := New(src, pipeline.NewSpec(pipeline.Auto(pipeline.ScaleIntensity{Keys: keys, Max: 1})), st,
		WithDevice(sim), WithTransport(transport.PreferDirect))
	require.NoError(t, err)

	get(t, ds, 0)
	s := get(t, ds, 0)
	assert.True(t, s.Hit)
	img, _ := s.Artifact.Get("image")
	assert.Equal(t, []int{1, 64, 64}, img.Shape)
	assert.Zero(t, sim.Stats().DirectReads)
}

func TestUnpublishedArtifactStillDelivered(t *testing.T) {
	t.Parallel()

	st := newStore(t, store.WithMaxBytes(512))
	sim := device.NewSimulated("sim0")
	ds, err := New(records(t, 1, 8, 8), resizeThenFlip(), st, WithDevice(sim))
	require.NoError(t, err)

	s, err := ds.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, s.Hit)
	assert.Equal(t, "sim0", s.Device.Name())
	img, _ := s.Artifact.Get("image")
	assert.Equal(t, []int{1, 4, 4}, img.Shape)
	assert.Empty(t, testutil.Artifacts(t, st.Dir()))

	s.Release()
	s.Release()
	assert.Zero(t, sim.Stats().Live, "release frees prefix and suffix buffers")
}

func TestWarmFillsCache(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ds, err := New(records(t, 9, 6, 6), resizeThenFlip(), st)
	require.NoError(t, err)

	stats, err := ds.Warm(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 9, stats.Samples)
	assert.EqualValues(t, 9, stats.Computed)
	assert.Len(t, testutil.Artifacts(t, st.Dir()), 9)

	stats, err = ds.Warm(context.Background(), 4)
	require.NoError(t, err)
	assert.EqualValues(t, 9, stats.Hits)
	assert.Zero(t, stats.Computed)

	for i := range ds.Len() {
		assert.True(t, get(t, ds, i).Hit)
	}
	assert.EqualValues(t, 9, st.Stats().Computes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ds.Warm(ctx, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecordIdentity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "explicit", Record{ID: "explicit", Paths: []string{"a"}}.Identity(3))
	assert.Equal(t, "index:3", Record{}.Identity(3))

	ab := Record{Paths: []string{"a.nii", "b.nii"}}.Identity(0)
	ba := Record{Paths: []string{"b.nii", "a.nii"}}.Identity(7)
	assert.Equal(t, ab, ba, "path order and index do not matter")
	assert.Contains(t, ab, "sha256:")
	assert.NotEqual(t, ab, Record{Paths: []string{"a.nii"}}.Identity(0))
}

// Package tensorcache caches the deterministic prefix of a sample
// preprocessing pipeline on disk and delivers cached artifacts to compute
// devices.
//
// A [Dataset] wraps a [Source] of raw records and a [pipeline.Spec]. The pipeline
// is split into a deterministic prefix, whose output is cached per sample and
// per prefix fingerprint, and a stochastic suffix that runs fresh on every
// access. Cached artifacts live in a [store.Store] and reach the device
// through a [transport.Strategy]: host-staged copies or direct
// storage-to-device reads when the device supports them.
//
// # Quick Start
//
//	st, err := store.New("/var/cache/tensorcache", store.WithMaxBytes(64<<30))
//	if err != nil {
//	    return err
//	}
//	spec := pipeline.NewSpec(
//	    pipeline.Auto(pipeline.Load{Keys: []string{"image"}}),
//	    pipeline.Auto(pipeline.Resize{Keys: []string{"image"}, Size: [2]int{256, 256}}),
//	    pipeline.Auto(pipeline.RandFlip{Keys: []string{"image"}, Prob: 0.5}),
//	)
//	ds, err := tensorcache.New(src, spec, st)
//	if err != nil {
//	    return err
//	}
//	sample, err := ds.Get(ctx, 0)
//	if err != nil {
//	    return err
//	}
//	defer sample.Release()
//
// Changing any prefix stage or its parameters changes the fingerprint, so
// stale entries are never served. Changing only suffix stages keeps the
// cache valid.
//
// # Concurrency
//
// Get is safe to call from many goroutines, including for the same index.
// Independent processes may share one cache root; publish is atomic and
// never replaces an existing entry.
package tensorcache

package tensorcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/pipeline"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
	"github.com/meigma/tensorcache/transport"
)

// Dataset serves samples from a Source through a pipeline whose
// deterministic prefix is cached.
// The dataset is safe for concurrent use.
type Dataset struct {
	src   Source
	store *store.Store

	prefix      []pipeline.Step
	suffix      []pipeline.Step
	fingerprint digest.Digest
	tag         string

	pref      transport.Preference
	strategy  transport.Strategy
	dev       device.Device
	blockSize int
	rand      RandFunc
	logger    *slog.Logger
}

// New builds a dataset over src. The pipeline is split into its cached prefix
// and per-call suffix; an inconsistent pipeline fails with a
// *ConfigurationError.
func New(src Source, spec pipeline.Spec, st *store.Store, opts ...Option) (*Dataset, error) {
	if src == nil {
		return nil, errors.New("tensorcache: nil source")
	}
	if st == nil {
		return nil, errors.New("tensorcache: nil store")
	}
	d := &Dataset{src: src, store: st}
	defaults(d)
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	prefix, suffix, err := pipeline.Split(spec)
	if err != nil {
		return nil, err
	}
	fp, err := pipeline.Fingerprint(prefix, d.tag)
	if err != nil {
		return nil, err
	}
	d.prefix, d.suffix, d.fingerprint = prefix, suffix, fp

	if d.strategy == nil {
		d.strategy, err = transport.Select(d.pref, d.dev, st.Dir(), d.blockSize, d.logger)
		if err != nil {
			return nil, err
		}
	}
	d.log().Debug("dataset ready",
		"samples", src.Len(),
		"prefix", len(prefix),
		"suffix", len(suffix),
		"fingerprint", fp.String(),
		"transport", d.strategy.Name(),
		"device", d.dev.Name())
	return d, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (d *Dataset) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return d.src.Len() }

// Fingerprint returns the digest of the cached prefix.
func (d *Dataset) Fingerprint() digest.Digest { return d.fingerprint }

// Transport returns the name of the strategy in use.
func (d *Dataset) Transport() string { return d.strategy.Name() }

// Device returns the device samples are delivered to.
func (d *Dataset) Device() device.Device { return d.dev }

// Store returns the backing store.
func (d *Dataset) Store() *store.Store { return d.store }

// Split returns the number of prefix and suffix stages.
func (d *Dataset) Split() (prefix, suffix int) { return len(d.prefix), len(d.suffix) }

// Get returns the sample at index with the prefix served from the cache and
// the suffix applied fresh.
func (d *Dataset) Get(ctx context.Context, index int) (*Sample, error) {
	rec, key, err := d.record(ctx, index)
	if err != nil {
		return nil, err
	}
	compute := d.computeFunc(rec, key)

	var (
		delivery *transport.Delivery
		res      store.Result
	)
	if len(d.prefix) == 0 {
		// Nothing to cache: the raw fields go straight to the suffix.
		res = store.Result{Computed: rec.Fields.Clone()}
		if delivery, err = transport.Upload(res.Computed, d.dev); err != nil {
			return nil, err
		}
	}
	for attempt := 0; delivery == nil; attempt++ {
		res, err = d.store.Ensure(ctx, key, compute)
		if err != nil {
			return nil, err
		}
		delivery, err = d.deliver(ctx, res)
		if err == nil {
			break
		}
		delivery = nil
		if attempt > 0 || !store.Recoverable(err) {
			return nil, err
		}
		d.store.MarkCorrupt(key, err)
	}

	sample := &Sample{
		Index:      index,
		Key:        key,
		Artifact:   delivery.Artifact,
		Device:     delivery.Device,
		Hit:        res.Hit,
		deliveries: []*transport.Delivery{delivery},
	}
	if err := d.applySuffix(ctx, sample); err != nil {
		sample.Release()
		return nil, err
	}
	d.log().Debug("sample delivered", "index", index, "hit", res.Hit, "transport", d.strategy.Name())
	return sample, nil
}

func (d *Dataset) record(ctx context.Context, index int) (Record, store.Key, error) {
	if n := d.src.Len(); index < 0 || index >= n {
		return Record{}, store.Key{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, n)
	}
	rec, err := d.src.Record(ctx, index)
	if err != nil {
		return Record{}, store.Key{}, fmt.Errorf("tensorcache: record %d: %w", index, err)
	}
	if rec.Fields == nil {
		return Record{}, store.Key{}, fmt.Errorf("tensorcache: record %d has no fields", index)
	}
	return rec, store.Key{Identity: rec.Identity(index), Fingerprint: d.fingerprint}, nil
}

func (d *Dataset) computeFunc(rec Record, key store.Key) store.ComputeFunc {
	return func(ctx context.Context) (*artifact.Artifact, error) {
		a := rec.Fields.Clone()
		if err := pipeline.Run(ctx, d.prefix, a, pipeline.Env{Identity: key.Identity}); err != nil {
			return nil, err
		}
		return a, nil
	}
}

func (d *Dataset) deliver(ctx context.Context, res store.Result) (*transport.Delivery, error) {
	if !res.Published {
		d.log().Debug("delivering unpublished artifact from memory", "error", res.PublishErr)
		return transport.Upload(res.Computed, d.dev)
	}
	return d.strategy.Load(ctx, res.Location, d.dev)
}

// applySuffix runs the stochastic stages over the delivered artifact.
// Fields the suffix replaced are moved back onto the device.
func (d *Dataset) applySuffix(ctx context.Context, s *Sample) error {
	if len(d.suffix) == 0 {
		return nil
	}
	before := make(map[string]*tensor.Tensor, s.Artifact.Len())
	for name, t := range s.Artifact.All() {
		before[name] = t
	}

	env := pipeline.Env{Identity: s.Key.Identity}
	if d.rand != nil {
		env.Rand = d.rand(s.Index)
	}
	if err := pipeline.Run(ctx, d.suffix, s.Artifact, env); err != nil {
		return err
	}
	if device.IsHost(s.Device) {
		return nil
	}

	changed := artifact.New()
	for name, t := range s.Artifact.All() {
		if before[name] != t {
			changed.Set(name, t)
		}
	}
	if changed.Len() == 0 {
		return nil
	}
	moved, err := transport.Upload(changed, s.Device)
	if err != nil {
		return err
	}
	s.deliveries = append(s.deliveries, moved)
	for name, t := range moved.Artifact.All() {
		s.Artifact.Set(name, t)
	}
	return nil
}

// WarmStats summarizes a Warm run.
type WarmStats struct {
	Samples  int
	Hits     int64
	Computed int64
	Duration time.Duration
}

// Warm makes sure every sample's prefix output is cached, running up to
// workers computations at once. It stops at the first error. With an empty
// prefix there is nothing to cache and Warm returns immediately.
func (d *Dataset) Warm(ctx context.Context, workers int) (WarmStats, error) {
	if workers <= 0 {
		workers = 1
	}
	start := time.Now()
	var hits, computed atomic.Int64
	if len(d.prefix) == 0 {
		return WarmStats{Samples: d.src.Len()}, ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	n := d.src.Len()
loop:
	for i := range n {
		select {
		case <-gctx.Done():
			break loop
		default:
		}
		g.Go(func() error {
			rec, key, err := d.record(gctx, i)
			if err != nil {
				return err
			}
			res, err := d.store.Ensure(gctx, key, d.computeFunc(rec, key))
			if err != nil {
				return err
			}
			if res.Hit {
				hits.Add(1)
			} else {
				computed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	stats := WarmStats{Samples: n, Hits: hits.Load(), Computed: computed.Load(), Duration: time.Since(start)}
	d.log().Info("cache warm finished",
		"samples", stats.Samples,
		"hits", stats.Hits,
		"computed", stats.Computed,
		"duration", stats.Duration)
	return stats, err
}

// SeededRand returns a RandFunc that makes every suffix draw reproducible
// from seed and the sample index.
func SeededRand(seed uint64) RandFunc {
	return func(index int) *rand.Rand {
		return rand.New(rand.NewPCG(seed, uint64(index))) //nolint:gosec // augmentation, not security
	}
}

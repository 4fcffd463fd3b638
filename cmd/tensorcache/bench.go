package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/tensorcache"
	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/pipeline"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
	"github.com/meigma/tensorcache/transport"
)

type benchConfig struct {
	root        string
	keep        bool
	samples     int
	size        int
	outSize     int
	epochs      int
	workers     int
	transport   string
	device      string
	compression string
	seed        uint64
	cpuProfile  string
	memProfile  string
}

type epochStats struct {
	samples int
	hits    int64
	bytes   int64
	elapsed time.Duration
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "run epochs over a synthetic dataset and report cold and warm throughput",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Usage: "cache root (defaults to a temp dir)"},
			&cli.BoolFlag{Name: "keep", Usage: "keep the temp cache root", HideDefault: true},
			&cli.IntFlag{Name: "samples", Value: 64, Usage: "number of synthetic samples"},
			&cli.IntFlag{Name: "size", Value: 256, Usage: "raw image height and width"},
			&cli.IntFlag{Name: "out-size", Value: 128, Usage: "resized image height and width"},
			&cli.IntFlag{Name: "epochs", Value: 3, Usage: "number of passes over the dataset"},
			&cli.IntFlag{Name: "workers", Value: runtime.GOMAXPROCS(0), Usage: "concurrent Get calls"},
			&cli.StringFlag{Name: "transport", Value: string(transport.PreferAuto), Usage: "auto, host or direct"},
			&cli.StringFlag{Name: "device", Value: "host", Usage: "host, sim or sim-direct"},
			&cli.StringFlag{Name: "compression", Value: "none", Usage: "none or zstd"},
			&cli.Uint64Flag{Name: "seed", Value: 1, Usage: "seed for synthetic data"},
			&cli.StringFlag{Name: "cpuprofile", Usage: "write a CPU profile to this file"},
			&cli.StringFlag{Name: "memprofile", Usage: "write a heap profile to this file"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := benchConfig{
				root:        cmd.String("root"),
				keep:        cmd.Bool("keep"),
				samples:     cmd.Int("samples"),
				size:        cmd.Int("size"),
				outSize:     cmd.Int("out-size"),
				epochs:      cmd.Int("epochs"),
				workers:     cmd.Int("workers"),
				transport:   cmd.String("transport"),
				device:      cmd.String("device"),
				compression: cmd.String("compression"),
				seed:        cmd.Uint64("seed"),
				cpuProfile:  cmd.String("cpuprofile"),
				memProfile:  cmd.String("memprofile"),
			}
			return runBench(ctx, cmd, cfg)
		},
	}
}

func runBench(ctx context.Context, cmd *cli.Command, cfg benchConfig) error {
	logger := newLogger(cmd)
	w := cmd.Root().Writer

	root := cfg.root
	if root == "" {
		dir, err := os.MkdirTemp("", "tensorcache-bench-")
		if err != nil {
			return err
		}
		root = dir
		if !cfg.keep {
			defer os.RemoveAll(dir) //nolint:errcheck // best-effort cleanup
		}
	}

	comp, err := artifact.ParseCompression(cfg.compression)
	if err != nil {
		return err
	}
	pref, err := transport.ParsePreference(cfg.transport)
	if err != nil {
		return err
	}
	dev, err := benchDevice(cfg.device)
	if err != nil {
		return err
	}

	st, err := store.New(root, store.WithLogger(logger), store.WithCodecOptions(artifact.WithCompression(comp)))
	if err != nil {
		return err
	}
	src := syntheticSource(cfg.samples, cfg.size, cfg.seed)
	keys := []string{"image", "label"}
	spec := pipeline.NewSpec(
		pipeline.Auto(pipeline.Load{Keys: keys}),
		pipeline.Auto(pipeline.Resize{Keys: []string{"image"}, Size: [2]int{cfg.outSize, cfg.outSize}}),
		pipeline.Auto(pipeline.Resize{Keys: []string{"label"}, Size: [2]int{cfg.outSize, cfg.outSize}, Mode: pipeline.ModeNearest}),
		pipeline.Auto(pipeline.ScaleIntensity{Keys: []string{"image"}, Min: 0, Max: 1}),
		pipeline.Auto(pipeline.RandFlip{Keys: keys, Prob: 0.5, Axis: 1}),
	)
	ds, err := tensorcache.New(src, spec, st,
		tensorcache.WithDevice(dev),
		tensorcache.WithTransport(pref),
		tensorcache.WithLogger(logger))
	if err != nil {
		return err
	}

	if cfg.cpuProfile != "" {
		f, err := os.Create(cfg.cpuProfile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return err
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		}()
	}

	fmt.Fprintf(w, "root=%s transport=%s device=%s fingerprint=%s\n", root, ds.Transport(), dev.Name(), ds.Fingerprint().Encoded()[:16])
	for epoch := 1; epoch <= cfg.epochs; epoch++ {
		stats, err := runEpoch(ctx, ds, cfg.workers)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "epoch=%d samples=%d hits=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
			epoch,
			stats.samples,
			stats.hits,
			stats.bytes,
			stats.elapsed,
			float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
		)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return err
		}
	}
	return nil
}

func runEpoch(ctx context.Context, ds *tensorcache.Dataset, workers int) (epochStats, error) {
	start := time.Now()
	var hits, bytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i := range ds.Len() {
		g.Go(func() error {
			s, err := ds.Get(gctx, i)
			if err != nil {
				return err
			}
			defer s.Release()
			if s.Hit {
				hits.Add(1)
			}
			for _, t := range s.Artifact.All() {
				bytes.Add(int64(t.ByteLen()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return epochStats{}, err
	}
	return epochStats{samples: ds.Len(), hits: hits.Load(), bytes: bytes.Load(), elapsed: time.Since(start)}, nil
}

func benchDevice(name string) (device.Device, error) {
	switch name {
	case "", "host":
		return device.Host{}, nil
	case "sim":
		return device.NewSimulated("sim0"), nil
	case "sim-direct":
		return device.NewSimulated("sim0", device.WithDirect(artifact.DefaultBlockSize)), nil
	default:
		return nil, fmt.Errorf("unknown device %q (want host, sim or sim-direct)", name)
	}
}

// syntheticSource builds n noisy image/label records from seed.
func syntheticSource(n, size int, seed uint64) *tensorcache.MemorySource {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec // reproducible synthetic data
	records := make([]tensorcache.Record, n)
	for i := range records {
		img := tensor.New(tensor.Float32, 1, size, size)
		label := tensor.New(tensor.Uint8, 1, size, size)
		for j := range img.Len() {
			img.SetFloat64At(j, rng.NormFloat64()*50+100)
			label.SetFloat64At(j, float64(rng.IntN(4)))
		}
		a := artifact.New()
		a.Set("image", img)
		a.Set("label", label)
		records[i] = tensorcache.Record{ID: fmt.Sprintf("synthetic-%06d", i), Fields: a}
	}
	return tensorcache.NewMemorySource(records...)
}

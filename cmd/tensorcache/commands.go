package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/config"
	"github.com/meigma/tensorcache/pipeline"
)

func statCommand() *cli.Command {
	return &cli.Command{
		Name:  "stat",
		Usage: "summarize cache entries per pipeline fingerprint",
		Flags: []cli.Flag{rootFlag, configFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := openStore(cmd, newLogger(cmd))
			if err != nil {
				return err
			}
			entries, err := st.Entries()
			if err != nil {
				return err
			}

			type group struct {
				count      int
				size       int64
				lastAccess time.Time
			}
			groups := make(map[string]*group)
			var total int64
			for _, e := range entries {
				g, ok := groups[e.Fingerprint]
				if !ok {
					g = &group{}
					groups[e.Fingerprint] = g
				}
				g.count++
				g.size += e.Size
				if e.LastAccess.After(g.lastAccess) {
					g.lastAccess = e.LastAccess
				}
				total += e.Size
			}

			w := cmd.Root().Writer
			fmt.Fprintf(w, "root:     %s\n", st.Dir())
			fmt.Fprintf(w, "entries:  %d\n", len(entries))
			fmt.Fprintf(w, "size:     %s\n", humanize.IBytes(uint64(total))) //nolint:gosec // sizes are non-negative
			if st.MaxBytes() > 0 {
				fmt.Fprintf(w, "capacity: %s\n", humanize.IBytes(uint64(st.MaxBytes()))) //nolint:gosec // validated non-negative
			}
			if len(groups) == 0 {
				return nil
			}

			fps := make([]string, 0, len(groups))
			for fp := range groups {
				fps = append(fps, fp)
			}
			slices.Sort(fps)

			fmt.Fprintln(w)
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINGERPRINT\tENTRIES\tSIZE\tLAST ACCESS")
			for _, fp := range fps {
				g := groups[fp]
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", fp, g.count, humanize.IBytes(uint64(g.size)), humanize.Time(g.lastAccess)) //nolint:gosec // non-negative
			}
			return tw.Flush()
		},
	}
}

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "evict least recently used entries down to a target size",
		Flags: []cli.Flag{
			rootFlag,
			configFlag,
			&cli.StringFlag{
				Name:     "target",
				Aliases:  []string{"t"},
				Usage:    "target cache size, e.g. 10GiB or 0",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			target, err := humanize.ParseBytes(cmd.String("target"))
			if err != nil {
				return fmt.Errorf("target: %w", err)
			}
			st, err := openStore(cmd, newLogger(cmd))
			if err != nil {
				return err
			}
			freed, err := st.Prune(int64(target)) //nolint:gosec // realistic sizes fit in int64
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "evicted %d entries, freed %s, %s remaining\n",
				st.Stats().Evictions, humanize.IBytes(uint64(freed)), humanize.IBytes(uint64(st.SizeBytes()))) //nolint:gosec // non-negative
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "remove temp files left by abandoned writes",
		Flags: []cli.Flag{
			rootFlag,
			configFlag,
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "only remove temp files at least this old",
				Value: defaultSweepAge,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := openStore(cmd, newLogger(cmd))
			if err != nil {
				return err
			}
			removed, err := st.Sweep(cmd.Duration("older-than"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.Root().Writer, "removed %d temp files\n", removed)
			return nil
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print the header of an artifact file",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("inspect: missing artifact path")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			h, err := artifact.ReadHeader(f, info.Size())
			if err != nil {
				return err
			}

			w := cmd.Root().Writer
			fmt.Fprintf(w, "version:    %d\n", h.Version)
			fmt.Fprintf(w, "block size: %d\n", h.BlockSize)
			fmt.Fprintf(w, "data start: %d\n", h.DataStart)
			fmt.Fprintf(w, "size:       %s (%d bytes)\n", humanize.IBytes(uint64(h.Size)), h.Size) //nolint:gosec // validated non-negative
			fmt.Fprintln(w)

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FIELD\tDTYPE\tSHAPE\tSTRIDES\tOFFSET\tLENGTH\tSTORED\tCOMPRESSION\tCHECKSUM")
			for _, fi := range h.Fields {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%d\t%d\t%d\t%s\t%016x\n",
					fi.Name, fi.DType, fi.Shape, fi.Strides, fi.Offset, fi.Length, fi.StoredLength, fi.Compression, fi.Checksum)
			}
			return tw.Flush()
		},
	}
}

func fingerprintCommand() *cli.Command {
	return &cli.Command{
		Name:  "fingerprint",
		Usage: "print the prefix fingerprint and stage split of a pipeline config",
		Flags: []cli.Flag{configFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			prefix, suffix, err := pipeline.Split(cfg.Spec)
			if err != nil {
				return err
			}
			fp, err := pipeline.Fingerprint(prefix, cfg.FingerprintTag)
			if err != nil {
				return err
			}

			w := cmd.Root().Writer
			fmt.Fprintf(w, "fingerprint: %s\n", fp)
			fmt.Fprintf(w, "directory:   %s\n", fp.Encoded()[:16])
			fmt.Fprintf(w, "prefix:      %s\n", stageList(prefix))
			fmt.Fprintf(w, "suffix:      %s\n", stageList(suffix))
			return nil
		},
	}
}

func stageList(steps []pipeline.Step) string {
	if len(steps) == 0 {
		return "(none)"
	}
	ops := make([]string, len(steps))
	for i, s := range steps {
		ops[i] = s.Stage.Op()
	}
	return strings.Join(ops, " -> ")
}

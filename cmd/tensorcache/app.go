package main

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/meigma/tensorcache/config"
	"github.com/meigma/tensorcache/store"
)

var (
	rootFlag = &cli.StringFlag{
		Name:    "root",
		Aliases: []string{"r"},
		Usage:   "cache root directory (defaults to cache_root from --config)",
		Sources: cli.NewValueSourceChain(cli.EnvVar("TENSORCACHE_ROOT")),
	}

	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to tensorcache.yaml",
		Sources: cli.NewValueSourceChain(cli.EnvVar("TENSORCACHE_CONFIG")),
	}
)

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "tensorcache",
		Usage:     "inspect and maintain preprocessing cache directories",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "verbose",
				Usage:       "enable debug logging",
				HideDefault: true,
			},
		},
		Commands: []*cli.Command{
			statCommand(),
			pruneCommand(),
			sweepCommand(),
			inspectCommand(),
			fingerprintCommand(),
			benchCommand(),
		},
	}
}

func newLogger(cmd *cli.Command) *slog.Logger {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.Root().ErrWriter, &slog.HandlerOptions{Level: level}))
}

// loadConfig loads --config, or returns nil when the flag is unset.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	if path == "" {
		return nil, nil
	}
	return config.Load(path)
}

func openStore(cmd *cli.Command, logger *slog.Logger) (*store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	root := cmd.String("root")
	if root == "" && cfg != nil {
		root = cfg.CacheRoot
	}
	if root == "" {
		return nil, errors.New("no cache root: pass --root or --config")
	}
	opts := []store.Option{store.WithLogger(logger)}
	if cfg != nil {
		opts = append(opts, store.WithMaxBytes(cfg.Capacity), store.WithCodecOptions(cfg.CodecOptions()...))
	}
	return store.New(root, opts...)
}

const defaultSweepAge = time.Hour

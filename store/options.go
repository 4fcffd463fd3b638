package store

import (
	"log/slog"
	"os"

	"github.com/meigma/tensorcache/artifact"
)

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding
// inside each fingerprint directory. Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithMaxBytes sets the cache byte budget. When a publish would exceed it,
// least recently accessed entries are evicted first.
// Values < 0 are invalid. Use 0 to disable the limit (the default).
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// WithCodecOptions sets the options used to encode published artifacts,
// such as block size and compression.
func WithCodecOptions(opts ...artifact.Option) Option {
	return func(s *Store) {
		s.codecOpts = append(s.codecOpts, opts...)
	}
}

// WithLogger sets a logger for the store.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

package tensorcache

import (
	"errors"
	"log/slog"
	"math/rand/v2"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/transport"
)

// Option configures a Dataset.
type Option func(*Dataset) error

// RandFunc returns the random source for one Get call on index. It is
// called once per call and must not return a source shared across calls.
type RandFunc func(index int) *rand.Rand

// WithTransport sets the transport preference. Defaults to auto.
func WithTransport(pref transport.Preference) Option {
	return func(d *Dataset) error {
		if _, err := transport.ParsePreference(string(pref)); err != nil {
			return err
		}
		d.pref = pref
		return nil
	}
}

// WithStrategy replaces transport selection with a fixed strategy.
func WithStrategy(s transport.Strategy) Option {
	return func(d *Dataset) error {
		if s == nil {
			return errors.New("tensorcache: nil strategy")
		}
		d.strategy = s
		return nil
	}
}

// WithDevice sets the device that receives samples. Defaults to the host.
func WithDevice(dev device.Device) Option {
	return func(d *Dataset) error {
		if dev == nil {
			return errors.New("tensorcache: nil device")
		}
		d.dev = dev
		return nil
	}
}

// WithBlockSize sets the artifact block size the cache is written with,
// used to decide whether direct transport is possible. Defaults to
// artifact.DefaultBlockSize.
func WithBlockSize(n int) Option {
	return func(d *Dataset) error {
		if n <= 0 {
			return errors.New("tensorcache: block size must be > 0")
		}
		d.blockSize = n
		return nil
	}
}

// WithFingerprintTag sets the tag mixed into the prefix fingerprint. Bump it
// to invalidate the cache after a change the fingerprint cannot see.
func WithFingerprintTag(tag string) Option {
	return func(d *Dataset) error {
		d.tag = tag
		return nil
	}
}

// WithRand sets the random sources used by the stochastic suffix. By
// default every call draws from a freshly seeded source.
func WithRand(fn RandFunc) Option {
	return func(d *Dataset) error {
		d.rand = fn
		return nil
	}
}

// WithLogger sets a logger for the dataset.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dataset) error {
		d.logger = logger
		return nil
	}
}

func defaults(d *Dataset) {
	d.pref = transport.PreferAuto
	d.dev = device.Host{}
	d.blockSize = artifact.DefaultBlockSize
}

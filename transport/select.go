package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/store"
)

// Preference chooses how Select picks a strategy.
type Preference string

const (
	// PreferAuto uses direct when the device supports it, host-staged otherwise.
	PreferAuto Preference = "auto"

	// PreferHost always uses host-staged.
	PreferHost Preference = "host"

	// PreferDirect asks for direct and falls back to host-staged with a
	// warning when it is unavailable.
	PreferDirect Preference = "direct"
)

// ParsePreference parses a preference name. The empty string means auto.
func ParsePreference(s string) (Preference, error) {
	switch Preference(s) {
	case "", PreferAuto:
		return PreferAuto, nil
	case PreferHost, PreferDirect:
		return Preference(s), nil
	default:
		return "", fmt.Errorf("transport: unknown preference %q (want auto, host or direct)", s)
	}
}

// Select returns the strategy for pref on dev, reading artifacts under root
// written with blockSize alignment. An unavailable direct path never fails
// selection; it degrades to host-staged.
func Select(pref Preference, dev device.Device, root string, blockSize int, logger *slog.Logger) (Strategy, error) {
	log := logOrDiscard(logger)
	if pref == "" {
		pref = PreferAuto
	}
	switch pref {
	case PreferHost:
		return HostStaged{}, nil
	case PreferAuto, PreferDirect:
	default:
		return nil, fmt.Errorf("transport: unknown preference %q", pref)
	}
	if dev == nil || device.IsHost(dev) {
		if pref == PreferDirect {
			log.Warn("direct transport unavailable on host, using host-staged")
		}
		return HostStaged{}, nil
	}

	direct, err := NewDirect(dev, root, blockSize)
	if err != nil {
		if pref == PreferDirect {
			log.Warn("direct transport unavailable, using host-staged", "device", dev.Name(), "error", err)
		} else {
			log.Debug("direct transport unavailable, using host-staged", "device", dev.Name(), "error", err)
		}
		return HostStaged{}, nil
	}
	log.Debug("using direct transport", "device", dev.Name(), "root", root)
	return NewFallback(direct, HostStaged{}, logger), nil
}

// Fallback loads through a primary strategy and retries on a secondary one
// whenever the primary reports the artifact unsupported.
type Fallback struct {
	primary   Strategy
	secondary Strategy
	logger    *slog.Logger
}

var _ Strategy = (*Fallback)(nil)

// NewFallback wraps primary with secondary.
func NewFallback(primary, secondary Strategy, logger *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

// Name implements Strategy.
func (f *Fallback) Name() string { return f.primary.Name() }

// Load implements Strategy.
func (f *Fallback) Load(ctx context.Context, loc store.Location, dev device.Device) (*Delivery, error) {
	d, err := f.primary.Load(ctx, loc, dev)
	if err == nil || !errors.Is(err, ErrUnsupportedTransport) {
		return d, err
	}
	logOrDiscard(f.logger).Debug("retrying artifact load host-staged",
		"path", loc.Path, "strategy", f.primary.Name(), "error", err)
	return f.secondary.Load(ctx, loc, dev)
}

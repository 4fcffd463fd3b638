package transport

import (
	"context"
	"os"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/store"
)

// HostStagedName is the name of the host-staged strategy.
const HostStagedName = "host"

// HostStaged reads the whole artifact into host memory and copies each
// field to the device. It works with every device and every artifact.
type HostStaged struct{}

var _ Strategy = HostStaged{}

// Name implements Strategy.
func (HostStaged) Name() string { return HostStagedName }

// Load implements Strategy. On the host device the staged buffer backs the
// tensors directly.
func (HostStaged) Load(ctx context.Context, loc store.Location, dev device.Device) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(loc.Path)
	if err != nil {
		return nil, &store.StorageError{Op: "read", Path: loc.Path, Err: err}
	}
	art, err := artifact.Decode(data)
	if err != nil {
		return nil, &store.StorageError{Op: "decode", Path: loc.Path, Err: err}
	}
	if dev == nil || device.IsHost(dev) {
		return newDelivery(art, device.Host{}, []device.Memory{device.Host{}.Wrap(data)}), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Upload(art, dev)
}

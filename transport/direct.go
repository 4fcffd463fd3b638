package transport

import (
	"context"
	"fmt"
	"os"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/store"
)

// DirectName is the name of the direct strategy.
const DirectName = "direct"

// Direct reads field buffers from storage straight into device memory.
// Only the header passes through host memory.
type Direct struct {
	dev       device.Device
	ds        device.DirectStorage
	blockSize int
}

var _ Strategy = (*Direct)(nil)

// NewDirect checks that dev can read artifacts under root directly. It
// fails with *UnsupportedTransportError when the device has no direct path,
// the root's filesystem is unsupported, or blockSize is not a multiple of
// the device alignment.
func NewDirect(dev device.Device, root string, blockSize int) (*Direct, error) {
	name := "<nil>"
	if dev != nil {
		name = dev.Name()
	}
	ds, ok := device.AsDirect(dev)
	if !ok {
		return nil, &UnsupportedTransportError{Strategy: DirectName, Device: name, Reason: "device has no direct storage path"}
	}
	if err := ds.SupportsPath(root); err != nil {
		return nil, &UnsupportedTransportError{Strategy: DirectName, Device: name, Reason: "cache root not supported", Err: err}
	}
	align := ds.Alignment()
	if align <= 0 || blockSize <= 0 || blockSize%align != 0 {
		return nil, &UnsupportedTransportError{
			Strategy: DirectName,
			Device:   name,
			Reason:   fmt.Sprintf("block size %d is not a multiple of device alignment %d", blockSize, align),
		}
	}
	return &Direct{dev: dev, ds: ds, blockSize: blockSize}, nil
}

// Name implements Strategy.
func (d *Direct) Name() string { return DirectName }

// Load implements Strategy. Compressed or misaligned artifacts return
// *UnsupportedTransportError; the caller may retry them host-staged.
func (d *Direct) Load(ctx context.Context, loc store.Location, dev device.Device) (*Delivery, error) {
	if dev == nil {
		dev = d.dev
	}
	if dev.Name() != d.dev.Name() {
		return nil, &UnsupportedTransportError{Strategy: DirectName, Device: dev.Name(), Reason: "strategy was built for " + d.dev.Name()}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(loc.Path)
	if err != nil {
		return nil, &store.StorageError{Op: "read", Path: loc.Path, Err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, &store.StorageError{Op: "stat", Path: loc.Path, Err: err}
	}

	h, err := artifact.ReadHeader(f, info.Size())
	if err != nil {
		return nil, &store.StorageError{Op: "decode", Path: loc.Path, Err: err}
	}
	if h.Compressed() {
		return nil, &UnsupportedTransportError{Strategy: DirectName, Device: dev.Name(), Reason: "artifact is compressed"}
	}
	if !h.Aligned(d.ds.Alignment()) {
		return nil, &UnsupportedTransportError{
			Strategy: DirectName,
			Device:   dev.Name(),
			Reason:   fmt.Sprintf("artifact block size %d does not meet device alignment %d", h.BlockSize, d.ds.Alignment()),
		}
	}

	art := artifact.New()
	mems := make([]device.Memory, 0, len(h.Fields))
	fail := func(err error) (*Delivery, error) {
		device.Release(mems...)
		return nil, err
	}
	for _, field := range h.Fields {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		mem, err := d.dev.Alloc(int(field.PaddedLength(h.BlockSize)))
		if err != nil {
			return fail(fmt.Errorf("transport: field %q: %w", field.Name, err))
		}
		mems = append(mems, mem)
		if mem.Len() > 0 {
			if _, err := d.ds.ReadDirect(f, mem, field.Offset); err != nil {
				return fail(&store.StorageError{Op: "read", Path: loc.Path, Err: err})
			}
		}
		stored := mem.Bytes()[:field.StoredLength]
		if err := field.Verify(stored); err != nil {
			return fail(&store.StorageError{Op: "decode", Path: loc.Path, Err: err})
		}
		t, err := field.Tensor(stored)
		if err != nil {
			return fail(&store.StorageError{Op: "decode", Path: loc.Path, Err: err})
		}
		art.Set(field.Name, t)
	}
	return newDelivery(art, d.dev, mems), nil
}

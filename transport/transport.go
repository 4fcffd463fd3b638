// Package transport moves published artifacts from the cache onto a device.
//
// HostStaged reads the file into host memory, decodes it and copies each
// field to the device. Direct reads field buffers from storage straight into
// device memory and needs an uncompressed, block-aligned artifact plus a
// device with a direct storage path. Both produce identical tensors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/tensor"
)

// ErrUnsupportedTransport is matched by every *UnsupportedTransportError.
var ErrUnsupportedTransport = errors.New("transport: unsupported")

// UnsupportedTransportError reports that a strategy cannot serve a device,
// root or artifact.
type UnsupportedTransportError struct {
	Strategy string
	Device   string
	Reason   string
	Err      error
}

func (e *UnsupportedTransportError) Error() string {
	msg := fmt.Sprintf("transport %s on %s: %s", e.Strategy, e.Device, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnsupportedTransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrUnsupportedTransport.
func (e *UnsupportedTransportError) Is(target error) bool {
	return target == ErrUnsupportedTransport
}

// Strategy loads a published artifact onto a device.
type Strategy interface {
	Name() string
	Load(ctx context.Context, loc store.Location, dev device.Device) (*Delivery, error)
}

// Delivery is an artifact whose tensors live in device memory. The caller
// owns it and must call Release when done.
type Delivery struct {
	Artifact *artifact.Artifact
	Device   device.Device

	mems []device.Memory
	once sync.Once
}

func newDelivery(art *artifact.Artifact, dev device.Device, mems []device.Memory) *Delivery {
	return &Delivery{Artifact: art, Device: dev, mems: mems}
}

// Release frees the device memory backing the artifact. Tensors must not be
// used afterwards. Safe to call more than once.
func (d *Delivery) Release() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		device.Release(d.mems...)
		d.mems = nil
	})
}

// Upload copies an in-memory artifact onto dev. On the host the artifact is
// delivered as is.
func Upload(art *artifact.Artifact, dev device.Device) (*Delivery, error) {
	if art == nil {
		return nil, errors.New("transport: nil artifact")
	}
	if dev == nil || device.IsHost(dev) {
		return newDelivery(art, device.Host{}, nil), nil
	}

	out := artifact.New()
	mems := make([]device.Memory, 0, art.Len())
	for name, t := range art.All() {
		raw := t.Bytes()
		mem, err := dev.Alloc(len(raw))
		if err != nil {
			device.Release(mems...)
			return nil, fmt.Errorf("transport: upload field %q: %w", name, err)
		}
		mems = append(mems, mem)
		if err := dev.CopyFromHost(mem, raw); err != nil {
			device.Release(mems...)
			return nil, fmt.Errorf("transport: upload field %q: %w", name, err)
		}
		out.Set(name, onDevice(t, mem.Bytes()[:len(raw):len(raw)]))
	}
	return newDelivery(out, dev, mems), nil
}

// onDevice returns t re-pointed at data, keeping its layout.
func onDevice(t *tensor.Tensor, data []byte) *tensor.Tensor {
	return &tensor.Tensor{
		DType:   t.DType,
		Shape:   slices.Clone(t.Shape),
		Strides: slices.Clone(t.Strides),
		Data:    data,
	}
}

func logOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}

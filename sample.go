package tensorcache

import (
	"github.com/meigma/tensorcache/artifact"
	"github.com/meigma/tensorcache/device"
	"github.com/meigma/tensorcache/store"
	"github.com/meigma/tensorcache/transport"
)

// Sample is a fully processed sample resident on a device. The caller owns
// its device memory and must call Release.
type Sample struct {
	Index    int
	Key      store.Key
	Artifact *artifact.Artifact
	Device   device.Device

	// Hit is true when the prefix output came from the cache.
	Hit bool

	deliveries []*transport.Delivery
}

// Release frees the device memory behind the sample's tensors.
func (s *Sample) Release() {
	if s == nil {
		return
	}
	for _, d := range s.deliveries {
		d.Release()
	}
	s.deliveries = nil
}

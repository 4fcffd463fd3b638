package store

import "sync/atomic"

// Stats is a snapshot of store activity since construction.
type Stats struct {
	Hits          int64 // lookups satisfied by a published entry
	Misses        int64 // lookups that had to compute
	Computes      int64 // successful compute calls
	Publishes     int64 // entries this store linked into place
	PublishLosses int64 // publishes that found a peer's entry already present
	Corrupt       int64 // entries discarded as unreadable
	Evictions     int64 // entries removed by pruning
}

type counters struct {
	hits          atomic.Int64
	misses        atomic.Int64
	computes      atomic.Int64
	publishes     atomic.Int64
	publishLosses atomic.Int64
	corrupt       atomic.Int64
	evictions     atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Computes:      c.computes.Load(),
		Publishes:     c.publishes.Load(),
		PublishLosses: c.publishLosses.Load(),
		Corrupt:       c.corrupt.Load(),
		Evictions:     c.evictions.Load(),
	}
}

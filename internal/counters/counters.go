// Package counters is the atomic counter bundle from spec.md §4.6/§6,
// queried by the external statistics-file emitter through the narrow
// Snapshot interface rather than exposing the atomics themselves.
package counters

import "sync/atomic"

// Counters holds the process-wide request/connection counters. All
// fields are accessed only through atomic operations so they can be
// incremented from any connection's goroutine without a lock.
type Counters struct {
	activeConnections atomic.Int64
	httpRequests      atomic.Uint64
	modifiedRequests  atomic.Uint64
	cacheHitModify    atomic.Uint64
	cacheHitPass      atomic.Uint64
}

// New builds an empty counter bundle.
func New() *Counters { return &Counters{} }

func (c *Counters) IncActiveConnections() { c.activeConnections.Add(1) }
func (c *Counters) DecActiveConnections() { c.activeConnections.Add(-1) }
func (c *Counters) IncHTTPRequests()      { c.httpRequests.Add(1) }
func (c *Counters) IncModifiedRequests()  { c.modifiedRequests.Add(1) }
func (c *Counters) IncCacheHitModify()    { c.cacheHitModify.Add(1) }
func (c *Counters) IncCacheHitPass()      { c.cacheHitPass.Add(1) }

// Snapshot is a point-in-time, race-free read of every counter, the shape
// the external statistics emitter (§6) and the websocket dashboard both
// consume.
type Snapshot struct {
	ActiveConnections int64
	HTTPRequests      uint64
	ModifiedRequests  uint64
	CacheHitModify    uint64
	CacheHitPass      uint64
}

// Snapshot reads every counter. It is not atomic across fields (spec.md
// doesn't require cross-field consistency for the stats file), just
// race-free per field.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: c.activeConnections.Load(),
		HTTPRequests:      c.httpRequests.Load(),
		ModifiedRequests:  c.modifiedRequests.Load(),
		CacheHitModify:    c.cacheHitModify.Load(),
		CacheHitPass:      c.cacheHitPass.Load(),
	}
}

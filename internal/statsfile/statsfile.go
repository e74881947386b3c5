// Package statsfile periodically renders the counter snapshot to a flat
// key:value file (spec.md §6), written atomically via a temp-file-plus-
// rename so readers never observe a partial write.
package statsfile

import (
	"fmt"
	"os"
	"time"

	"github.com/neolnax/uaforge/internal/counters"
	"github.com/neolnax/uaforge/internal/logging"
)

const defaultPath = "/tmp/uaforge.stats"

// DefaultInterval is the write cadence when New is given a non-positive
// interval.
const DefaultInterval = 5 * time.Second

// Writer renders a counters.Snapshot to Path every Interval.
type Writer struct {
	path     string
	interval time.Duration
	ctrs     *counters.Counters

	lastRequests uint64
	lastWrite    time.Time
}

// New builds a Writer. An empty path defaults to /tmp/uaforge.stats; a
// zero interval defaults to 5s.
func New(path string, interval time.Duration, ctrs *counters.Counters) *Writer {
	if path == "" {
		path = defaultPath
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{path: path, interval: interval, ctrs: ctrs}
}

// Run writes the stats file every interval until done is closed.
func (w *Writer) Run(done <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.lastWrite = timeNow()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			w.write(now)
		}
	}
}

func timeNow() time.Time { return time.Now() }

func (w *Writer) write(now time.Time) {
	snap := w.ctrs.Snapshot()

	elapsed := now.Sub(w.lastWrite).Seconds()
	var rps float64
	if elapsed > 0 && snap.HTTPRequests >= w.lastRequests {
		rps = float64(snap.HTTPRequests-w.lastRequests) / elapsed
	}
	w.lastRequests = snap.HTTPRequests
	w.lastWrite = now

	var cacheRatio float64
	totalCacheHits := snap.CacheHitModify + snap.CacheHitPass
	if snap.HTTPRequests > 0 {
		cacheRatio = float64(totalCacheHits) / float64(snap.HTTPRequests)
	}

	body := fmt.Sprintf(
		"current_connections:%d\n"+
			"total_requests:%d\n"+
			"rps:%.2f\n"+
			"successful_modifications:%d\n"+
			"direct_passthrough:%d\n"+
			"rule_processing:%d\n"+
			"cache_hit_modify:%d\n"+
			"cache_hit_pass:%d\n"+
			"total_cache_ratio:%.4f\n",
		snap.ActiveConnections,
		snap.HTTPRequests,
		rps,
		snap.ModifiedRequests,
		snap.HTTPRequests-snap.ModifiedRequests,
		snap.HTTPRequests,
		snap.CacheHitModify,
		snap.CacheHitPass,
		cacheRatio,
	)

	if err := w.writeAtomic(body); err != nil {
		logging.Warnf("stats file write failed: %v", err)
	}
}

func (w *Writer) writeAtomic(body string) error {
	tmpPath := w.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("statsfile: create temp: %w", err)
	}

	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statsfile: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statsfile: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statsfile: rename: %w", err)
	}
	return nil
}

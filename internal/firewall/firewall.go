// Package firewall implements the single-writer decision engine from
// spec.md §4.4: one worker owns the per-destination profile table, the
// batch buffer, and the ipset/nft shell-out; everything else only ever
// posts events to it. The state-transition logic is kept in free functions
// (applyHTTPEvent, applyNonHTTPEvent, finalizeDecisions, cleanupProfiles)
// so it can be unit tested against synthetic clocks without waiting on
// real timers, mirroring original_source/src/firewall.rs's own split
// between the worker loop and its helper functions.
package firewall

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/neolnax/uaforge/internal/config"
	"github.com/neolnax/uaforge/internal/logging"
)

const (
	batchFlushDelay  = 100 * time.Millisecond
	batchMaxEntries  = 200
	cleanupInterval  = 10 * time.Minute
	eventChanBuffer  = 4096
)

// profile is the per-(ip,port) state machine described in spec.md §3/§4.4.
type profile struct {
	nonHTTPScore     uint32
	httpLockExpires  time.Time // zero = unset
	lastEvent        time.Time
	decisionDeadline time.Time // zero = unset
}

// BatchItem is one pending set-installation command.
type BatchItem struct {
	Addr    netip.AddrPort
	Timeout uint32
}

type eventKind int

const (
	evHTTP eventKind = iota
	evNonHTTP
	evAdd
	evStop
)

type event struct {
	kind    eventKind
	addr    netip.AddrPort
	timeout uint32
}

// Flusher executes the batch against the configured firewall backend. The
// default implementation shells out to ipset/nft; tests inject a fake.
type Flusher interface {
	Flush(fwType, setName string, items []BatchItem) error
}

// Engine is the single-writer decision engine. All exported methods are
// safe to call from any goroutine; they only ever post to the internal
// channel.
type Engine struct {
	cfg     config.FirewallConfig
	events  chan event
	flusher Flusher

	wg       sync.WaitGroup
	closeOne sync.Once

	notify func(string)
}

// SetNotifier registers a callback invoked with a human-readable line
// whenever the engine flushes a batch to the firewall backend, letting
// the dashboard (internal/webui) mirror firewall activity. Optional;
// nil by default.
func (e *Engine) SetNotifier(fn func(string)) { e.notify = fn }

// New constructs an Engine. It does not start the worker; call Run in its
// own goroutine.
func New(cfg config.FirewallConfig, flusher Flusher) *Engine {
	if flusher == nil {
		flusher = ExecFlusher{}
	}
	return &Engine{
		cfg:     cfg,
		events:  make(chan event, eventChanBuffer),
		flusher: flusher,
	}
}

// Enabled mirrors config.FirewallConfig.Enabled -- no firewall effect is
// ever produced unless this is true.
func (e *Engine) Enabled() bool { return e.cfg.Enabled() }

// post is a non-blocking send: producers never wait on the engine, and a
// full buffer (engine stalled or shutting down) silently drops the event,
// per spec.md §5/§7.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	default:
		logging.Debugf("firewall: event dropped (channel full)")
	}
}

// PostHTTP reports a successful HTTP request on (ip,port).
func (e *Engine) PostHTTP(addr netip.AddrPort) {
	if !e.Enabled() {
		return
	}
	e.post(event{kind: evHTTP, addr: addr})
}

// PostNonHTTP reports non-HTTP traffic on (ip,port). Only meaningful, and
// only sent by callers, when bypass is enabled.
func (e *Engine) PostNonHTTP(addr netip.AddrPort) {
	if !e.Enabled() || !e.cfg.BypassEnabled {
		return
	}
	e.post(event{kind: evNonHTTP, addr: addr})
}

// PostAdd directly installs (ip,port) into the batch, used by the HTTP
// handler on a UA-whitelist hit.
func (e *Engine) PostAdd(addr netip.AddrPort, timeout uint32) {
	if !e.Enabled() {
		return
	}
	e.post(event{kind: evAdd, addr: addr, timeout: timeout})
}

// Stop requests the worker to drain its batch and exit. Safe to call
// multiple times.
func (e *Engine) Stop() {
	e.closeOne.Do(func() {
		e.events <- event{kind: evStop}
	})
}

// Wait blocks until Run has returned (the worker has drained and exited).
func (e *Engine) Wait() { e.wg.Wait() }

// Run is the worker main loop. It must be started in its own goroutine
// (spec.md §5: "one dedicated OS-level worker ... driven by a blocking
// channel with timed waits").
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()

	profiles := map[netip.AddrPort]*profile{}
	batch := map[netip.AddrPort]uint32{}
	var batchDeadline time.Time // zero = unset
	cleanupDeadline := time.Now().Add(cleanupInterval)

	for {
		now := time.Now()
		wake := nextWake(batchDeadline, cleanupDeadline, earliestDecisionDeadline(profiles))
		d := wake.Sub(now)
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		timerC := timer.C

		var ev event
		var received bool
		select {
		case ev = <-e.events:
			received = true
		case <-timerC:
		case <-ctx.Done():
			timer.Stop()
			if len(batch) > 0 {
				e.flushBatch(batch)
			}
			return
		}
		timer.Stop()

		now = time.Now()
		if received {
			if ev.kind == evStop {
				if len(batch) > 0 {
					e.flushBatch(batch)
				}
				return
			}
			e.applyEvent(ev, profiles, batch, &batchDeadline, now)
		}

		if !batchDeadline.IsZero() && !now.Before(batchDeadline) && len(batch) > 0 {
			e.flushBatch(batch)
			batchDeadline = time.Time{}
		}

		added := finalizeDecisions(profiles, e.cfg, now)
		for _, it := range added {
			batch[it.Addr] = it.Timeout
			if batchDeadline.IsZero() {
				batchDeadline = now.Add(batchFlushDelay)
			}
			if len(batch) >= batchMaxEntries {
				e.flushBatch(batch)
				batchDeadline = time.Time{}
			}
		}

		if !now.Before(cleanupDeadline) {
			cleanupProfiles(profiles, now, cleanupInterval)
			cleanupDeadline = now.Add(cleanupInterval)
		}
	}
}

func (e *Engine) applyEvent(ev event, profiles map[netip.AddrPort]*profile, batch map[netip.AddrPort]uint32, batchDeadline *time.Time, now time.Time) {
	switch ev.kind {
	case evHTTP:
		applyHTTPEvent(profiles, e.cfg, now, ev.addr)
	case evNonHTTP:
		applyNonHTTPEvent(profiles, e.cfg, now, ev.addr)
	case evAdd:
		batch[ev.addr] = ev.timeout
		if batchDeadline.IsZero() {
			*batchDeadline = now.Add(batchFlushDelay)
		}
		if len(batch) >= batchMaxEntries {
			e.flushBatch(batch)
			*batchDeadline = time.Time{}
		}
	}
}

func (e *Engine) flushBatch(batch map[netip.AddrPort]uint32) {
	if len(batch) == 0 {
		return
	}
	items := make([]BatchItem, 0, len(batch))
	for addr, timeout := range batch {
		items = append(items, BatchItem{Addr: addr, Timeout: timeout})
		delete(batch, addr)
	}
	if !e.cfg.Enabled() {
		return
	}
	if err := e.flusher.Flush(e.cfg.Type, e.cfg.SetName, items); err != nil {
		logging.Warnf("firewall batch failed (%s/%s): %v", e.cfg.Type, e.cfg.SetName, err)
		return
	}
	if e.notify != nil {
		e.notify(fmt.Sprintf("installed %d entries into %s/%s", len(items), e.cfg.Type, e.cfg.SetName))
	}
}

func earliestDecisionDeadline(profiles map[netip.AddrPort]*profile) time.Time {
	var earliest time.Time
	for _, p := range profiles {
		if p.decisionDeadline.IsZero() {
			continue
		}
		if earliest.IsZero() || p.decisionDeadline.Before(earliest) {
			earliest = p.decisionDeadline
		}
	}
	return earliest
}

func nextWake(batchDeadline, cleanupDeadline, decisionDeadline time.Time) time.Time {
	wake := cleanupDeadline
	if !batchDeadline.IsZero() && batchDeadline.Before(wake) {
		wake = batchDeadline
	}
	if !decisionDeadline.IsZero() && decisionDeadline.Before(wake) {
		wake = decisionDeadline
	}
	return wake
}

// applyHTTPEvent implements the "Http event handling" rules of spec.md
// §4.4: an active HTTP cooldown absorbs the event; otherwise the score
// resets, a fresh cooldown starts, and any pending decision is vetoed.
func applyHTTPEvent(profiles map[netip.AddrPort]*profile, cfg config.FirewallConfig, now time.Time, addr netip.AddrPort) {
	p := profiles[addr]
	if p == nil {
		p = &profile{lastEvent: now}
		profiles[addr] = p
	}

	if !p.httpLockExpires.IsZero() && now.Before(p.httpLockExpires) {
		return
	}

	p.nonHTTPScore = 0
	p.httpLockExpires = now.Add(cfg.HTTPCooldown)
	p.decisionDeadline = time.Time{}
	p.lastEvent = now
}

// applyNonHTTPEvent implements the "NonHttp event handling" rules.
func applyNonHTTPEvent(profiles map[netip.AddrPort]*profile, cfg config.FirewallConfig, now time.Time, addr netip.AddrPort) {
	p := profiles[addr]
	if p == nil {
		p = &profile{lastEvent: now}
		profiles[addr] = p
	}

	if !p.httpLockExpires.IsZero() && now.Before(p.httpLockExpires) {
		p.lastEvent = now
		return
	}

	if p.nonHTTPScore < math.MaxUint32 {
		p.nonHTTPScore++
	}
	p.lastEvent = now

	if p.nonHTTPScore >= cfg.NonHTTPThreshold && p.decisionDeadline.IsZero() {
		p.decisionDeadline = now.Add(cfg.DecisionDelay)
	}
}

// finalizeDecisions scans for profiles whose decision deadline has
// elapsed and that still qualify for promotion, removing them from the
// table and returning the batch entries to enqueue.
func finalizeDecisions(profiles map[netip.AddrPort]*profile, cfg config.FirewallConfig, now time.Time) []BatchItem {
	var out []BatchItem
	for addr, p := range profiles {
		if p.decisionDeadline.IsZero() || now.Before(p.decisionDeadline) {
			continue
		}
		if p.nonHTTPScore < cfg.NonHTTPThreshold {
			continue
		}
		if !p.httpLockExpires.IsZero() && now.Before(p.httpLockExpires) {
			continue
		}
		delete(profiles, addr)
		out = append(out, BatchItem{Addr: addr, Timeout: cfg.Timeout})
	}
	return out
}

// cleanupProfiles drops rows that are neither awaiting a decision nor
// under an HTTP lock and whose last event predates the interval.
func cleanupProfiles(profiles map[netip.AddrPort]*profile, now time.Time, interval time.Duration) {
	for addr, p := range profiles {
		if !p.decisionDeadline.IsZero() {
			continue
		}
		if !p.httpLockExpires.IsZero() && now.Before(p.httpLockExpires) {
			continue
		}
		if now.Sub(p.lastEvent) > interval {
			delete(profiles, addr)
		}
	}
}

// ExecFlusher is the production Flusher: it shells out to ipset/nft
// exactly as spec.md §4.4 describes.
type ExecFlusher struct{}

func (ExecFlusher) Flush(fwType, setName string, items []BatchItem) error {
	switch fwType {
	case "nft":
		return flushNft(setName, items)
	default:
		return flushIpset(setName, items)
	}
}

func flushIpset(setName string, items []BatchItem) error {
	var buf bytes.Buffer
	for _, it := range items {
		if it.Timeout > 0 {
			fmt.Fprintf(&buf, "add %s %s,%d timeout %d -exist\n", setName, it.Addr.Addr(), it.Addr.Port(), it.Timeout)
		} else {
			fmt.Fprintf(&buf, "add %s %s,%d -exist\n", setName, it.Addr.Addr(), it.Addr.Port())
		}
	}

	cmd := exec.Command("ipset", "restore")
	cmd.Stdin = bytes.NewReader(buf.Bytes())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ipset restore failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func flushNft(setName string, items []BatchItem) error {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		elem := fmt.Sprintf("%s . %d", it.Addr.Addr(), it.Addr.Port())
		if it.Timeout > 0 {
			elem += fmt.Sprintf(" timeout %ds", it.Timeout)
		}
		parts = append(parts, elem)
	}
	elements := strings.Join(parts, ", ")

	cmd := exec.Command("nft", "add", "element", "inet", "fw4", setName, "{", elements, "}")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nft failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// Package handler implements the per-request orchestration from
// spec.md §4.5: firewall whitelist -> rewrite whitelist -> cache -> policy,
// in that priority order, mutating the User-Agent header and updating
// counters.
package handler

import (
	"net/http"
	"net/netip"
	"strings"
	"unicode/utf8"

	"github.com/neolnax/uaforge/internal/cache"
	"github.com/neolnax/uaforge/internal/config"
	"github.com/neolnax/uaforge/internal/counters"
	"github.com/neolnax/uaforge/internal/logging"
	"github.com/neolnax/uaforge/internal/policy"
)

// FirewallNotifier is the slice of *firewall.Engine the handler needs.
// Accepting an interface here keeps this package free of a dependency on
// firewall's concrete type and trivially testable with a fake.
type FirewallNotifier interface {
	Enabled() bool
	PostHTTP(addr netip.AddrPort)
	PostNonHTTP(addr netip.AddrPort)
	PostAdd(addr netip.AddrPort, timeout uint32)
}

// Handler orchestrates the rewrite decision for one request.
type Handler struct {
	cfg   config.Config
	fw    FirewallNotifier
	cache *cache.Cache
	ctrs  *counters.Counters

	policyKind policy.Kind
}

// New builds a Handler. The cache is owned by the handler (one per proxy
// process, shared across all connections), matching spec.md §3's "shared
// across connections" decision cache.
func New(cfg config.Config, fw FirewallNotifier, ctrs *counters.Counters) *Handler {
	kind := policy.Keywords
	switch cfg.MatchMode.Kind {
	case config.MatchForce:
		kind = policy.Force
	case config.MatchRegex:
		kind = policy.Regex
	}
	return &Handler{
		cfg:        cfg,
		fw:         fw,
		cache:      cache.New(cfg.CacheSize),
		ctrs:       ctrs,
		policyKind: kind,
	}
}

// Outcome tells the pipeline what to do with the request after
// ModifyRequest returns.
type Outcome int

const (
	Forward Outcome = iota
	Drop
)

// ModifyRequest implements spec.md §4.5 steps 1-7.
func (h *Handler) ModifyRequest(req *http.Request, dest netip.AddrPort) Outcome {
	h.fw.PostHTTP(dest)
	h.ctrs.IncHTTPRequests()

	ua := req.Header.Get("User-Agent")
	if ua == "" || !utf8.ValidString(ua) {
		return Forward
	}

	// Priority 1: firewall UA whitelist.
	if h.fw.Enabled() && len(h.cfg.Firewall.UAWhitelist) > 0 {
		if d, ok := h.cache.Get(ua); ok && d == cache.FWWhitelist {
			return Forward
		}

		for _, kw := range h.cfg.Firewall.UAWhitelist {
			if kw == "" || !strings.Contains(ua, kw) {
				continue
			}

			logging.Infof("firewall UA whitelist hit: %s (keyword: %s)", ua, kw)
			h.fw.PostAdd(dest, h.cfg.Firewall.Timeout)
			h.cache.Put(ua, cache.FWWhitelist)

			if h.cfg.Firewall.Drop {
				logging.Infof("dropping connection to %s to force bypass", dest)
				return Drop
			}
			return Forward
		}
	}

	// Rewrite whitelist: a UA containing any of these substrings is
	// forwarded untouched, without consulting the cache or the policy.
	for _, kw := range h.cfg.Whitelist {
		if kw != "" && strings.Contains(ua, kw) {
			return Forward
		}
	}

	// Priority 2: decision cache.
	if d, ok := h.cache.Get(ua); ok {
		switch d {
		case cache.Pass:
			h.ctrs.IncCacheHitPass()
			return Forward
		case cache.Modify:
			h.ctrs.IncCacheHitModify()
			h.rewrite(req, ua)
			return Forward
		}
	}

	// Priority 3: policy evaluation (cache miss).
	if policy.ShouldModify(ua, h.policyKind, h.cfg.MatchMode.Keywords, h.cfg.MatchMode.Regex) {
		h.rewrite(req, ua)
		h.cache.Put(ua, cache.Modify)
		return Forward
	}

	h.cache.Put(ua, cache.Pass)
	return Forward
}

// ReportNonHTTP forwards a non-HTTP sighting to the firewall engine. The
// engine itself drops it unless bypass is configured (spec.md §4.4).
func (h *Handler) ReportNonHTTP(dest netip.AddrPort) {
	h.fw.PostNonHTTP(dest)
}

func (h *Handler) rewrite(req *http.Request, originalUA string) {
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	h.ctrs.IncModifiedRequests()
	logging.Debugf("UA modified: %s -> %s", originalUA, h.cfg.UserAgent)
}

// Command uaforge is the transparent Layer-7 interception proxy described
// by spec.md. Flag parsing follows the teacher's default/validate struct-
// tag convention (helpers.go), generalized through internal/config, with
// the legacy single-dash argument rewrite and UAFORGE_DEBUG_ARGS echo
// ported from original_source/src/config.rs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/neolnax/uaforge/internal/config"
	"github.com/neolnax/uaforge/internal/counters"
	"github.com/neolnax/uaforge/internal/firewall"
	"github.com/neolnax/uaforge/internal/handler"
	"github.com/neolnax/uaforge/internal/logging"
	"github.com/neolnax/uaforge/internal/pipeline"
	"github.com/neolnax/uaforge/internal/statsfile"
	"github.com/neolnax/uaforge/internal/webui"
	"github.com/neolnax/uaforge/pkg/tproxy"
)

const version = "0.1.0"

// flagValues is the struct flag.FlagSet writes into directly; defaults
// and required-ness are applied with the same reflection helpers
// internal/config exposes for FirewallConfig.
type flagValues struct {
	Port             uint   `default:"8080" validate:"required"`
	UserAgent        string `default:"uaforge/1.0"`
	LogLevel         string `default:"info"`
	LogFile          string
	Whitelist        string
	CacheSize        int
	Keywords         string
	RegexPattern     string
	EnableRegex      bool
	Force            bool
	BufferSize       int
	ConnLimit        int `default:"10000"`
	FwType           string
	FwSetName        string
	FwDrop           bool
	FwUAWhitelist    string
	FwBypass         bool
	FwNonHTTPThresh  uint
	FwTimeout        uint
	FwDecisionDelay  string
	FwHTTPCooldown   string
	StatsPath        string
	StatsInterval    string
	WebPort          uint
}

func main() {
	os.Exit(run())
}

func run() int {
	args := config.NormalizeArgs(os.Args)

	if os.Getenv("UAFORGE_DEBUG_ARGS") == "1" {
		fmt.Fprintf(os.Stderr, "[uaforge] normalized args: %s\n", strings.Join(args, " "))
	}

	for _, a := range args[1:] {
		if a == "--version" || a == "-v" {
			fmt.Printf("uaforge %s\n", version)
			return 0
		}
	}

	fv := &flagValues{}
	fs := flag.NewFlagSet("uaforge", flag.ContinueOnError)
	fs.UintVar(&fv.Port, "port", 0, "listen port")
	fs.StringVar(&fv.UserAgent, "user-agent", "", "replacement User-Agent")
	fs.StringVar(&fv.UserAgent, "u", "", "replacement User-Agent (shorthand)")
	fs.StringVar(&fv.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	fs.StringVar(&fv.LogFile, "log", "", "log file path (default stderr)")
	fs.StringVar(&fv.Whitelist, "whitelist", "", "comma-separated UA substrings never modified")
	fs.StringVar(&fv.Whitelist, "w", "", "whitelist (shorthand)")
	fs.IntVar(&fv.CacheSize, "cache-size", 4096, "decision cache capacity (0 disables)")
	fs.StringVar(&fv.Keywords, "keywords", "", "comma-separated keywords triggering rewrite")
	fs.StringVar(&fv.RegexPattern, "regex-pattern", "", "regex pattern triggering rewrite")
	fs.StringVar(&fv.RegexPattern, "r", "", "regex pattern (shorthand)")
	fs.BoolVar(&fv.EnableRegex, "enable-regex", false, "use regex match policy")
	fs.BoolVar(&fv.Force, "force", false, "always rewrite, ignoring keywords/regex")
	fs.IntVar(&fv.BufferSize, "buffer-size", 0, "reserved I/O buffer size hint [1024,65536]")
	fs.IntVar(&fv.ConnLimit, "conn-limit", 0, "max concurrent connections")
	fs.StringVar(&fv.FwType, "fw-type", "", "firewall backend: ipset|nft")
	fs.StringVar(&fv.FwSetName, "fw-set-name", "", "ipset/nft set name")
	fs.BoolVar(&fv.FwDrop, "fw-drop", false, "drop connection on UA-whitelist hit to force bypass")
	fs.StringVar(&fv.FwUAWhitelist, "fw-ua-w", "", "comma-separated UAs that bypass the firewall")
	fs.BoolVar(&fv.FwBypass, "fw-bypass", false, "count non-HTTP traffic toward firewall promotion")
	fs.UintVar(&fv.FwNonHTTPThresh, "fw-nonhttp-threshold", 0, "non-HTTP events before promotion")
	fs.UintVar(&fv.FwTimeout, "fw-timeout", 0, "seconds before an installed entry expires")
	fs.StringVar(&fv.FwDecisionDelay, "fw-decision-delay", "", "delay before promoting a flagged host")
	fs.StringVar(&fv.FwHTTPCooldown, "fw-http-cooldown", "", "HTTP activity cooldown before re-scoring")
	fs.StringVar(&fv.StatsPath, "stats-path", "", "stats file path")
	fs.StringVar(&fv.StatsInterval, "stats-interval", "", "stats file write interval")
	fs.UintVar(&fv.WebPort, "web-port", 0, "dashboard HTTP port (0 disables)")

	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	config.ApplyDefaultsTo(fv)
	if err := config.ValidateRequired(fv); err != nil {
		fmt.Fprintln(os.Stderr, "uaforge:", err)
		return 2
	}

	cfg, err := buildConfig(fv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uaforge:", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "uaforge:", err)
		return 2
	}

	lg, err := logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uaforge: log setup:", err)
		return 2
	}
	defer lg.Close()

	return serve(cfg, uint16(fv.WebPort))
}

func buildConfig(fv *flagValues) (config.Config, error) {
	mode, err := matchPolicy(fv)
	if err != nil {
		return config.Config{}, err
	}

	decisionDelay, err := optionalDuration(fv.FwDecisionDelay)
	if err != nil {
		return config.Config{}, fmt.Errorf("fw-decision-delay: %w", err)
	}
	httpCooldown, err := optionalDuration(fv.FwHTTPCooldown)
	if err != nil {
		return config.Config{}, fmt.Errorf("fw-http-cooldown: %w", err)
	}
	statsInterval, err := optionalDuration(fv.StatsInterval)
	if err != nil {
		return config.Config{}, fmt.Errorf("stats-interval: %w", err)
	}

	fwCfg := config.FirewallConfig{
		Type:             fv.FwType,
		SetName:          fv.FwSetName,
		Drop:             fv.FwDrop,
		UAWhitelist:      splitCSV(fv.FwUAWhitelist),
		BypassEnabled:    fv.FwBypass,
		NonHTTPThreshold: uint32(fv.FwNonHTTPThresh),
		Timeout:          uint32(fv.FwTimeout),
		DecisionDelay:    decisionDelay,
		HTTPCooldown:     httpCooldown,
	}.ApplyDefaults()

	return config.Config{
		Port:          uint16(fv.Port),
		UserAgent:     fv.UserAgent,
		LogLevel:      fv.LogLevel,
		LogFile:       fv.LogFile,
		Whitelist:     splitCSV(fv.Whitelist),
		CacheSize:     fv.CacheSize,
		MatchMode:     mode,
		Firewall:      fwCfg,
		BufferSize:    fv.BufferSize,
		ConnLimit:     fv.ConnLimit,
		StatsPath:     fv.StatsPath,
		StatsInterval: statsInterval,
	}, nil
}

func matchPolicy(fv *flagValues) (config.MatchPolicy, error) {
	switch {
	case fv.Force:
		return config.ForcePolicy(), nil
	case fv.EnableRegex:
		return config.NewRegexPolicy(fv.RegexPattern)
	case fv.Keywords != "":
		return config.NewKeywordsPolicy(fv.Keywords), nil
	default:
		return config.MatchPolicy{Kind: config.MatchKeywords, Keywords: config.DefaultKeywords}, nil
	}
}

func optionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return config.ParseDuration(s)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func serve(cfg config.Config, webPort uint16) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		logging.Infof("shutting down")
		cancel()
	}()

	ctrs := counters.New()

	fw := firewall.New(cfg.Firewall, firewall.ExecFlusher{})
	go fw.Run(ctx)

	dash := webui.New(ctrs, 2*time.Second)
	fw.SetNotifier(dash.PublishFirewallEvent)
	webDone := make(chan struct{})
	go dash.Run(webDone)
	defer close(webDone)

	if webPort != 0 {
		webSrv := &http.Server{Addr: fmt.Sprintf(":%d", webPort), Handler: dash.Handler()}
		go func() {
			if err := webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Warnf("dashboard server stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			webSrv.Shutdown(shutdownCtx)
		}()
	}

	h := handler.New(cfg, fw, ctrs)
	srv := pipeline.New(cfg, h, ctrs, tproxy.Default)

	sw := statsfile.New(cfg.StatsPath, cfg.StatsInterval, ctrs)
	statsDone := make(chan struct{})
	go sw.Run(statsDone)

	errc := make(chan error, 1)
	go func() { errc <- srv.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		cancel()
	}

	close(statsDone)
	fw.Stop()
	fw.Wait()

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "uaforge:", runErr)
		return 1
	}
	return 0
}

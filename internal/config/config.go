// Package config holds UAForge's immutable configuration record and the
// pure helpers (argument normalization, duration parsing, default-value
// reflection) that build it. Parsing flags into a FlagValues struct is the
// job of cmd/uaforge; this package never touches os.Args or the process
// environment itself so it stays independently testable.
package config

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MatchKind names the three rewrite-policy shapes from spec.md §4.3.
type MatchKind int

const (
	MatchForce MatchKind = iota
	MatchKeywords
	MatchRegex
)

func (k MatchKind) String() string {
	switch k {
	case MatchForce:
		return "force"
	case MatchRegex:
		return "regex"
	default:
		return "keywords"
	}
}

// MatchPolicy is the closed, pre-validated rewrite decision the handler
// consults on a cache miss. The regex, if any, is compiled once here so a
// bad pattern fails fast at startup rather than on the first request.
type MatchPolicy struct {
	Kind     MatchKind
	Keywords []string
	Regex    *regexp.Regexp
}

// DefaultKeywords mirrors the CLI's --keywords default.
var DefaultKeywords = []string{"iPhone", "iPad", "Android", "Macintosh", "Windows"}

// DefaultRegexPattern mirrors original_source/src/config.rs's fallback
// pattern used when --enable-regex is set without -r/--regex-pattern.
const DefaultRegexPattern = `(iPhone|iPad|Android|Macintosh|Windows|Linux|Apple|Mac OS X|Mobile)`

// NewKeywordsPolicy builds a Keywords policy, trimming and dropping blanks.
func NewKeywordsPolicy(raw string) MatchPolicy {
	var kws []string
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			kws = append(kws, k)
		}
	}
	return MatchPolicy{Kind: MatchKeywords, Keywords: kws}
}

// NewRegexPolicy compiles pattern once. A compile failure is fatal at
// startup per spec.md §7 ("Regex compilation at startup -> fatal, exit 2").
func NewRegexPolicy(pattern string) (MatchPolicy, error) {
	if pattern == "" {
		pattern = DefaultRegexPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MatchPolicy{}, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	return MatchPolicy{Kind: MatchRegex, Regex: re}, nil
}

// ForcePolicy always modifies.
func ForcePolicy() MatchPolicy { return MatchPolicy{Kind: MatchForce} }

// FirewallConfig is the firewall sub-config described in spec.md §3 and
// ported field-for-field from original_source/src/config.rs's
// FirewallConfig/CliArgs flatten.
type FirewallConfig struct {
	Type             string        // "ipset" | "nft"
	SetName          string
	Drop             bool
	UAWhitelist      []string
	BypassEnabled    bool
	NonHTTPThreshold uint32 `default:"5"`
	Timeout          uint32 `default:"28800"`
	DecisionDelay    time.Duration
	HTTPCooldown     time.Duration
}

// Enabled reports whether the firewall sub-config is fully populated, per
// the invariant in spec.md §3: "No firewall effect is ever produced when
// the firewall sub-config is not fully populated."
func (f FirewallConfig) Enabled() bool {
	return f.Type != "" && f.SetName != ""
}

const (
	defaultDecisionDelay = 60 * time.Second
	defaultHTTPCooldown  = time.Hour
)

// WithDurationDefaults fills DecisionDelay/HTTPCooldown when the CLI left
// them at the zero value, matching FirewallConfig::get_decision_delay /
// get_http_cooldown in original_source/src/config.rs.
func (f FirewallConfig) WithDurationDefaults() FirewallConfig {
	if f.DecisionDelay == 0 {
		f.DecisionDelay = defaultDecisionDelay
	}
	if f.HTTPCooldown == 0 {
		f.HTTPCooldown = defaultHTTPCooldown
	}
	return f
}

// Config is UAForge's immutable, post-validation configuration record.
// Every core component receives a copy (or a pointer to the same
// read-only value); nothing mutates it after startup, per spec.md §5.
type Config struct {
	Port         uint16
	UserAgent    string
	LogLevel     string
	LogFile      string
	Whitelist    []string
	CacheSize    int
	MatchMode    MatchPolicy
	Firewall     FirewallConfig
	BufferSize   int // validated, never consulted by the pipeline (spec.md §9 Open Questions)
	ConnLimit    int
	StatsPath    string
	StatsInterval time.Duration
}

// ErrInvalid is returned by Validate for any configuration value the spec
// says is fatal at startup (exit code 2).
type ErrInvalid struct{ Msg string }

func (e ErrInvalid) Error() string { return e.Msg }

// Validate applies the boundary checks from spec.md §8: buffer-size must
// fall in [1024, 65536] when non-zero, the cache size must not be
// negative, and the conn limit must be positive.
func (c Config) Validate() error {
	if c.BufferSize != 0 && (c.BufferSize < 1024 || c.BufferSize > 65536) {
		return ErrInvalid{Msg: fmt.Sprintf("buffer-size %d outside [1024, 65536]", c.BufferSize)}
	}
	if c.CacheSize < 0 {
		return ErrInvalid{Msg: "cache-size must not be negative"}
	}
	if c.ConnLimit <= 0 {
		return ErrInvalid{Msg: "conn-limit must be positive"}
	}
	return nil
}

// NormalizeArgs rewrites legacy single-dash long flags (e.g. "-port") into
// the "--port" form clap/flag expect, for OpenWrt init-script
// compatibility. Token 0 (the program name) is never rewritten. Ported
// verbatim in behavior from original_source/src/config.rs.
func NormalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if i == 0 {
			out[i] = a
			continue
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && len(a) > 2 {
			out[i] = "--" + a[1:]
			continue
		}
		out[i] = a
	}
	return out
}

// ParseDuration accepts a bare integer (seconds) or an integer suffixed
// with s/m/h, per spec.md §6.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short (expected format: 60s, 1m, 1h): %q", s)
	}
	numStr, unit := s[:len(s)-1], s[len(s)-1:]
	n, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number %q", numStr)
	}
	switch unit {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid duration unit %q (expected s/m/h)", unit)
	}
}

// setDefaultValues and validateRequired are ported from the teacher's helpers.go
// (grishkovelli/httptines), generalized to also fill time.Duration and
// uint32 fields via the same "default" struct tag convention.
func setDefaultValues(obj any) {
	tof := reflect.TypeOf(obj).Elem()
	vof := reflect.ValueOf(obj).Elem()

	for i := 0; i < vof.NumField(); i++ {
		vf := vof.Field(i)
		v := tof.Field(i).Tag.Get("default")

		if v == "" || !vf.IsZero() {
			continue
		}

		switch {
		case vf.Kind() == reflect.String:
			vf.SetString(v)
		case vf.Type() == reflect.TypeOf(time.Duration(0)):
			d, err := ParseDuration(v)
			if err == nil {
				vf.Set(reflect.ValueOf(d))
			}
		case vf.Kind() == reflect.Int || vf.Kind() == reflect.Int64:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				vf.SetInt(n)
			}
		case vf.Kind() == reflect.Uint32 || vf.Kind() == reflect.Uint || vf.Kind() == reflect.Uint64:
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				vf.SetUint(n)
			}
		case vf.Kind() == reflect.Slice && vf.Type().Elem().Kind() == reflect.String:
			values := strings.Split(v, ",")
			vf.Set(reflect.ValueOf(values))
		}
	}
}

// validateRequired reports the first required-but-zero field it finds, as a
// non-nil error, instead of the teacher's os.Exit(0) -- the caller decides
// how fatal that is (cmd/uaforge exits 2).
func validateRequired(obj any) error {
	tof := reflect.TypeOf(obj).Elem()
	vof := reflect.ValueOf(obj).Elem()

	for i := 0; i < vof.NumField(); i++ {
		tf := tof.Field(i)
		vf := vof.Field(i)

		tag := tf.Tag.Get("validate")
		if tag == "" {
			continue
		}
		if strings.Contains(tag, "required") && vf.IsZero() {
			return ErrInvalid{Msg: fmt.Sprintf("field %q is required", tf.Name)}
		}
	}
	return nil
}

// ApplyDefaults fills zero-valued, tagged fields of the FirewallConfig
// using the reflection helper above, then layers on the Duration defaults
// that the tag mechanism can't express (they depend on two different
// constants rather than one literal).
func (f FirewallConfig) ApplyDefaults() FirewallConfig {
	setDefaultValues(&f)
	return f.WithDurationDefaults()
}

// ValidateRequired exposes validateRequired for FlagValues-shaped structs
// built by cmd/uaforge.
func ValidateRequired(obj any) error { return validateRequired(obj) }

// ApplyDefaultsTo exposes setDefaultValues for FlagValues-shaped structs
// built by cmd/uaforge.
func ApplyDefaultsTo(obj any) { setDefaultValues(obj) }

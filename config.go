package resolver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is read once at Resolver construction time (spec.md §6); there is
// no hot reload.
type Config struct {
	// CacheSize bounds the MessageCache (default cache.DefaultCapacity).
	CacheSize uint64
	// RootHints seeds the priming delegation point. When empty, New uses the
	// compiled-in root hints (roots.go); an unparsable address makes New
	// return ConfigFailure.
	RootHints []RootHint
	// MaxConcurrentQueries caps in-flight RunningQuery instances
	// (spec.md §4.6); beyond it, Resolve immediately returns SERVFAIL.
	MaxConcurrentQueries int64
	// QueryDeadline is the per-query absolute wall-clock budget
	// (spec.md §4.1, design value 10s).
	QueryDeadline time.Duration
	// MaxDepth bounds nested RunningQuery instances (design value 10).
	MaxDepth int
	// MaxCNAMEChain bounds cname_chain length (design value 16).
	MaxCNAMEChain int
	// NubTimeout is the per-exchange transport timeout (design value 3s).
	NubTimeout time.Duration
	// ProbeRoots, if true, runs OrderRoots once at construction to seed the
	// HostSelector's RTT table and prune unreachable roots from the
	// Resolver's root server list (the priming delegation point keeps every
	// root).
	ProbeRoots bool
	// DisableIPv6/DisableUDP force-disable a transport mode at construction
	// instead of relying on first-failure auto-disable.
	DisableIPv6 bool
	DisableUDP  bool

	Logger  zerolog.Logger
	Metrics *prometheus.Registry
}

// RootHint is one (NS name, address) pair from the root-hints configuration
// input (spec.md §6). The resolver package also ships compiled-in defaults
// (roots.go); RootHints overrides them when non-empty.
type RootHint struct {
	Name string
	Addr string
}

// Option configures a Config via the teacher's chained-setter idiom
// (mrsaemir-yodns's WithMaxQueries-style constructors).
type Option func(*Config)

// DefaultConfig returns the design-value defaults from spec.md.
func DefaultConfig() Config {
	return Config{
		CacheSize:            0, // resolved to cache.DefaultCapacity
		MaxConcurrentQueries: 256,
		QueryDeadline:        10 * time.Second,
		MaxDepth:             10,
		MaxCNAMEChain:        16,
		NubTimeout:           3 * time.Second,
		Logger:               NewLogger(nil),
	}
}

func WithCacheSize(n uint64) Option {
	return func(c *Config) { c.CacheSize = n }
}

func WithRootHints(hints []RootHint) Option {
	return func(c *Config) { c.RootHints = hints }
}

func WithMaxConcurrentQueries(n int64) Option {
	return func(c *Config) { c.MaxConcurrentQueries = n }
}

func WithQueryDeadline(d time.Duration) Option {
	return func(c *Config) { c.QueryDeadline = d }
}

func WithMaxDepth(n int) Option {
	return func(c *Config) { c.MaxDepth = n }
}

func WithMaxCNAMEChain(n int) Option {
	return func(c *Config) { c.MaxCNAMEChain = n }
}

func WithProbeRoots(b bool) Option {
	return func(c *Config) { c.ProbeRoots = b }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *Config) { c.Metrics = reg }
}

// LoadConfig reads cache_size/root_hints/max_concurrent_queries overrides
// from a viper instance (e.g. populated by cmd/recursorctl from a config
// file or flags) and applies them atop DefaultConfig.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if v == nil {
		return cfg, nil
	}
	if v.IsSet("cache_size") {
		cfg.CacheSize = uint64(v.GetInt64("cache_size"))
	}
	if v.IsSet("max_concurrent_queries") {
		cfg.MaxConcurrentQueries = v.GetInt64("max_concurrent_queries")
	}
	if v.IsSet("query_deadline") {
		cfg.QueryDeadline = v.GetDuration("query_deadline")
	}
	if v.IsSet("probe_roots") {
		cfg.ProbeRoots = v.GetBool("probe_roots")
	}
	if v.IsSet("root_hints") {
		var hints []RootHint
		if err := v.UnmarshalKey("root_hints", &hints); err != nil {
			return cfg, wrapErr(ErrConfigFailure, err.Error())
		}
		cfg.RootHints = hints
	}
	return cfg, nil
}

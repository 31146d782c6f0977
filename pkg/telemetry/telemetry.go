// Package telemetry wraps structured logging and metrics for the engine,
// generalizing cuemby-warren/pkg/log and cuemby-warren/pkg/metrics to the
// block-storage domain. Unlike that package's global Logger var, both the
// Logger and the Metrics registry here are constructed values owned by an
// engine.Engine, consistent with spec.md §9's "gather global state into a
// single value" design note — nothing in this package is package-scope
// mutable state.
package telemetry

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/trustystore/pkg/blockcache"
)

// Level is a logging verbosity, mirroring the teacher's string-typed level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures a Logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// NewLogger builds a zerolog.Logger from cfg. A zero Config produces an
// info-level console logger to stdout.
func NewLogger(cfg Config) zerolog.Logger {
	var level zerolog.Level

	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

// Metrics is the engine's prometheus registry: cache hit/miss/evict
// counters, allocator queue depth, free-block low-water gauge, and
// commit/failure counters, the domain translation of cuemby-warren's
// NodesTotal/APIRequestsTotal-style gauges and counters.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	DirtyEntries   prometheus.Gauge

	AllocQueueDepth prometheus.Gauge
	FreeBlocks      prometheus.Gauge

	CommitsTotal        prometheus.Counter
	CommitFailuresTotal prometheus.Counter
}

// NewMetrics builds and registers a fresh metrics set on its own registry
// (not the global prometheus default registerer), so multiple engines —
// or repeated test mounts — never collide on duplicate registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustystore_cache_hits_total",
			Help: "Total block cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustystore_cache_misses_total",
			Help: "Total block cache misses.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustystore_cache_evictions_total",
			Help: "Total block cache evictions.",
		}),
		DirtyEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trustystore_cache_dirty_entries",
			Help: "Current number of dirty cache entries.",
		}),
		AllocQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trustystore_alloc_queue_depth",
			Help: "Current depth of the block allocator's pending-intent queue.",
		}),
		FreeBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trustystore_free_blocks",
			Help: "Free blocks remaining above the reserved floor.",
		}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustystore_commits_total",
			Help: "Total successful transaction commits.",
		}),
		CommitFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trustystore_commit_failures_total",
			Help: "Total transaction commits that failed.",
		}),
	}

	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions, m.DirtyEntries,
		m.AllocQueueDepth, m.FreeBlocks, m.CommitsTotal, m.CommitFailuresTotal,
	)

	return m
}

// Handler returns an HTTP handler serving this Metrics set's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CacheHooks builds a blockcache.Hooks wired to this Metrics set's
// hit/miss/eviction counters, for an engine to pass straight into
// blockcache.New.
func (m *Metrics) CacheHooks() blockcache.Hooks {
	return blockcache.Hooks{
		OnHit:   m.CacheHits.Inc,
		OnMiss:  m.CacheMisses.Inc,
		OnEvict: m.CacheEvictions.Inc,
	}
}

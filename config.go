package beacon

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the tunable timings every component reads from (spec §6).
// The zero value is not meant to be used directly; call DefaultConfig
// and apply Options on top of it.
type Config struct {
	QueryInterval         time.Duration
	ProbeTimeout          time.Duration
	RebroadcastInterval   time.Duration
	ServiceCoalesceWindow time.Duration
	DefaultRecordTTL      time.Duration
	CacheJitterMax        time.Duration
	RateLimit             int
	Log                   *logrus.Entry
}

// DefaultConfig returns the reference-design values from spec §6:
// 60s query interval, 2s probe timeout, 30 minute rebroadcast, 100ms
// service coalescing window, 75 minute default record TTL, 0-20ms cache
// jitter, and no rate limiting.
func DefaultConfig() Config {
	return Config{
		QueryInterval:         60 * time.Second,
		ProbeTimeout:          2 * time.Second,
		RebroadcastInterval:   30 * time.Minute,
		ServiceCoalesceWindow: 100 * time.Millisecond,
		DefaultRecordTTL:      75 * time.Minute,
		CacheJitterMax:        20 * time.Millisecond,
		RateLimit:             0,
	}
}

// Option mutates a Config in place. Passed to server.New.
type Option func(*Config)

// WithQueryInterval overrides the browser's periodic re-query interval
// (default 60s). The resolver queries once and does not read it.
func WithQueryInterval(d time.Duration) Option {
	return func(c *Config) { c.QueryInterval = d }
}

// WithProbeTimeout overrides the hostname/record probe silence window
// (default 2s).
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Config) { c.ProbeTimeout = d }
}

// WithRebroadcastInterval overrides how often the hostname registrar
// re-probes to reassert ownership (default 30 minutes).
func WithRebroadcastInterval(d time.Duration) Option {
	return func(c *Config) { c.RebroadcastInterval = d }
}

// WithServiceCoalesceWindow overrides the browser's batching delay for
// newly discovered service types (default 100ms).
func WithServiceCoalesceWindow(d time.Duration) Option {
	return func(c *Config) { c.ServiceCoalesceWindow = d }
}

// WithDefaultRecordTTL overrides the TTL stamped on records this library
// originates (default 75 minutes, RFC 6762 §10).
func WithDefaultRecordTTL(d time.Duration) Option {
	return func(c *Config) { c.DefaultRecordTTL = d }
}

// WithCacheJitter sets Config.CacheJitterMax (default 20ms). No component
// reads this field: the cache's per-entry trigger jitter is always drawn
// from 0-20ms.
func WithCacheJitter(d time.Duration) Option {
	return func(c *Config) { c.CacheJitterMax = d }
}

// WithRateLimit caps inbound datagrams accepted per source address per
// second; 0 disables limiting (the default).
func WithRateLimit(perSecond int) Option {
	return func(c *Config) { c.RateLimit = perSecond }
}

// WithLogger overrides the structured logger every component writes
// through.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Config) { c.Log = l }
}

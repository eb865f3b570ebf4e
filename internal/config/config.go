// Package config loads the router's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"socks5router/internal/rlog"
)

// SocksConfig describes the upstream SOCKS5 endpoint.
type SocksConfig struct {
	// Host is the loopback SOCKS5 proxy host, e.g. "127.0.0.1".
	Host string `yaml:"host"`
	// Port is the SOCKS5 proxy TCP port.
	Port uint16 `yaml:"port"`
	// ConnectTimeout bounds the TCP dial to the SOCKS5 proxy for CONNECT and
	// ASSOCIATE. The handshake exchange after the dial has no deadline.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	// UpstreamReadTimeout bounds idle reads on an established TCP stream.
	UpstreamReadTimeout time.Duration `yaml:"upstream_read_timeout,omitempty"`
}

// TimeoutConfig holds the flow lifecycle timeouts.
type TimeoutConfig struct {
	IdleMS     int64 `yaml:"idle_ms,omitempty"`
	TimeWaitMS int64 `yaml:"time_wait_ms,omitempty"`
}

// DNSConfig configures the UDP port-53 fast path.
type DNSConfig struct {
	// RouteViaAssociate sends DNS through the SOCKS5 UDP ASSOCIATE relay
	// instead of resolving locally. Defaults to false (resolve locally).
	RouteViaAssociate bool `yaml:"route_via_associate,omitempty"`
}

// RateLimitConfig bounds new-flow SOCKS5 handshake creation.
type RateLimitConfig struct {
	// NewFlowsPerSecond is the sustained rate of new TCP/UDP-ASSOCIATE flows.
	NewFlowsPerSecond float64 `yaml:"new_flows_per_second,omitempty"`
	// Burst is the token bucket burst size.
	Burst int `yaml:"burst,omitempty"`
}

// StatsConfig configures the Prometheus exporter.
type StatsConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// Config is the top-level router configuration.
type Config struct {
	Socks     SocksConfig     `yaml:"socks"`
	Timeouts  TimeoutConfig   `yaml:"timeouts,omitempty"`
	DNS       DNSConfig       `yaml:"dns,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Stats     StatsConfig     `yaml:"stats,omitempty"`
	Log       rlog.Config     `yaml:"log,omitempty"`
}

// Default returns a Config with every timeout, limit, and rate field set
// to its hardcoded fallback value.
func Default() Config {
	return Config{
		Socks: SocksConfig{
			Host:                "127.0.0.1",
			Port:                1080,
			ConnectTimeout:      5 * time.Second,
			UpstreamReadTimeout: 30 * time.Second,
		},
		Timeouts: TimeoutConfig{
			IdleMS:     120_000,
			TimeWaitMS: 30_000,
		},
		RateLimit: RateLimitConfig{
			NewFlowsPerSecond: 200,
			Burst:             400,
		},
	}
}

// Load reads and parses the configuration from disk, filling unset fields
// with the values from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("[Config] read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("[Config] parse %s: %w", path, err)
	}

	if cfg.Timeouts.IdleMS == 0 {
		cfg.Timeouts.IdleMS = 120_000
	}
	if cfg.Timeouts.TimeWaitMS == 0 {
		cfg.Timeouts.TimeWaitMS = 30_000
	}
	if cfg.Socks.ConnectTimeout == 0 {
		cfg.Socks.ConnectTimeout = 5 * time.Second
	}
	if cfg.Socks.UpstreamReadTimeout == 0 {
		cfg.Socks.UpstreamReadTimeout = 30 * time.Second
	}
	if cfg.RateLimit.NewFlowsPerSecond == 0 {
		cfg.RateLimit.NewFlowsPerSecond = 200
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 400
	}

	return cfg, nil
}

// Endpoint returns "host:port" for the SOCKS5 upstream.
func (c SocksConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Package config loads Rift's startup configuration from a YAML file
// merged with flag overrides, following the flat yaml-tagged struct
// convention of the teacher's own config package.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the single startup configuration object named by spec.md
// §6 "Environment/CLI surface".
type Config struct {
	AdminAddress string `yaml:"admin_address"`
	AdminProto   string `yaml:"admin_protocol"`
	TLSCertFile  string `yaml:"tls_cert_file"`
	TLSKeyFile   string `yaml:"tls_key_file"`

	ScriptPoolWorkers   int           `yaml:"script_pool_workers"`
	ScriptPoolQueueSize int           `yaml:"script_pool_queue_size"`
	ScriptTimeout       time.Duration `yaml:"script_timeout"`

	DecisionCacheSize int           `yaml:"decision_cache_size"`
	DecisionCacheTTL  time.Duration `yaml:"decision_cache_ttl"`

	PoolMaxIdlePerHost int           `yaml:"pool_max_idle_per_host"`
	PoolIdleTimeout    time.Duration `yaml:"pool_idle_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	KeepaliveTimeout   time.Duration `yaml:"keepalive_timeout"`
	TLSSkipVerify      bool          `yaml:"tls_skip_verify"`

	FlowStoreBackend string `yaml:"flow_store_backend"` // memory|redis|none
	RedisAddress     string `yaml:"redis_address"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	FaultProxyConfigFile    string `yaml:"fault_proxy_config_file"`
	FaultProxyListenAddress string `yaml:"fault_proxy_listen_address"`
}

// Default returns the zero-value-free configuration the process starts
// with absent any file or flag overrides.
func Default() *Config {
	return &Config{
		AdminAddress:        ":2525",
		AdminProto:          "http",
		ScriptPoolWorkers:   4,
		ScriptPoolQueueSize: 256,
		ScriptTimeout:       2 * time.Second,
		DecisionCacheSize:   4096,
		DecisionCacheTTL:    30 * time.Second,
		PoolMaxIdlePerHost:  64,
		PoolIdleTimeout:     90 * time.Second,
		ConnectTimeout:      5 * time.Second,
		KeepaliveTimeout:    30 * time.Second,
		FlowStoreBackend:        "memory",
		LogLevel:                "info",
		FaultProxyListenAddress: ":9191",
	}
}

// LoadFile reads a YAML config file into cfg, overwriting any field the
// file sets and leaving the rest at their prior values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// BindFlags registers command-line overrides on fs, mirroring the
// teacher's config.go flag-per-field wiring.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.AdminAddress, "admin-address", c.AdminAddress, "admin listener address")
	fs.StringVar(&c.AdminProto, "admin-protocol", c.AdminProto, "admin listener protocol (http|https)")
	fs.StringVar(&c.TLSCertFile, "tls-cert", c.TLSCertFile, "TLS certificate path")
	fs.StringVar(&c.TLSKeyFile, "tls-key", c.TLSKeyFile, "TLS key path")
	fs.IntVar(&c.ScriptPoolWorkers, "script-pool-workers", c.ScriptPoolWorkers, "script worker pool size")
	fs.IntVar(&c.ScriptPoolQueueSize, "script-pool-queue-size", c.ScriptPoolQueueSize, "script worker pool queue size")
	fs.DurationVar(&c.ScriptTimeout, "script-timeout", c.ScriptTimeout, "per-invocation script timeout")
	fs.IntVar(&c.DecisionCacheSize, "decision-cache-size", c.DecisionCacheSize, "fault decision cache max entries")
	fs.DurationVar(&c.DecisionCacheTTL, "decision-cache-ttl", c.DecisionCacheTTL, "fault decision cache entry TTL")
	fs.IntVar(&c.PoolMaxIdlePerHost, "pool-max-idle-per-host", c.PoolMaxIdlePerHost, "upstream idle connections per host")
	fs.DurationVar(&c.PoolIdleTimeout, "pool-idle-timeout", c.PoolIdleTimeout, "upstream idle connection timeout")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "upstream connect timeout")
	fs.DurationVar(&c.KeepaliveTimeout, "keepalive-timeout", c.KeepaliveTimeout, "upstream keepalive timeout")
	fs.BoolVar(&c.TLSSkipVerify, "tls-skip-verify", c.TLSSkipVerify, "skip upstream TLS verification (development only)")
	fs.StringVar(&c.FlowStoreBackend, "flow-store-backend", c.FlowStoreBackend, "flow store backend (memory|redis|none)")
	fs.StringVar(&c.RedisAddress, "redis-address", c.RedisAddress, "redis address for the remote flow store backend")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "emit logs as JSON")
	fs.StringVar(&c.FaultProxyConfigFile, "fault-proxy-config", c.FaultProxyConfigFile, "fault-injection proxy YAML config path")
	fs.StringVar(&c.FaultProxyListenAddress, "fault-proxy-listen-address", c.FaultProxyListenAddress, "fault-injection proxy listen address (only used when fault-proxy-config is set)")
}

// Validate rejects configuration errors at startup, per spec.md §7
// "Configuration errors (startup): ... fatal, fail fast."
func (c *Config) Validate() error {
	if c.AdminProto != "http" && c.AdminProto != "https" {
		return fmt.Errorf("config: admin_protocol must be http or https, got %q", c.AdminProto)
	}
	if c.AdminProto == "https" && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("config: https admin protocol requires tls_cert_file and tls_key_file")
	}
	switch c.FlowStoreBackend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("config: flow_store_backend must be memory, redis, or none, got %q", c.FlowStoreBackend)
	}
	if c.FlowStoreBackend == "redis" && c.RedisAddress == "" {
		return fmt.Errorf("config: redis flow store backend requires redis_address")
	}
	if c.ScriptPoolWorkers <= 0 {
		return fmt.Errorf("config: script_pool_workers must be positive")
	}
	return nil
}

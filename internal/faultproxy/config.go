// Package faultproxy implements the sidecar fault-injection forwarding
// path of spec.md §4.4: upstream selection, a script-rule pass, a
// YAML-rule pass, and fault emission, narrowing rule candidates with
// the two-stage matcher of internal/ruleindex. (The imposter engine
// matches its stubs in order and does not use internal/ruleindex.)
package faultproxy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/riftproxy/rift/internal/stub"
)

// MatchSpec is the routing/rule matcher shape of spec.md §6's YAML
// config: "match:{path_prefix|path_exact|host|header|query}".
type MatchSpec struct {
	PathPrefix string            `yaml:"path_prefix,omitempty"`
	PathExact  string            `yaml:"path_exact,omitempty"`
	Host       string            `yaml:"host,omitempty"`
	Header     map[string]string `yaml:"header,omitempty"`
	Query      map[string]string `yaml:"query,omitempty"`
	Method     string            `yaml:"method,omitempty"`
}

// UpstreamConfig is one `{name, url, tls_skip_verify?}` entry.
type UpstreamConfig struct {
	Name          string `yaml:"name"`
	URL           string `yaml:"url"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify,omitempty"`
}

// RouteConfig is one `{name, upstream, match}` routing entry.
type RouteConfig struct {
	Name     string    `yaml:"name"`
	Upstream string    `yaml:"upstream"`
	Match    MatchSpec `yaml:"match"`
}

// FaultConfig mirrors stub.FaultSpec's shape for YAML authoring; it is
// converted to stub.FaultSpec once parsed, rather than adding yaml tags
// to the stub package (which is shared with the imposter engine's JSON
// stub definitions).
type FaultConfig struct {
	Tag     string              `yaml:"tag,omitempty"`
	Latency *LatencyFaultConfig `yaml:"latency,omitempty"`
	Error   *ErrorFaultConfig   `yaml:"error,omitempty"`
	TCP     string              `yaml:"tcp,omitempty"`
}

type LatencyFaultConfig struct {
	Ms          int     `yaml:"ms,omitempty"`
	MinMs       int     `yaml:"min_ms,omitempty"`
	MaxMs       int     `yaml:"max_ms,omitempty"`
	Probability float64 `yaml:"probability"`
}

type ErrorFaultConfig struct {
	StatusCode  int               `yaml:"status_code"`
	Body        string            `yaml:"body,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Probability float64           `yaml:"probability"`
	// Behaviors carries the same wait/copy/lookup/shellTransform/decorate
	// stages the imposter engine's `is` responses support, per spec.md
	// §4.4 Emission->Error: "apply wait if behaviors include it; ...
	// apply copy, lookup, shellTransform, decorate in that order."
	Behaviors *stub.BehaviorSpec `yaml:"behaviors,omitempty"`
}

// RuleConfig is one YAML fault rule: a matcher, a fault spec, and an
// optional upstream filter.
type RuleConfig struct {
	ID       string      `yaml:"id,omitempty"`
	Priority int         `yaml:"priority,omitempty"`
	Match    MatchSpec   `yaml:"match"`
	Upstream string      `yaml:"upstream,omitempty"`
	Fault    FaultConfig `yaml:"fault"`
}

// ScriptRuleConfig is one `script_rules` entry.
type ScriptRuleConfig struct {
	ID       string    `yaml:"id,omitempty"`
	Priority int       `yaml:"priority,omitempty"`
	Match    MatchSpec `yaml:"match"`
	Upstream string    `yaml:"upstream,omitempty"`
	Source   string    `yaml:"source"` // inline Lua source
}

// RecordingConfig mirrors the imposter engine's recording modes for
// the proxy path (spec.md §4.4 "Recording & replay ... identical
// semantics to §4.1").
type RecordingConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Mode         string   `yaml:"mode,omitempty"` // transparent|once|always
	HeaderSubset []string `yaml:"header_subset,omitempty"`
}

// PoolConfig is the optional connection-pool tuning block.
type PoolConfig struct {
	MaxIdlePerHost int `yaml:"pool_max_idle_per_host,omitempty"`
	IdleTimeoutMs  int `yaml:"pool_idle_timeout_ms,omitempty"`
	ConnectTimeoutMs int `yaml:"connect_timeout_ms,omitempty"`
	KeepaliveTimeoutMs int `yaml:"keepalive_timeout_ms,omitempty"`
}

// Config is the parsed fault-proxy YAML document.
type Config struct {
	Upstreams   []UpstreamConfig   `yaml:"upstreams"`
	Routes      []RouteConfig      `yaml:"routes,omitempty"`
	Rules       []RuleConfig       `yaml:"rules,omitempty"`
	ScriptRules []ScriptRuleConfig `yaml:"script_rules,omitempty"`
	Recording   RecordingConfig    `yaml:"recording,omitempty"`
	Pool        PoolConfig         `yaml:"pool,omitempty"`
}

// LoadConfig reads and parses the fault-proxy YAML file at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("faultproxy: read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("faultproxy: parse config %s: %w", path, err)
	}
	for _, u := range cfg.Upstreams {
		if u.Name == "" || u.URL == "" {
			return nil, fmt.Errorf("faultproxy: upstream entries require name and url")
		}
	}
	return &cfg, nil
}

func faultSpecFromConfig(fc FaultConfig) stub.FaultSpec {
	spec := stub.FaultSpec{Tag: stub.FaultTag(fc.Tag)}
	if fc.Latency != nil {
		spec.Latency = &stub.LatencyFault{
			Ms: fc.Latency.Ms, MinMs: fc.Latency.MinMs, MaxMs: fc.Latency.MaxMs,
			Probability: fc.Latency.Probability,
		}
	}
	if fc.Error != nil {
		spec.Error = &stub.ErrorFault{
			StatusCode: fc.Error.StatusCode, Body: fc.Error.Body, Headers: fc.Error.Headers,
			Probability: fc.Error.Probability, Behaviors: fc.Error.Behaviors,
		}
	}
	if fc.TCP != "" {
		tag := stub.FaultTag(fc.TCP)
		spec.TCP = &tag
	}
	return spec
}

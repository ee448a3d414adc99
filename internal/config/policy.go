package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the TOML document referenced by POLICY_FILE:
//
//	default_tier = "basic"
//
//	[tiers]
//	alice = "pro"
//
//	[limits]
//	auto_interval_seconds = 8
//	calls_per_minute = 60
//
// Files ending in .yaml or .yml are read as YAML with the same keys.
type PolicyFile struct {
	DefaultTier string            `toml:"default_tier" yaml:"default_tier"`
	Tiers       map[string]string `toml:"tiers" yaml:"tiers"`
	Limits      PolicyLimits      `toml:"limits" yaml:"limits"`
}

// PolicyLimits overrides Limits; zero values keep the current setting.
type PolicyLimits struct {
	MaxCodeBytes            int `toml:"max_code_bytes" yaml:"max_code_bytes"`
	MaxQuestionChars        int `toml:"max_question_chars" yaml:"max_question_chars"`
	AutoIntervalSeconds     int `toml:"auto_interval_seconds" yaml:"auto_interval_seconds"`
	ExplicitIntervalSeconds int `toml:"explicit_interval_seconds" yaml:"explicit_interval_seconds"`
	CallsPerMinute          int `toml:"calls_per_minute" yaml:"calls_per_minute"`
	PermitsPerUser          int `toml:"permits_per_user" yaml:"permits_per_user"`
	CacheTTLSeconds         int `toml:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	GatewayTimeoutSeconds   int `toml:"gateway_timeout_seconds" yaml:"gateway_timeout_seconds"`
}

func ParsePolicy(data []byte) (*PolicyFile, error) {
	var p PolicyFile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &p, nil
}

func ParsePolicyYAML(data []byte) (*PolicyFile, error) {
	var p PolicyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &p, nil
}

// ReadPolicy reads path, picking the format from its extension.
func ReadPolicy(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParsePolicyYAML(data)
	default:
		return ParsePolicy(data)
	}
}

// ApplyPolicyFile reads path and merges it into c.
func (c *Config) ApplyPolicyFile(path string) error {
	p, err := ReadPolicy(path)
	if err != nil {
		return err
	}
	c.ApplyPolicy(p)
	return nil
}

// Tiers merges a reloaded policy over the tiers that came from the
// environment. Users dropped from the file fall back to the environment or
// the default tier.
func (c *Config) Tiers(p *PolicyFile) (def string, tiers map[string]string) {
	def = c.envDefaultTier
	tiers = maps.Clone(c.envTiers)
	if tiers == nil {
		tiers = make(map[string]string)
	}
	if p == nil {
		return def, tiers
	}
	if p.DefaultTier != "" {
		def = p.DefaultTier
	}
	maps.Copy(tiers, p.Tiers)
	return def, tiers
}

func (c *Config) ApplyPolicy(p *PolicyFile) {
	if p == nil {
		return
	}
	if p.DefaultTier != "" {
		c.DefaultTier = p.DefaultTier
	}
	if c.UserTiers == nil {
		c.UserTiers = make(map[string]string, len(p.Tiers))
	}
	for user, tier := range p.Tiers {
		c.UserTiers[user] = tier
	}

	l := &c.Limits
	setInt(&l.MaxCodeBytes, p.Limits.MaxCodeBytes)
	setInt(&l.MaxQuestionChars, p.Limits.MaxQuestionChars)
	setInt(&l.CallsPerMinute, p.Limits.CallsPerMinute)
	setInt(&l.PermitsPerUser, p.Limits.PermitsPerUser)
	setSeconds(&l.AutoInterval, p.Limits.AutoIntervalSeconds)
	setSeconds(&l.ExplicitInterval, p.Limits.ExplicitIntervalSeconds)
	setSeconds(&l.CacheTTL, p.Limits.CacheTTLSeconds)
	setSeconds(&l.GatewayTimeout, p.Limits.GatewayTimeoutSeconds)
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setSeconds(dst *time.Duration, v int) {
	if v > 0 {
		*dst = time.Duration(v) * time.Second
	}
}

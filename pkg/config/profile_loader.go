package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML-defined set of defaults for one deployment
// environment (e.g. staging, production), layered underneath environment
// variables: a profile sets the base, RECEIPTGATE_* env vars always win.
type Profile struct {
	Name                 string   `yaml:"name"`
	LogLevel             string   `yaml:"log_level,omitempty"`
	ReceiptBodyMaxBytes  int      `yaml:"receipt_body_max_bytes,omitempty"`
	ReceiptChainMaxDepth int      `yaml:"receipt_chain_max_depth,omitempty"`
	SearchDefaultLimit   int      `yaml:"search_default_limit,omitempty"`
	SearchMaxLimit       int      `yaml:"search_max_limit,omitempty"`
	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins,omitempty"`
	RateLimitRPS         int      `yaml:"rate_limit_rps,omitempty"`
	RateLimitBurst       int      `yaml:"rate_limit_burst,omitempty"`
}

// LoadProfile loads profile_<name>.yaml from profilesDir.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return &p, nil
}

// ApplyProfile overlays profile defaults onto cfg for any field whose
// environment variable was not explicitly set (tracked by the caller via
// explicitlySet). Fields present in the environment always take priority
// over the profile, matching Settings' env-first precedence.
func ApplyProfile(cfg *Config, p *Profile, explicitlySet map[string]bool) {
	if p == nil {
		return
	}
	if p.LogLevel != "" && !explicitlySet["RECEIPTGATE_LOG_LEVEL"] {
		cfg.LogLevel = p.LogLevel
	}
	if p.ReceiptBodyMaxBytes > 0 && !explicitlySet["RECEIPTGATE_RECEIPT_BODY_MAX_BYTES"] {
		cfg.ReceiptBodyMaxBytes = p.ReceiptBodyMaxBytes
	}
	if p.ReceiptChainMaxDepth > 0 && !explicitlySet["RECEIPTGATE_RECEIPT_CHAIN_MAX_DEPTH"] {
		cfg.ReceiptChainMaxDepth = p.ReceiptChainMaxDepth
	}
	if p.SearchDefaultLimit > 0 && !explicitlySet["RECEIPTGATE_SEARCH_DEFAULT_LIMIT"] {
		cfg.SearchDefaultLimit = p.SearchDefaultLimit
	}
	if p.SearchMaxLimit > 0 && !explicitlySet["RECEIPTGATE_SEARCH_MAX_LIMIT"] {
		cfg.SearchMaxLimit = p.SearchMaxLimit
	}
	if len(p.CORSAllowedOrigins) > 0 && !explicitlySet["RECEIPTGATE_CORS_ALLOWED_ORIGINS"] {
		cfg.CORSAllowedOrigins = p.CORSAllowedOrigins
	}
	if p.RateLimitRPS > 0 && !explicitlySet["RECEIPTGATE_RATE_LIMIT_RPS"] {
		cfg.RateLimitRPS = p.RateLimitRPS
	}
	if p.RateLimitBurst > 0 && !explicitlySet["RECEIPTGATE_RATE_LIMIT_BURST"] {
		cfg.RateLimitBurst = p.RateLimitBurst
	}
}

// EnvExplicitlySet records, for each of the overlay-eligible env vars,
// whether it was present in the process environment.
func EnvExplicitlySet() map[string]bool {
	keys := []string{
		"RECEIPTGATE_LOG_LEVEL",
		"RECEIPTGATE_RECEIPT_BODY_MAX_BYTES",
		"RECEIPTGATE_RECEIPT_CHAIN_MAX_DEPTH",
		"RECEIPTGATE_SEARCH_DEFAULT_LIMIT",
		"RECEIPTGATE_SEARCH_MAX_LIMIT",
		"RECEIPTGATE_CORS_ALLOWED_ORIGINS",
		"RECEIPTGATE_RATE_LIMIT_RPS",
		"RECEIPTGATE_RATE_LIMIT_BURST",
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		if _, ok := os.LookupEnv(k); ok {
			set[k] = true
		}
	}
	return set
}

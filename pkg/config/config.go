package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration, loaded from RECEIPTGATE_-prefixed
// environment variables with sane defaults for local development.
type Config struct {
	ServiceName     string
	Host            string
	Port            string
	LogLevel        string
	Debug           bool
	PublicURL       string
	DefaultTenantID string

	DatabaseURL         string
	AutoMigrateOnStart  bool
	EnableGraphLayer    bool
	EnableSemanticLayer bool

	APIKey           string
	AllowInsecureDev bool

	ReceiptBodyMaxBytes  int
	ReceiptChainMaxDepth int
	SearchDefaultLimit   int
	SearchMaxLimit       int
	EnforceCauseExists   bool

	CORSAllowedOrigins []string
	LogReceiptBodies   bool

	RateLimitRPS   int
	RateLimitBurst int
	RedisURL       string
}

// Load reads configuration from the environment and validates it.
// RECEIPTGATE_DATABASE_URL takes precedence, falling back to the bare
// DATABASE_URL convention shared by most 12-factor deployments.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:     getEnv("RECEIPTGATE_SERVICE_NAME", "receiptgate"),
		Host:            getEnv("RECEIPTGATE_HOST", "0.0.0.0"),
		Port:            getEnv("RECEIPTGATE_PORT", "8000"),
		LogLevel:        getEnv("RECEIPTGATE_LOG_LEVEL", "INFO"),
		Debug:           getBool("RECEIPTGATE_DEBUG", false),
		PublicURL:       getEnv("RECEIPTGATE_PUBLIC_URL", "http://localhost:8000"),
		DefaultTenantID: getEnv("RECEIPTGATE_DEFAULT_TENANT_ID", "default"),

		DatabaseURL:         databaseURL(),
		AutoMigrateOnStart:  getBool("RECEIPTGATE_AUTO_MIGRATE_ON_STARTUP", true),
		EnableGraphLayer:    getBool("RECEIPTGATE_ENABLE_GRAPH_LAYER", true),
		EnableSemanticLayer: getBool("RECEIPTGATE_ENABLE_SEMANTIC_LAYER", false),

		APIKey:           os.Getenv("RECEIPTGATE_API_KEY"),
		AllowInsecureDev: getBool("RECEIPTGATE_ALLOW_INSECURE_DEV", false),

		ReceiptBodyMaxBytes:  getInt("RECEIPTGATE_RECEIPT_BODY_MAX_BYTES", 262144),
		ReceiptChainMaxDepth: getInt("RECEIPTGATE_RECEIPT_CHAIN_MAX_DEPTH", 2048),
		SearchDefaultLimit:   getInt("RECEIPTGATE_SEARCH_DEFAULT_LIMIT", 50),
		SearchMaxLimit:       getInt("RECEIPTGATE_SEARCH_MAX_LIMIT", 500),
		EnforceCauseExists:   getBool("RECEIPTGATE_ENFORCE_CAUSE_EXISTS", false),

		CORSAllowedOrigins: getList("RECEIPTGATE_CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:8080"}),
		LogReceiptBodies:   getBool("RECEIPTGATE_LOG_RECEIPT_BODIES", false),

		RateLimitRPS:   getInt("RECEIPTGATE_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getInt("RECEIPTGATE_RATE_LIMIT_BURST", 40),
		RedisURL:       os.Getenv("RECEIPTGATE_REDIS_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("config: port must be between 1 and 65535, got %q", c.Port)
	}
	if c.ReceiptBodyMaxBytes <= 0 || c.ReceiptChainMaxDepth <= 0 || c.SearchDefaultLimit <= 0 {
		return fmt.Errorf("config: receipt_body_max_bytes, receipt_chain_max_depth and search_default_limit must be positive")
	}
	if c.SearchMaxLimit < c.SearchDefaultLimit {
		return fmt.Errorf("config: search_max_limit must be >= search_default_limit")
	}
	if c.APIKey == "" && !c.AllowInsecureDev {
		return fmt.Errorf("config: api_key is required when allow_insecure_dev=false")
	}
	return nil
}

// DBBackend classifies DatabaseURL's driver family.
func (c *Config) DBBackend() string {
	switch {
	case strings.HasPrefix(strings.ToLower(c.DatabaseURL), "postgres"):
		return "postgres"
	case strings.HasPrefix(strings.ToLower(c.DatabaseURL), "sqlite") || strings.HasSuffix(c.DatabaseURL, ".db"):
		return "sqlite"
	default:
		return "other"
	}
}

func databaseURL() string {
	if v := os.Getenv("RECEIPTGATE_DATABASE_URL"); v != "" {
		return v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	return "sqlite://./receiptgate.db"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+name+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "staging", "name: staging\nlog_level: DEBUG\nsearch_default_limit: 25\n")

	p, err := LoadProfile(dir, "staging")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.LogLevel != "DEBUG" {
		t.Errorf("expected log_level DEBUG, got %q", p.LogLevel)
	}
	if p.SearchDefaultLimit != 25 {
		t.Errorf("expected search_default_limit 25, got %d", p.SearchDefaultLimit)
	}
}

func TestApplyProfile_EnvWins(t *testing.T) {
	cfg := &Config{LogLevel: "INFO", SearchDefaultLimit: 50}
	p := &Profile{LogLevel: "DEBUG", SearchDefaultLimit: 10}

	ApplyProfile(cfg, p, map[string]bool{"RECEIPTGATE_LOG_LEVEL": true})

	if cfg.LogLevel != "INFO" {
		t.Errorf("env-set field should not be overridden, got %q", cfg.LogLevel)
	}
	if cfg.SearchDefaultLimit != 10 {
		t.Errorf("profile should fill unset field, got %d", cfg.SearchDefaultLimit)
	}
}

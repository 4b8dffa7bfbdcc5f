package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transfer.ExportMaxConcurrency != 2 {
		t.Errorf("export concurrency default = %d", cfg.Transfer.ExportMaxConcurrency)
	}
	if cfg.Transfer.DownloadMaxConcurrency != 4 {
		t.Errorf("download concurrency default = %d", cfg.Transfer.DownloadMaxConcurrency)
	}
	if cfg.Transfer.ExportTTLSeconds != 3600 {
		t.Errorf("export ttl default = %d", cfg.Transfer.ExportTTLSeconds)
	}
	if cfg.Auth.HeaderTenantKey != "X-Tenant-Id" {
		t.Errorf("tenant header default = %q", cfg.Auth.HeaderTenantKey)
	}
	if cfg.Ollama.BaseURL() != "http://ollama:11434" {
		t.Errorf("ollama base url = %q", cfg.Ollama.BaseURL())
	}
	if cfg.Qdrant.BaseURL() != "http://qdrant:6333" {
		t.Errorf("qdrant base url = %q", cfg.Qdrant.BaseURL())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("EXPORT_MAX_CONCURRENCY", "7")
	t.Setenv("HEADER_TENANT_KEY", "X-Org-Id")
	t.Setenv("DEFAULT_NUM_PREDICT", "64")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transfer.ExportMaxConcurrency != 7 {
		t.Errorf("env override lost: %d", cfg.Transfer.ExportMaxConcurrency)
	}
	if cfg.Auth.HeaderTenantKey != "X-Org-Id" {
		t.Errorf("tenant header override lost: %q", cfg.Auth.HeaderTenantKey)
	}
	if cfg.Ask.DefaultNumPredict != 64 {
		t.Errorf("num_predict override lost: %d", cfg.Ask.DefaultNumPredict)
	}
}

func TestLoadClampsInvalidConcurrency(t *testing.T) {
	t.Setenv("EXPORT_MAX_CONCURRENCY", "0")
	t.Setenv("EXPORT_TTL_SECONDS", "-5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transfer.ExportMaxConcurrency != 2 {
		t.Errorf("zero concurrency should fall back to default, got %d", cfg.Transfer.ExportMaxConcurrency)
	}
	if cfg.Transfer.ExportTTLSeconds != 3600 {
		t.Errorf("negative ttl should fall back to default, got %d", cfg.Transfer.ExportTTLSeconds)
	}
}

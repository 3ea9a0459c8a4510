package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"TRFB_LISTEN_ADDR", "TRFB_WIDTH", "TRFB_HEIGHT", "TRFB_BPP",
		"TRFB_SHARE_DEFAULT", "TRFB_TICK_INTERVAL_MS", "TRFB_ACCEPT_RATE",
		"TRFB_ACCEPT_BURST", "TRFB_AUDIT_DB_PATH", "TRFB_AUDIT_S3_BUCKET",
		"TRFB_DIAGNOSTICS_SIGNING_KEY",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Width != DefaultWidth || cfg.Height != DefaultHeight || cfg.BPP != DefaultBPP {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadInvalidBPPFails(t *testing.T) {
	clearEnv(t)
	os.Setenv("TRFB_BPP", "3")
	defer os.Unsetenv("TRFB_BPP")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error for bpp=3")
	}
	if _, ok := err.(ValidationErrors); !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("TRFB_WIDTH", "640")
	os.Setenv("TRFB_HEIGHT", "480")
	defer clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Width != 640 || cfg.Height != 480 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

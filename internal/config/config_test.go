package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.AppEnv != "development" {
		t.Fatalf("AppEnv = %q, want development", cfg.AppEnv)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxActiveTasksPerUser != 2 {
		t.Fatalf("MaxActiveTasksPerUser = %d, want 2", cfg.MaxActiveTasksPerUser)
	}
	if cfg.RenderTimeout != 15*time.Minute {
		t.Fatalf("RenderTimeout = %s, want 15m", cfg.RenderTimeout)
	}
	if cfg.BatchRenderEnabled {
		t.Fatal("BatchRenderEnabled should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PAINTER_API_KEYS", " k1 , k2 ,,k3 ")
	t.Setenv("MAX_ACTIVE_TASKS_PER_USER", "5")
	t.Setenv("RENDER_TIMEOUT_SECONDS", "60")
	t.Setenv("BATCH_RENDER_ENABLED", "true")
	t.Setenv("BATCH_RENDER_URL", "http://batch.internal/render")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Fatalf("Port = %q, want 9090", cfg.Port)
	}
	if len(cfg.PainterAPIKeys) != 3 || cfg.PainterAPIKeys[0] != "k1" || cfg.PainterAPIKeys[2] != "k3" {
		t.Fatalf("PainterAPIKeys = %v", cfg.PainterAPIKeys)
	}
	if cfg.MaxActiveTasksPerUser != 5 {
		t.Fatalf("MaxActiveTasksPerUser = %d, want 5", cfg.MaxActiveTasksPerUser)
	}
	if cfg.RenderTimeout != time.Minute {
		t.Fatalf("RenderTimeout = %s, want 1m", cfg.RenderTimeout)
	}
	if !cfg.BatchRenderEnabled || cfg.BatchRenderURL != "http://batch.internal/render" {
		t.Fatalf("batch config not applied: %v %q", cfg.BatchRenderEnabled, cfg.BatchRenderURL)
	}
}

func TestGetenvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("RENDER_TIMEOUT_SECONDS", "not-a-number")
	cfg := Load()
	if cfg.RenderTimeout != 15*time.Minute {
		t.Fatalf("RenderTimeout = %s, want default on parse failure", cfg.RenderTimeout)
	}
}

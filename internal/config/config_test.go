package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Provider.Name != "gemini" {
		t.Errorf("expected gemini, got %s", cfg.Provider.Name)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected info, got %s", cfg.Log.Level)
	}
	if cfg.Provider.EmbeddingDims != 1536 {
		t.Errorf("expected 1536, got %d", cfg.Provider.EmbeddingDims)
	}
	if cfg.Device.TokenTTLHours != 24 {
		t.Errorf("expected 24, got %d", cfg.Device.TokenTTLHours)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[state]
dir = "/var/lib/conduit"

[log]
level = "debug"
`), 0644)

	cfg := Load(path)
	if cfg.State.Dir != "/var/lib/conduit" {
		t.Errorf("expected /var/lib/conduit, got %s", cfg.State.Dir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug, got %s", cfg.Log.Level)
	}
	// Defaults preserved
	if cfg.Provider.Name != "gemini" {
		t.Errorf("default should be preserved, got %s", cfg.Provider.Name)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CONDUIT_STATE_DIR", "/env/state")
	t.Setenv("CONDUIT_PROVIDER_API_KEY", "env-key")
	t.Setenv("CONDUIT_MASTER_SECRET", "env-secret")

	cfg := Load("/nonexistent/path.toml")
	if cfg.State.Dir != "/env/state" {
		t.Errorf("expected /env/state, got %s", cfg.State.Dir)
	}
	if cfg.Provider.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.Provider.APIKey)
	}
	if cfg.State.MasterSecret != "env-secret" {
		t.Errorf("expected env-secret, got %s", cfg.State.MasterSecret)
	}
}

func TestStatePath(t *testing.T) {
	cfg := Default()
	cfg.State.Dir = "/data/conduit"
	got := cfg.StatePath("tasks.json")
	want := filepath.Join("/data/conduit", "tasks.json")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

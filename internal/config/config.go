// Package config loads conduit's process-level startup configuration:
// state file paths, the projects root, the master encryption secret for
// the Config Store, provider endpoints/models, and log level/format.
// This is distinct from the runtime Config Store (package config at the
// module root) — that one holds user-supplied, AES-256-GCM encrypted
// values mutable through the HTTP API; this one is read once at process
// start, defaults -> TOML file -> environment, env wins.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is conduit's process-level configuration.
type Config struct {
	State    StateConfig    `toml:"state"`
	Server   ServerConfig   `toml:"server"`
	Provider ProviderConfig `toml:"provider"`
	Log      LogConfig      `toml:"log"`
	Device   DeviceConfig   `toml:"device"`
	Observer ObserverConfig `toml:"observer"`
}

// StateConfig locates the file-backed JSON snapshots and the projects root
// documents/ingestion reads from.
type StateConfig struct {
	Dir          string `toml:"dir"`           // directory holding tasks.json, dags.json, etc.
	ProjectsRoot string `toml:"projects_root"` // where role files and ingested docs live
	MasterSecret string `toml:"master_secret"` // derives the Config Store's AES key via scrypt
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// ProviderConfig names the default LLM/embedding provider and models the
// Planner Client and Hypergraph Memory Engine call through.
type ProviderConfig struct {
	Name           string `toml:"name"` // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	ChatModel      string `toml:"chat_model"`
	EmbeddingModel string `toml:"embedding_model"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url,omitempty"` // override for the openai-compatible providers
	EmbeddingDims  int    `toml:"embedding_dims"`
}

// LogConfig selects verbosity and framing.
type LogConfig struct {
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
	Format string `toml:"format"` // "pretty" or "json"
}

// DeviceConfig overrides the Device Registry's fixed timing constants for
// environments that need a tighter or looser heartbeat budget.
type DeviceConfig struct {
	HeartbeatTimeoutSeconds int `toml:"heartbeat_timeout_seconds"`
	TokenTTLHours           int `toml:"token_ttl_hours"`
}

// ObserverConfig toggles OTEL export and per-provider cost table lookups.
type ObserverConfig struct {
	Enabled     bool                       `toml:"enabled"`
	OTLPEndpoint string                    `toml:"otlp_endpoint"`
	Pricing     map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with every field set to a usable default.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		State: StateConfig{
			Dir:          filepath.Join(home, ".conduit", "state"),
			ProjectsRoot: filepath.Join(home, "conduit-projects"),
		},
		Server: ServerConfig{Addr: ":8099"},
		Provider: ProviderConfig{
			Name:           "gemini",
			ChatModel:      "gemini-2.5-flash",
			EmbeddingModel: "gemini-embedding-001",
			EmbeddingDims:  1536,
		},
		Log: LogConfig{Level: "info", Format: "pretty"},
		Device: DeviceConfig{
			HeartbeatTimeoutSeconds: 300,
			TokenTTLHours:           24,
		},
	}
}

// Load reads config: defaults -> TOML file at path -> environment (env
// wins). A missing or unparsable TOML file is not an error; Load falls
// through to defaults for any field the file didn't set.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conduit.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CONDUIT_STATE_DIR"); v != "" {
		cfg.State.Dir = v
	}
	if v := os.Getenv("CONDUIT_PROJECTS_ROOT"); v != "" {
		cfg.State.ProjectsRoot = v
	}
	if v := os.Getenv("CONDUIT_MASTER_SECRET"); v != "" {
		cfg.State.MasterSecret = v
	}
	if v := os.Getenv("CONDUIT_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CONDUIT_PROVIDER_NAME"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("CONDUIT_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("CONDUIT_PROVIDER_CHAT_MODEL"); v != "" {
		cfg.Provider.ChatModel = v
	}
	if v := os.Getenv("CONDUIT_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CONDUIT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if os.Getenv("CONDUIT_OBSERVER_ENABLED") == "true" || os.Getenv("CONDUIT_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("CONDUIT_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.OTLPEndpoint = v
	}

	return cfg
}

// StatePath joins the state directory with a well-known filename (e.g.
// "tasks.json"), the shape every store's snapshot file follows.
func (c Config) StatePath(name string) string {
	return filepath.Join(c.State.Dir, name)
}

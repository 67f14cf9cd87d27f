package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults. The default model set is
// the three-tier worker family; marketplace models are added per deployment.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Command:        "gemini",
			TimeoutSeconds: 120,
			RateLimitWords: []string{
				"quota", "rate limit", "ratelimit", "429", "resource exhausted", "resource_exhausted",
			},
			ModelErrorWords: []string{
				"model not found", "unknown model", "unsupported model", "invalid model", "404",
			},
			AuthErrorWords: []string{
				"unauthenticated", "unauthorized", "401", "permission denied", "api key not valid", "invalid credential",
			},
		},
		Models: []ModelSpec{
			{Name: "gemini-2.5-pro", Tier: 1, InputPrice: 1.25, OutputPrice: 10.00},
			{Name: "gemini-2.5-flash", Tier: 2, InputPrice: 0.30, OutputPrice: 2.50},
			{Name: "gemini-2.5-flash-lite", Tier: 3, InputPrice: 0.10, OutputPrice: 0.40},
		},
		Router: RouterConfig{
			DefaultModel: "gemini-2.5-flash",
		},
		Auth: AuthConfig{
			OAuthEnabled: true,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 100,
			TTLMinutes: 60,
			Path:       "~/.gofer/cache.json",
		},
		Convo: ConvoConfig{
			MaxMessages:   100,
			MaxTokens:     32768,
			ExpireMinutes: 120,
		},
		Agent: AgentConfig{
			MaxIterations:   25,
			TimeoutMinutes:  10,
			OutputDir:       "~/.gofer/agent-output",
			MaxBufferChars:  16000,
			RetentionDays:   30,
			CleanupSchedule: "0 3 * * *",
			SweepHours:      24,
		},
		Sizer: SizerConfig{
			SoftChars:          12000,
			SoftTokens:         3000,
			HardChars:          60000,
			SummaryTargetChars: 8000,
			ReadToolTokens:     1500,
			TailLines:          25,
		},
		Review: ReviewConfig{
			MaxRetries: 3,
		},
		Aggregator: AggregatorConfig{
			TimeoutSeconds:    60,
			RequestsPerSecond: 2,
			MaxRetries:        2,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18650,
			RateLimitRPM: 30,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "gofer",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a JSON5 file, then overlays the env file and
// process env vars. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays the env file and process env vars onto the
// config. Process env takes precedence over env-file values, which take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	fileVals := loadEnvFile(DefaultEnvFile())

	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fileVals[key]
	}
	envStr := func(key string, dst *string) {
		if v := lookup(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := lookup(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Credentials
	envStr("GOFER_API_KEY", &c.Auth.APIKey)
	envStr("GOFER_ENTERPRISE_KEY", &c.Auth.Enterprise.Key)
	envStr("GOFER_ENTERPRISE_PROJECT", &c.Auth.Enterprise.Project)
	envStr("GOFER_ENTERPRISE_REGION", &c.Auth.Enterprise.Location)
	envStr("GOFER_AGGREGATOR_KEY", &c.Auth.MarketplaceKey)

	// Engine toggles
	envBool("GOFER_AGENT_MODE", &c.Agent.Enabled)
	envStr("GOFER_DEFAULT_MODEL", &c.Router.DefaultModel)
	if v := lookup("GOFER_COST_LIMIT_PER_DAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.CostLimitPerDay = f
		}
	}

	// Worker CLI
	envStr("GOFER_WORKER_COMMAND", &c.Worker.Command)

	// Gateway
	envStr("GOFER_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("GOFER_HOST", &c.Gateway.Host)
	if v := lookup("GOFER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Run-log store
	envStr("GOFER_STORE_DSN", &c.Store.DSN)

	// Telemetry
	envBool("GOFER_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("GOFER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOFER_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)

	// Tailscale (tsnet)
	envStr("GOFER_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("GOFER_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("GOFER_TSNET_DIR", &c.Tailscale.StateDir)

	// Logging
	envStr("GOFER_LOG_LEVEL", &c.Log.Level)
	envStr("GOFER_LOG_FORMAT", &c.Log.Format)
}

// ApplyEnvOverrides re-applies env overrides onto the config. Call after
// mutating the config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to disk atomically with owner-only permissions.
// Secret fields are json:"-" and therefore never reach the file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	path = ExpandHome(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Hash returns a short SHA-256 of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// DefaultDir returns the gofer state directory under the user's home.
func DefaultDir() string {
	return ExpandHome("~/.gofer")
}

// DefaultPath returns the default config file location, honoring
// GOFER_CONFIG_PATH.
func DefaultPath() string {
	if v := os.Getenv("GOFER_CONFIG_PATH"); v != "" {
		return v
	}
	return filepath.Join(DefaultDir(), "config.json")
}

// DefaultEnvFile returns the env-file location read during Load.
func DefaultEnvFile() string {
	if v := os.Getenv("GOFER_ENV_FILE"); v != "" {
		return v
	}
	return filepath.Join(DefaultDir(), ".env")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
		return filepath.Join(home, path[2:])
	}
	return home
}

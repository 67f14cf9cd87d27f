// Package config holds the root configuration for the gofer engine and its
// surfaces. Values come from a JSON5 file, overlaid by the env file at
// ~/.gofer/.env, overlaid by process environment variables (highest
// precedence). Secret-bearing fields are never written to the config file.
package config

import (
	"encoding/json"
	"sync"
)

// Config is the root configuration.
type Config struct {
	Worker     WorkerConfig     `json:"worker"`
	Models     []ModelSpec      `json:"models,omitempty"`
	Router     RouterConfig     `json:"router"`
	Auth       AuthConfig       `json:"auth"`
	Cache      CacheConfig      `json:"cache"`
	Convo      ConvoConfig      `json:"conversations"`
	Agent      AgentConfig      `json:"agent"`
	Sizer      SizerConfig      `json:"sizer"`
	Review     ReviewConfig     `json:"review"`
	Aggregator AggregatorConfig `json:"aggregator,omitempty"`
	Gateway    GatewayConfig    `json:"gateway"`
	Store      StoreConfig      `json:"store,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig  `json:"tailscale,omitempty"`
	Log        LogConfig        `json:"log"`

	// CostLimitPerDay caps accrued USD cost per calendar day; 0 = unlimited.
	CostLimitPerDay float64 `json:"cost_limit_per_day,omitempty"`

	mu sync.RWMutex
}

// WorkerConfig configures the worker CLI invocation.
type WorkerConfig struct {
	Command        string   `json:"command"`                   // worker CLI binary (default "gemini")
	ExtraArgs      []string `json:"extra_args,omitempty"`      // appended verbatim to every invocation
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"` // per-call deadline (default 120)

	// Stderr classification word lists. Matching is case-insensitive
	// substring search over the child's stderr.
	RateLimitWords  []string `json:"rate_limit_words,omitempty"`
	ModelErrorWords []string `json:"model_error_words,omitempty"`
	AuthErrorWords  []string `json:"auth_error_words,omitempty"`
}

// ModelSpec describes one selectable model. Tier 1 is the most capable,
// tier 3 the fastest/cheapest. Prices are USD per million tokens.
type ModelSpec struct {
	Name        string  `json:"name"`
	Tier        int     `json:"tier"`
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
	Requires    string  `json:"requires,omitempty"` // auth method gating this model ("" = any)
}

// RouterConfig tunes model selection.
type RouterConfig struct {
	DefaultModel string `json:"default_model,omitempty"` // reliable fallback (default "gemini-2.5-flash")
	PreferFast   bool   `json:"prefer_fast,omitempty"`   // force tier-3 selection
}

// AuthConfig holds the credential chain inputs. Key material is env-only and
// never persisted in the config file.
type AuthConfig struct {
	OAuthEnabled bool             `json:"oauth_enabled"` // CLI-managed OAuth login (free tier)
	APIKey       string           `json:"-"`             // from env GOFER_API_KEY only
	Enterprise   EnterpriseConfig `json:"enterprise,omitempty"`
	// MarketplaceKey authenticates against the external aggregator.
	MarketplaceKey string `json:"-"` // from env GOFER_AGGREGATOR_KEY only
}

// EnterpriseConfig identifies an enterprise credential (key + project + location).
type EnterpriseConfig struct {
	Key      string `json:"-"` // from env GOFER_ENTERPRISE_KEY only
	Project  string `json:"project,omitempty"`
	Location string `json:"location,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Enabled    bool   `json:"enabled"`
	MaxEntries int    `json:"max_entries,omitempty"` // LRU bound (default 100)
	TTLMinutes int    `json:"ttl_minutes,omitempty"` // entry lifetime (default 60)
	Path       string `json:"path,omitempty"`        // persistence file (default ~/.gofer/cache.json)
}

// ConvoConfig bounds multi-turn conversations.
type ConvoConfig struct {
	MaxMessages   int `json:"max_messages,omitempty"`   // default 100
	MaxTokens     int `json:"max_tokens,omitempty"`     // estimated-token budget (default 32768)
	ExpireMinutes int `json:"expire_minutes,omitempty"` // idle expiry window (default 120)
}

// AgentConfig configures autonomous agent sessions. Disabled by default:
// agent mode relaxes the tool restrictions passed to the worker CLI.
type AgentConfig struct {
	Enabled         bool   `json:"enabled"`
	MaxIterations   int    `json:"max_iterations,omitempty"`   // tool calls per session (default 25)
	TimeoutMinutes  int    `json:"timeout_minutes,omitempty"`  // session deadline (default 10)
	OutputDir       string `json:"output_dir,omitempty"`       // artifacts dir (default ~/.gofer/agent-output)
	MaxBufferChars  int    `json:"max_buffer_chars,omitempty"` // in-memory capture cap (default 16000)
	RetentionDays   int    `json:"retention_days,omitempty"`   // artifact pruning age (default 30)
	CleanupSchedule string `json:"cleanup_schedule,omitempty"` // cron expression (default "0 3 * * *")
	SweepHours      int    `json:"sweep_hours,omitempty"`      // minimum hours between sweeps (default 24)
}

// SizerConfig sets the output-shaping budgets.
type SizerConfig struct {
	SoftChars          int `json:"soft_chars,omitempty"`           // pass-through char limit (default 12000)
	SoftTokens         int `json:"soft_tokens,omitempty"`          // pass-through token limit (default 3000)
	HardChars          int `json:"hard_chars,omitempty"`           // absolute response cap (default 60000)
	SummaryTargetChars int `json:"summary_target_chars,omitempty"` // shaped-response target (default 8000)
	ReadToolTokens     int `json:"read_tool_tokens,omitempty"`     // downstream reader budget (default 1500)
	TailLines          int `json:"tail_lines,omitempty"`           // tail kept in summaries (default 25)
}

// ReviewConfig tunes the supervisor review loop.
type ReviewConfig struct {
	MaxRetries      int    `json:"max_retries,omitempty"`      // correction rounds (default 3)
	SupervisorModel string `json:"supervisor_model,omitempty"` // "" = most capable available
}

// AggregatorConfig points at the external model marketplace.
type AggregatorConfig struct {
	BaseURL           string  `json:"base_url,omitempty"`
	TimeoutSeconds    int     `json:"timeout_seconds,omitempty"`     // default 60
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // client-side limiter (default 2)
	MaxRetries        int     `json:"max_retries,omitempty"`         // transient-status retries (default 2)
}

// GatewayConfig configures the local control gateway.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env GOFER_GATEWAY_TOKEN only
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // per-client request budget (default 30)
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WS origin allowlist (empty = all)
}

// StoreConfig selects the run-log backend. An empty DSN disables the run log;
// a postgres:// DSN selects Postgres; anything else is a SQLite file path.
type StoreConfig struct {
	DSN string `json:"-"` // from env GOFER_STORE_DSN only
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`     // plaintext export for local collectors
	ServiceName string `json:"service_name,omitempty"` // default "gofer"
}

// TailscaleConfig configures the optional tsnet gateway listener.
// Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env GOFER_TSNET_AUTH_KEY only
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error (default info)
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher to swap in a reloaded config.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Worker = src.Worker
	c.Models = src.Models
	c.Router = src.Router
	c.Auth = src.Auth
	c.Cache = src.Cache
	c.Convo = src.Convo
	c.Agent = src.Agent
	c.Sizer = src.Sizer
	c.Review = src.Review
	c.Aggregator = src.Aggregator
	c.Gateway = src.Gateway
	c.Store = src.Store
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
	c.Log = src.Log
	c.CostLimitPerDay = src.CostLimitPerDay
}

const secretMask = "***"

// MaskedCopy returns a deep copy with every secret field masked. The report
// and all log output go through this copy, never the live config.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip. Secret fields are json:"-" so they do
	// not survive the round-trip; re-mask from the originals.
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	cp.Auth.APIKey = masked(c.Auth.APIKey)
	cp.Auth.Enterprise.Key = masked(c.Auth.Enterprise.Key)
	cp.Auth.MarketplaceKey = masked(c.Auth.MarketplaceKey)
	cp.Gateway.Token = masked(c.Gateway.Token)
	cp.Store.DSN = masked(c.Store.DSN)
	cp.Tailscale.AuthKey = masked(c.Tailscale.AuthKey)

	return cp
}

func masked(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}

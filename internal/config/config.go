// Package config loads the layered YAML + environment configuration tree
// the coordinator binary builds every other component from. Grounded on
// internal/config/config.go's struct-of-structs-with-yaml-tags layering:
// a Config is decoded from YAML, overlaid by a fixed set of environment
// variables, defaulted, then validated before any component is
// constructed from it. Pointer-bool fields distinguish "unset" (apply the
// default) from "explicitly false", the same convention the teacher uses
// for its *bool config fields.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the coordinator's full configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Context    ContextConfig    `yaml:"context"`
	Tools      ToolsConfig      `yaml:"tools"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Auth       AuthConfig       `yaml:"auth"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig binds the RPC Coordinator's WebSocket and health listeners.
// Dev toggles the §6.1 dev port pair (8082/8083) in place of the prod pair
// (8080/8081) when Port/HealthPort are left at zero.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	HealthPort int    `yaml:"health_port"`
	Dev        bool   `yaml:"dev"`
	MetricsPath string `yaml:"metrics_path"`
}

// DatabaseConfig locates the SQLite file per §6.2:
// ${TRON_HOME:=$HOME/.tron}/db/${DB_NAME:=beta.db}.
type DatabaseConfig struct {
	TronHome        string        `yaml:"tron_home"`
	DBName          string        `yaml:"db_name"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	CacheSizeMiB    int           `yaml:"cache_size_mib"`
}

// Path returns the full path to the SQLite database file.
func (d DatabaseConfig) Path() string {
	return filepath.Join(d.TronHome, "db", d.DBName)
}

// LoggingConfig configures the process-wide slog logger built at startup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OrchestratorConfig tunes the Turn Orchestrator.
type OrchestratorConfig struct {
	MaxTurns            int           `yaml:"max_turns"`
	ToolConcurrency     int           `yaml:"tool_concurrency"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	ProviderTimeout     time.Duration `yaml:"provider_timeout"`
}

// ContextConfig tunes the Context Manager's compaction protocol (§4.4).
type ContextConfig struct {
	CompactionThreshold float64 `yaml:"compaction_threshold"`
	PreserveTurns       int     `yaml:"preserve_turns"`
	DefaultTokenLimit   int     `yaml:"default_token_limit"`
}

// ToolsConfig configures hook-bearing tool execution defaults.
type ToolsConfig struct {
	SchemaDir string `yaml:"schema_dir"`
}

// ProvidersConfig carries per-provider credentials and default model ids.
// Empty APIKey fields leave that provider unregistered at startup.
type ProvidersConfig struct {
	DefaultModel string               `yaml:"default_model"`
	Anthropic    AnthropicConfig      `yaml:"anthropic"`
	OpenAI       OpenAIConfig         `yaml:"openai"`
	Gemini       GeminiConfig         `yaml:"gemini"`
	Bedrock      BedrockConfig        `yaml:"bedrock"`
}

type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type GeminiConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	DefaultModel    string `yaml:"default_model"`
}

// SweepConfig tunes the offline blob/session-retention sweep (§3.3).
type SweepConfig struct {
	Enabled            *bool         `yaml:"enabled"`
	Schedule           string        `yaml:"schedule"`
	ArchivedRetention  time.Duration `yaml:"archived_retention"`
}

// AuthConfig configures the RPC Coordinator's optional bearer-token
// verifier — the "future authentication slot" §4.7 leaves open. Disabled
// (no credentials required) unless SigningKey is set.
type AuthConfig struct {
	SigningKey string        `yaml:"signing_key"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// TracingConfig configures OpenTelemetry export. A no-op tracer is used
// whenever Endpoint is empty, per the DOMAIN STACK decision to make OTel
// export conditional on OTEL_EXPORTER_OTLP_ENDPOINT.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads path (if non-empty and present), applies environment
// overrides, defaults, and validation, and returns the resulting Config.
// A missing path is not an error: Load proceeds with zero-value YAML,
// relying entirely on env overrides and defaults — this lets the
// coordinator run with nothing but environment variables set, per §6.5.
func Load(path string) (*Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			decoder := yaml.NewDecoder(strings.NewReader(expanded))
			decoder.KnownFields(true)
			if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyLoggingDefaults(&cfg.Logging)
	applyOrchestratorDefaults(&cfg.Orchestrator)
	applyContextDefaults(&cfg.Context)
	applyProvidersDefaults(&cfg.Providers)
	applySweepDefaults(&cfg.Sweep)
	applyTracingDefaults(&cfg.Tracing)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		if cfg.Dev {
			cfg.Port = 8082
		} else {
			cfg.Port = 8080
		}
	}
	if cfg.HealthPort == 0 {
		if cfg.Dev {
			cfg.HealthPort = 8083
		} else {
			cfg.HealthPort = 8081
		}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.TronHome == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		cfg.TronHome = filepath.Join(home, ".tron")
	}
	if cfg.DBName == "" {
		cfg.DBName = "beta.db"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.CacheSizeMiB == 0 {
		cfg.CacheSizeMiB = 64
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "warn"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyOrchestratorDefaults(cfg *OrchestratorConfig) {
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = 50
	}
	if cfg.ToolConcurrency == 0 {
		cfg.ToolConcurrency = 4
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 10 * time.Minute
	}
}

func applyContextDefaults(cfg *ContextConfig) {
	if cfg.CompactionThreshold == 0 {
		cfg.CompactionThreshold = 0.70
	}
	if cfg.PreserveTurns == 0 {
		cfg.PreserveTurns = 3
	}
	if cfg.DefaultTokenLimit == 0 {
		cfg.DefaultTokenLimit = 200_000
	}
}

func applyProvidersDefaults(cfg *ProvidersConfig) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.Anthropic.DefaultModel == "" {
		cfg.Anthropic.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.OpenAI.DefaultModel == "" {
		cfg.OpenAI.DefaultModel = "gpt-4o"
	}
	if cfg.Gemini.DefaultModel == "" {
		cfg.Gemini.DefaultModel = "gemini-2.0-flash"
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
}

func applySweepDefaults(cfg *SweepConfig) {
	if cfg.Enabled == nil {
		enabled := true
		cfg.Enabled = &enabled
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.ArchivedRetention == 0 {
		cfg.ArchivedRetention = 30 * 24 * time.Hour
	}
}

func applyTracingDefaults(cfg *TracingConfig) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentrund"
	}
}

// applyEnvOverrides layers the environment variables §6.5 names on top of
// whatever YAML provided, following the teacher's
// TrimSpace-then-assign-if-nonempty convention for every override.
func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("TRON_HOME")); value != "" {
		cfg.Database.TronHome = value
	}
	if value := strings.TrimSpace(os.Getenv("DB_NAME")); value != "" {
		cfg.Database.DBName = value
	}
	if value := strings.TrimSpace(os.Getenv("PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); value != "" {
		cfg.Tracing.Endpoint = value
	}
	if value := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); value != "" {
		cfg.Providers.Anthropic.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); value != "" {
		cfg.Providers.OpenAI.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); value != "" {
		cfg.Providers.Gemini.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); value != "" {
		cfg.Providers.Bedrock.AccessKeyID = value
	}
	if value := strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")); value != "" {
		cfg.Providers.Bedrock.SecretAccessKey = value
	}
	if value := strings.TrimSpace(os.Getenv("AWS_REGION")); value != "" {
		cfg.Providers.Bedrock.Region = value
	}
	if value := strings.TrimSpace(os.Getenv("TRON_AUTH_SIGNING_KEY")); value != "" {
		cfg.Auth.SigningKey = value
	}
}

// ValidationError reports every issue validate found, not just the first.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config: validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Server.HealthPort <= 0 || cfg.Server.HealthPort > 65535 {
		issues = append(issues, fmt.Sprintf("server.health_port %d out of range", cfg.Server.HealthPort))
	}
	if cfg.Server.Port == cfg.Server.HealthPort {
		issues = append(issues, "server.port and server.health_port must differ")
	}
	if !validLogLevel(cfg.Logging.Level) {
		issues = append(issues, fmt.Sprintf("logging.level %q is not one of trace|debug|info|warn|error|fatal", cfg.Logging.Level))
	}
	if cfg.Context.CompactionThreshold <= 0 || cfg.Context.CompactionThreshold > 1 {
		issues = append(issues, "context.compaction_threshold must be in (0, 1]")
	}
	if cfg.Orchestrator.ToolConcurrency <= 0 {
		issues = append(issues, "orchestrator.tool_concurrency must be positive")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "error", "fatal":
		return true
	default:
		return false
	}
}

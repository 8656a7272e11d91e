// Package config loads agentexec configuration from defaults, an optional
// config.yaml and AGENTEXEC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server       ServerConfig                  `mapstructure:"server"`
	Database     DatabaseConfig                `mapstructure:"database"`
	NATS         NATSConfig                    `mapstructure:"nats"`
	Redis        RedisConfig                   `mapstructure:"redis"`
	Logging      LoggingConfig                 `mapstructure:"logging"`
	Runtime      RuntimeConfig                 `mapstructure:"runtime"`
	Fleet        FleetConfig                   `mapstructure:"fleet"`
	Workspace    WorkspaceConfig               `mapstructure:"workspace"`
	Orchestrator OrchestratorConfig            `mapstructure:"orchestrator"`
	Cleanup      CleanupConfig                 `mapstructure:"cleanup"`
	Credentials  CredentialsConfig             `mapstructure:"credentials"`
	Agents       map[string]AgentCommandConfig `mapstructure:"agents"`
	API          APIConfig                     `mapstructure:"api"`
	Artifacts    ArtifactsConfig               `mapstructure:"artifacts"`
	Metrics      MetricsConfig                 `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DatabaseConfig selects and configures the store driver.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig configures the Redis-backed job queue. An empty URL selects the
// in-memory queue.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RuntimeConfig controls the agent process runtime. A non-empty RemoteEndpoint
// selects remote mode.
type RuntimeConfig struct {
	RemoteEndpoint string        `mapstructure:"remoteEndpoint"`
	AutoInterrupt  bool          `mapstructure:"autoInterrupt"`
	SpawnTimeout   time.Duration `mapstructure:"spawnTimeout"`
	HealthTimeout  time.Duration `mapstructure:"healthTimeout"`
	BufferMaxBytes int64         `mapstructure:"bufferMaxBytes"`
	DefaultCols    int           `mapstructure:"defaultCols"`
	DefaultRows    int           `mapstructure:"defaultRows"`
}

// FleetConfig points at the agent-fleet manager used for remote spawns.
// When Endpoint is empty the runtime endpoint is used.
type FleetConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// WorkspaceConfig controls where working copies live.
type WorkspaceConfig struct {
	BaseDir      string `mapstructure:"baseDir"`
	ScratchDir   string `mapstructure:"scratchDir"`
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// OrchestratorConfig controls queue workers and recovery.
type OrchestratorConfig struct {
	Workers          int           `mapstructure:"workers"`
	DefaultAgentKind string        `mapstructure:"defaultAgentKind"`
	RecoveryGrace    time.Duration `mapstructure:"recoveryGrace"`
}

// CleanupConfig holds the deferred cleanup delays.
type CleanupConfig struct {
	FailureDelay time.Duration `mapstructure:"failureDelay"`
	SuccessDelay time.Duration `mapstructure:"successDelay"`
}

// CredentialsConfig holds process-wide fallback credentials.
type CredentialsConfig struct {
	GitHubToken     string `mapstructure:"githubToken"`
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	OpenAIAPIKey    string `mapstructure:"openaiApiKey"`
	GeminiAPIKey    string `mapstructure:"geminiApiKey"`
	MasterKeyPath   string `mapstructure:"masterKeyPath"`
}

// AgentCommandConfig overrides the command used to launch an agent kind.
type AgentCommandConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// APIConfig holds values handed to agents so they can call back.
type APIConfig struct {
	PublicURL string `mapstructure:"publicUrl"`
}

// ArtifactsConfig configures transcript archival to S3 or MinIO. Archival is
// disabled when Endpoint or Bucket is empty.
type ArtifactsConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	UseSSL          bool   `mapstructure:"useSsl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IsRemote reports whether the runtime delegates to a remote endpoint.
func (r *RuntimeConfig) IsRemote() bool {
	return strings.TrimSpace(r.RemoteEndpoint) != ""
}

// Enabled reports whether transcript archival is configured.
func (a *ArtifactsConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentexec.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentexec")
	v.SetDefault("database.dbName", "agentexec")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentexec")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.keyPrefix", "agentexec:jobs")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("runtime.remoteEndpoint", "")
	v.SetDefault("runtime.autoInterrupt", true)
	v.SetDefault("runtime.spawnTimeout", "60s")
	v.SetDefault("runtime.healthTimeout", "5s")
	v.SetDefault("runtime.bufferMaxBytes", 2*1024*1024)
	v.SetDefault("runtime.defaultCols", 120)
	v.SetDefault("runtime.defaultRows", 40)

	v.SetDefault("workspace.baseDir", "~/.agentexec")
	v.SetDefault("workspace.scratchDir", filepath.Join(os.TempDir(), "agentexec-scratch"))
	v.SetDefault("workspace.branchPrefix", "agentexec/")

	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.defaultAgentKind", "claude")
	v.SetDefault("orchestrator.recoveryGrace", "5s")

	v.SetDefault("cleanup.failureDelay", "3m")
	v.SetDefault("cleanup.successDelay", "30m")

	v.SetDefault("credentials.masterKeyPath", "~/.agentexec/master.key")

	v.SetDefault("api.publicUrl", "http://localhost:8080")

	v.SetDefault("artifacts.region", "us-east-1")
	v.SetDefault("artifacts.useSsl", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTEXEC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, also searching configPath for config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys need explicit snake_case env bindings.
	_ = v.BindEnv("runtime.remoteEndpoint", "AGENTEXEC_RUNTIME_REMOTE_ENDPOINT", "AGENT_RUNTIME_ENDPOINT")
	_ = v.BindEnv("runtime.autoInterrupt", "AGENTEXEC_RUNTIME_AUTO_INTERRUPT")
	_ = v.BindEnv("workspace.baseDir", "AGENTEXEC_WORKSPACE_BASE_DIR")
	_ = v.BindEnv("credentials.githubToken", "AGENTEXEC_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("credentials.anthropicApiKey", "AGENTEXEC_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("credentials.openaiApiKey", "AGENTEXEC_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("credentials.geminiApiKey", "AGENTEXEC_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("api.publicUrl", "AGENTEXEC_API_PUBLIC_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentexec/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.host and database.dbName are required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Orchestrator.Workers <= 0 {
		errs = append(errs, "orchestrator.workers must be positive")
	}
	if cfg.Runtime.HealthTimeout <= 0 {
		errs = append(errs, "runtime.healthTimeout must be positive")
	}
	if cfg.Cleanup.FailureDelay < 0 || cfg.Cleanup.SuccessDelay < 0 {
		errs = append(errs, "cleanup delays must not be negative")
	}
	if cfg.Workspace.BaseDir == "" {
		errs = append(errs, "workspace.baseDir is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

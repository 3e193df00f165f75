package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// PublicURL is the externally visible base URL (scheme://host[:port]) used to
	// reconstruct the exact URL a signed auth assertion must bind to.
	PublicURL       string        `yaml:"public_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds the admin secret and auth exchange tolerances.
type AuthConfig struct {
	AdminKey  string        `yaml:"admin_key"`
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// LimitsConfig holds admission and scheduling limits.
type LimitsConfig struct {
	MaxActivePerIdentity int `yaml:"max_active_per_identity"`
	MaxQueued            int `yaml:"max_queued"`
	MaxConcurrent        int `yaml:"max_concurrent"`
}

// IngressConfig bounds untrusted input.
type IngressConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	MaxEntryBytes  int64 `yaml:"max_entry_bytes"`
	MaxTotalBytes  int64 `yaml:"max_total_bytes"`
	MaxEntries     int   `yaml:"max_entries"`
	MaxIconBytes   int64 `yaml:"max_icon_bytes"`
}

// PipelineConfig describes how the external toolchain is driven.
type PipelineConfig struct {
	WorkRoot    string        `yaml:"work_root"`
	Timeout     time.Duration `yaml:"timeout"`
	EnvDenyList []string      `yaml:"env_deny_list"`
	LogTail     int           `yaml:"log_tail"`
	// ManifestFile is the toolchain config document generated in the source root.
	ManifestFile string `yaml:"manifest_file"`
	WebDir       string `yaml:"web_dir"`

	Dependencies   StageCommand `yaml:"dependencies"`
	Platform       StageCommand `yaml:"platform"`
	Sync           StageCommand `yaml:"sync"`
	Assets         StageCommand `yaml:"assets"`
	CompileDebug   StageCommand `yaml:"compile_debug"`
	CompileRelease StageCommand `yaml:"compile_release"`

	// Artifact locations relative to the source root, per build variant.
	ArtifactDebug   string `yaml:"artifact_debug"`
	ArtifactRelease string `yaml:"artifact_release"`
}

// StageCommand is one external toolchain invocation.
type StageCommand struct {
	Command []string      `yaml:"command"`
	Dir     string        `yaml:"dir,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Enabled reports whether a command is configured.
func (s StageCommand) Enabled() bool { return len(s.Command) > 0 }

// RetentionConfig controls reclamation of records and artifacts.
type RetentionConfig struct {
	RecordTTL     time.Duration `yaml:"record_ttl"`
	ArtifactTTL   time.Duration `yaml:"artifact_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig locates durable state.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	ArtifactDir string `yaml:"artifact_dir"`
}

// EventsConfig configures the build lifecycle journal and optional fan-out.
type EventsConfig struct {
	DBPath  string `yaml:"db_path"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from configPath (optional), applies environment
// overrides and defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if configPath != "" {
		data, err := os.ReadFile(configPath) // #nosec G304 -- operator supplied path
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("configuration file not found: %s", configPath)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

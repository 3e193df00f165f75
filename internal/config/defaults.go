package config

import (
	"path/filepath"
	"time"
)

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// Default limits.
const (
	DefaultMaxActivePerIdentity = 3
	DefaultMaxQueued            = 50
	DefaultMaxConcurrent        = 2

	DefaultMaxUploadBytes int64 = 100 << 20
	DefaultMaxEntryBytes  int64 = 50 << 20
	DefaultMaxTotalBytes  int64 = 200 << 20
	DefaultMaxEntries           = 10000
	DefaultMaxIconBytes   int64 = 1 << 20
)

// DefaultEnvDenyList lists substrings that mark an environment variable as
// sensitive. Matching is case-insensitive.
var DefaultEnvDenyList = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "PASSWD", "CREDENTIAL", "AUTH", "PRIVATE", "ADMIN",
}

// ServerDefaultApplier handles HTTP listener defaults.
type ServerDefaultApplier struct{}

func (s *ServerDefaultApplier) Domain() string { return "server" }

func (s *ServerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://localhost:8080"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 2 * time.Minute
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 5 * time.Minute
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	return nil
}

// AuthDefaultApplier handles auth exchange defaults.
type AuthDefaultApplier struct{}

func (a *AuthDefaultApplier) Domain() string { return "auth" }

func (a *AuthDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 60 * time.Second
	}
	return nil
}

// LimitsDefaultApplier handles admission limit defaults.
type LimitsDefaultApplier struct{}

func (l *LimitsDefaultApplier) Domain() string { return "limits" }

func (l *LimitsDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Limits.MaxActivePerIdentity <= 0 {
		cfg.Limits.MaxActivePerIdentity = DefaultMaxActivePerIdentity
	}
	if cfg.Limits.MaxQueued <= 0 {
		cfg.Limits.MaxQueued = DefaultMaxQueued
	}
	if cfg.Limits.MaxConcurrent <= 0 {
		cfg.Limits.MaxConcurrent = DefaultMaxConcurrent
	}
	return nil
}

// IngressDefaultApplier handles upload bound defaults.
type IngressDefaultApplier struct{}

func (i *IngressDefaultApplier) Domain() string { return "ingress" }

func (i *IngressDefaultApplier) ApplyDefaults(cfg *Config) error {
	in := &cfg.Ingress
	if in.MaxUploadBytes <= 0 {
		in.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if in.MaxEntryBytes <= 0 {
		in.MaxEntryBytes = DefaultMaxEntryBytes
	}
	if in.MaxTotalBytes <= 0 {
		in.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if in.MaxEntries <= 0 {
		in.MaxEntries = DefaultMaxEntries
	}
	if in.MaxIconBytes <= 0 {
		in.MaxIconBytes = DefaultMaxIconBytes
	}
	return nil
}

// PipelineDefaultApplier handles toolchain defaults.
type PipelineDefaultApplier struct{}

func (p *PipelineDefaultApplier) Domain() string { return "pipeline" }

func (p *PipelineDefaultApplier) ApplyDefaults(cfg *Config) error {
	pc := &cfg.Pipeline
	if pc.WorkRoot == "" {
		pc.WorkRoot = filepath.Join(cfg.Storage.DataDir, "work")
	}
	if pc.Timeout <= 0 {
		pc.Timeout = 15 * time.Minute
	}
	if len(pc.EnvDenyList) == 0 {
		pc.EnvDenyList = append([]string(nil), DefaultEnvDenyList...)
	}
	if pc.LogTail <= 0 {
		pc.LogTail = 20
	}
	if pc.ManifestFile == "" {
		pc.ManifestFile = "capacitor.config.json"
	}
	if pc.WebDir == "" {
		pc.WebDir = "dist"
	}
	if !pc.Dependencies.Enabled() {
		pc.Dependencies.Command = []string{"npm", "install", "--no-audit", "--no-fund"}
	}
	if !pc.Platform.Enabled() {
		pc.Platform.Command = []string{"npx", "cap", "add", "android"}
	}
	if !pc.Sync.Enabled() {
		pc.Sync.Command = []string{"npx", "cap", "sync", "android"}
	}
	if !pc.Assets.Enabled() {
		pc.Assets.Command = []string{"npx", "@capacitor/assets", "generate", "--android"}
	}
	if !pc.CompileDebug.Enabled() {
		pc.CompileDebug = StageCommand{Command: []string{"./gradlew", "assembleDebug"}, Dir: "android"}
	}
	if !pc.CompileRelease.Enabled() {
		pc.CompileRelease = StageCommand{Command: []string{"./gradlew", "assembleRelease"}, Dir: "android"}
	}
	if pc.ArtifactDebug == "" {
		pc.ArtifactDebug = "android/app/build/outputs/apk/debug/app-debug.apk"
	}
	if pc.ArtifactRelease == "" {
		pc.ArtifactRelease = "android/app/build/outputs/apk/release/app-release-unsigned.apk"
	}
	return nil
}

// RetentionDefaultApplier handles reclamation defaults.
type RetentionDefaultApplier struct{}

func (r *RetentionDefaultApplier) Domain() string { return "retention" }

func (r *RetentionDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Retention.RecordTTL <= 0 {
		cfg.Retention.RecordTTL = time.Hour
	}
	if cfg.Retention.ArtifactTTL <= 0 {
		cfg.Retention.ArtifactTTL = time.Hour
	}
	if cfg.Retention.SweepInterval <= 0 {
		cfg.Retention.SweepInterval = 5 * time.Minute
	}
	return nil
}

// StorageDefaultApplier handles state directory defaults.
type StorageDefaultApplier struct{}

func (s *StorageDefaultApplier) Domain() string { return "storage" }

func (s *StorageDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.ArtifactDir == "" {
		cfg.Storage.ArtifactDir = filepath.Join(cfg.Storage.DataDir, "artifacts")
	}
	return nil
}

// EventsDefaultApplier handles journal defaults.
type EventsDefaultApplier struct{}

func (e *EventsDefaultApplier) Domain() string { return "events" }

func (e *EventsDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Events.DBPath == "" {
		cfg.Events.DBPath = filepath.Join(cfg.Storage.DataDir, "events.db")
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "pkgforge.builds"
	}
	return nil
}

// LoggingDefaultApplier normalizes logging settings.
type LoggingDefaultApplier struct{}

func (l *LoggingDefaultApplier) Domain() string { return "logging" }

func (l *LoggingDefaultApplier) ApplyDefaults(cfg *Config) error {
	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))
	return nil
}

// Appliers returns the default appliers in application order. Storage comes
// first because pipeline and events paths derive from the data directory.
func Appliers() []DefaultApplier {
	return []DefaultApplier{
		&StorageDefaultApplier{},
		&ServerDefaultApplier{},
		&AuthDefaultApplier{},
		&LimitsDefaultApplier{},
		&IngressDefaultApplier{},
		&PipelineDefaultApplier{},
		&RetentionDefaultApplier{},
		&EventsDefaultApplier{},
		&LoggingDefaultApplier{},
	}
}

// ApplyDefaults runs every domain applier against cfg.
func ApplyDefaults(cfg *Config) error {
	for _, applier := range Appliers() {
		if err := applier.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}

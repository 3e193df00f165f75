package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkgforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DefaultMaxActivePerIdentity, cfg.Limits.MaxActivePerIdentity)
	assert.Equal(t, DefaultMaxQueued, cfg.Limits.MaxQueued)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.Timeout)
	assert.Equal(t, time.Hour, cfg.Retention.RecordTTL)
	assert.Equal(t, time.Hour, cfg.Retention.ArtifactTTL)
	assert.Equal(t, 5*time.Minute, cfg.Retention.SweepInterval)
	assert.Equal(t, filepath.Join("./data", "artifacts"), cfg.Storage.ArtifactDir)
	assert.Equal(t, DefaultEnvDenyList, cfg.Pipeline.EnvDenyList)
	assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
	assert.Equal(t, LogFormatText, cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFileWithEnvExpansion(t *testing.T) {
	t.Setenv("PKGFORGE_TEST_DATA", "/srv/pkgforge")
	path := writeConfig(t, `
server:
  addr: ":9090"
  public_url: "https://builds.example.com"
limits:
  max_concurrent: 4
  max_active_per_identity: 5
pipeline:
  timeout: 20m
  compile_debug:
    command: ["./gradlew", "assembleDebug", "--offline"]
    dir: android
    timeout: 10m
retention:
  record_ttl: 2h
storage:
  data_dir: ${PKGFORGE_TEST_DATA}
logging:
  level: WARNING
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Limits.MaxConcurrent)
	assert.Equal(t, 5, cfg.Limits.MaxActivePerIdentity)
	assert.Equal(t, 20*time.Minute, cfg.Pipeline.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.CompileDebug.Timeout)
	assert.Equal(t, []string{"./gradlew", "assembleDebug", "--offline"}, cfg.Pipeline.CompileDebug.Command)
	assert.Equal(t, 2*time.Hour, cfg.Retention.RecordTTL)
	assert.Equal(t, "/srv/pkgforge", cfg.Storage.DataDir)
	assert.Equal(t, filepath.Join("/srv/pkgforge", "artifacts"), cfg.Storage.ArtifactDir)
	assert.Equal(t, filepath.Join("/srv/pkgforge", "work"), cfg.Pipeline.WorkRoot)
	assert.Equal(t, LogLevelWarn, cfg.Logging.Level)
	assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvAdminKey, "super-secret-admin-key")
	t.Setenv(EnvMaxConcurrent, "7")
	path := writeConfig(t, "auth:\n  admin_key: from-file-but-overridden\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-admin-key", cfg.Auth.AdminKey)
	assert.Equal(t, 7, cfg.Limits.MaxConcurrent)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad public url scheme", func(c *Config) { c.Server.PublicURL = "ftp://x" }, "http or https"},
		{"public url with path", func(c *Config) { c.Server.PublicURL = "https://x/api" }, "must not include a path"},
		{"short admin key", func(c *Config) { c.Auth.AdminKey = "short" }, "at least 16"},
		{"entry cap above total", func(c *Config) { c.Ingress.MaxEntryBytes = c.Ingress.MaxTotalBytes + 1 }, "exceeds"},
		{"artifact escapes tree", func(c *Config) { c.Pipeline.ArtifactDebug = "../app.apk" }, "relative path"},
		{"sweep slower than ttl", func(c *Config) { c.Retention.SweepInterval = 2 * time.Hour }, "sweep_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			require.NoError(t, ApplyDefaults(cfg))
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalizeLogging(t *testing.T) {
	assert.Equal(t, LogLevelDebug, NormalizeLogLevel(" Debug "))
	assert.Equal(t, LogLevelWarn, NormalizeLogLevel("warning"))
	assert.Equal(t, LogLevelInfo, NormalizeLogLevel("loud"))
	assert.Equal(t, LogFormatJSON, NormalizeLogFormat("JSON"))
	assert.Equal(t, LogFormatText, NormalizeLogFormat(""))
}

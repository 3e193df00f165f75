package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file configuration. Secrets belong here, not in YAML.
const (
	EnvAdminKey      = "PKGFORGE_ADMIN_KEY"
	EnvAddr          = "PKGFORGE_ADDR"
	EnvPublicURL     = "PKGFORGE_PUBLIC_URL"
	EnvDataDir       = "PKGFORGE_DATA_DIR"
	EnvMaxConcurrent = "PKGFORGE_MAX_CONCURRENT"
	EnvNATSURL       = "PKGFORGE_NATS_URL"
)

// loadEnvFiles loads .env and .env.local when present. Existing process
// environment variables are never overwritten.
func loadEnvFiles() {
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err != nil {
			fmt.Fprintf(os.Stderr, "Note: could not load %s: %v\n", envPath, err)
			continue
		}
		fmt.Fprintf(os.Stderr, "Loaded environment variables from %s\n", envPath)
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvAdminKey); v != "" {
		cfg.Auth.AdminKey = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(EnvPublicURL); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv(EnvMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConcurrent = n
		}
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Events.NATSURL = v
	}
}

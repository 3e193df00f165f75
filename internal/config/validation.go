package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateLimits(); err != nil {
		return err
	}
	if err := c.validateIngress(); err != nil {
		return err
	}
	return c.validatePipeline()
}

func (c *Config) validateServer() error {
	u, err := url.Parse(c.Server.PublicURL)
	if err != nil {
		return fmt.Errorf("invalid server.public_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.public_url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server.public_url must include a host")
	}
	if u.Path != "" && u.Path != "/" {
		return errors.New("server.public_url must not include a path")
	}
	if c.Auth.AdminKey != "" && len(c.Auth.AdminKey) < 16 {
		return errors.New("auth.admin_key must be at least 16 characters")
	}
	return nil
}

func (c *Config) validateLimits() error {
	if c.Limits.MaxConcurrent > 64 {
		return fmt.Errorf("limits.max_concurrent too large: %d", c.Limits.MaxConcurrent)
	}
	return nil
}

func (c *Config) validateIngress() error {
	in := c.Ingress
	if in.MaxEntryBytes > in.MaxTotalBytes {
		return fmt.Errorf("ingress.max_entry_bytes (%d) exceeds ingress.max_total_bytes (%d)", in.MaxEntryBytes, in.MaxTotalBytes)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	for name, artifact := range map[string]string{
		"pipeline.artifact_debug":   c.Pipeline.ArtifactDebug,
		"pipeline.artifact_release": c.Pipeline.ArtifactRelease,
	} {
		if strings.HasPrefix(artifact, "/") || strings.Contains(artifact, "..") {
			return fmt.Errorf("%s must be a relative path inside the source tree: %s", name, artifact)
		}
	}
	for _, d := range c.Pipeline.EnvDenyList {
		if strings.TrimSpace(d) == "" {
			return errors.New("pipeline.env_deny_list must not contain empty entries")
		}
	}
	if c.Retention.SweepInterval > c.Retention.RecordTTL {
		return fmt.Errorf("retention.sweep_interval (%s) exceeds retention.record_ttl (%s)", c.Retention.SweepInterval, c.Retention.RecordTTL)
	}
	return nil
}

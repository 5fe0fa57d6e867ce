// Package config loads the perchd node configuration from perch.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for optional fields.
const (
	DefaultOrphanGrace       = 3 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxSessions       = 20
	DefaultShell             = "/bin/bash"
)

// Config represents the perchd node configuration.
type Config struct {
	NodeID      string `yaml:"node_id"`
	WorkspaceID string `yaml:"workspace_id"`
	Addr        string `yaml:"addr"`

	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ControlPlaneConfig struct {
	URL string `yaml:"url"`
	// Secret signs outbound callback JWTs and verifies inbound
	// control-plane requests (agent session start/stop).
	Secret            string `yaml:"secret"`
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"` // duration string, default "30s"
}

type SessionsConfig struct {
	// OrphanGrace is how long a disconnected session's process keeps
	// running before teardown. Duration string, default "3m".
	OrphanGrace string `yaml:"orphan_grace,omitempty"`
	// MaxPerWorkspace caps live sessions per workspace (default 20).
	MaxPerWorkspace int `yaml:"max_per_workspace,omitempty"`
	// Shell overrides the terminal shell (default $SHELL, then /bin/bash).
	Shell string `yaml:"shell,omitempty"`
	// RequireTakeover makes terminal reattach require the explicit
	// takeover flag instead of last-attach-wins.
	RequireTakeover bool `yaml:"require_takeover,omitempty"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables if present
	if v := os.Getenv("PERCH_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("PERCH_WORKSPACE_ID"); v != "" {
		cfg.WorkspaceID = v
	}
	if v := os.Getenv("PERCH_CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlane.URL = v
	}
	if v := os.Getenv("PERCH_CONTROL_PLANE_SECRET"); v != "" {
		cfg.ControlPlane.Secret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if c.ControlPlane.URL == "" {
		return fmt.Errorf("control_plane.url is required")
	}
	if c.ControlPlane.Secret == "" {
		return fmt.Errorf("control_plane.secret is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := c.parseDuration(c.Sessions.OrphanGrace); err != nil {
		return fmt.Errorf("sessions.orphan_grace: %w", err)
	}
	if _, err := c.parseDuration(c.ControlPlane.HeartbeatInterval); err != nil {
		return fmt.Errorf("control_plane.heartbeat_interval: %w", err)
	}
	return nil
}

func (c *Config) parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// OrphanGrace returns the parsed orphan grace period, or the default.
func (c *Config) OrphanGrace() time.Duration {
	d, _ := c.parseDuration(c.Sessions.OrphanGrace)
	if d == 0 {
		return DefaultOrphanGrace
	}
	return d
}

// HeartbeatInterval returns the parsed heartbeat interval, or the default.
func (c *Config) HeartbeatInterval() time.Duration {
	d, _ := c.parseDuration(c.ControlPlane.HeartbeatInterval)
	if d == 0 {
		return DefaultHeartbeatInterval
	}
	return d
}

// MaxSessions returns the per-workspace session cap, or the default.
func (c *Config) MaxSessions() int {
	if c.Sessions.MaxPerWorkspace <= 0 {
		return DefaultMaxSessions
	}
	return c.Sessions.MaxPerWorkspace
}

// Shell returns the configured terminal shell, falling back to $SHELL
// and then /bin/bash.
func (c *Config) Shell() string {
	if c.Sessions.Shell != "" {
		return c.Sessions.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return DefaultShell
}

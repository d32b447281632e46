package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/attrmesh/pkg/alerts"
	"github.com/cuemby/attrmesh/pkg/types"
)

const (
	// DefaultAPIAddr is the local client API address
	DefaultAPIAddr = "127.0.0.1:7474"

	// DefaultGossipPort is the cluster transport port
	DefaultGossipPort = 7946

	// DefaultDataDir holds the embedded store
	DefaultDataDir = "/var/lib/attrmesh"

	// DefaultAlertTimeout bounds one alert agent invocation
	DefaultAlertTimeout = 30 * time.Second
)

// Config is the daemon configuration, loaded from a YAML file with
// every field optional except the node name.
type Config struct {
	// NodeName identifies this node in the cluster. Defaults to the
	// OS hostname.
	NodeName string `yaml:"node_name"`

	// NodeID is a stable numeric identifier passed to alert agents.
	NodeID uint32 `yaml:"node_id"`

	Cluster ClusterConfig `yaml:"cluster"`

	// APIAddr is the listen address for the local client API.
	APIAddr string `yaml:"api_addr"`

	// DataDir is where the embedded store keeps its database.
	DataDir string `yaml:"data_dir"`

	// DefaultDampen applies to update requests that carry no dampening
	// of their own. Accepts plain seconds or a duration string.
	DefaultDampen string `yaml:"default_dampen"`

	Alerts AlertConfig `yaml:"alerts"`

	Log LogConfig `yaml:"log"`
}

// ClusterConfig configures the gossip transport.
type ClusterConfig struct {
	BindAddr string `yaml:"bind_addr"`
	BindPort int    `yaml:"bind_port"`

	// Join lists addresses of existing members to join on startup.
	Join []string `yaml:"join"`
}

// AlertConfig configures the alert agents run on attribute changes.
type AlertConfig struct {
	Agents  []alerts.Agent `yaml:"agents"`
	Timeout time.Duration  `yaml:"timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads the configuration from path. A missing path returns the
// defaults; a present but unreadable or invalid file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine node name: %v", err)
		}
		c.NodeName = hostname
	}

	if c.APIAddr == "" {
		c.APIAddr = DefaultAPIAddr
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Cluster.BindAddr == "" {
		c.Cluster.BindAddr = "0.0.0.0"
	}
	if c.Cluster.BindPort == 0 {
		c.Cluster.BindPort = DefaultGossipPort
	}
	if c.Alerts.Timeout == 0 {
		c.Alerts.Timeout = DefaultAlertTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.DefaultDampen != "" {
		if _, err := types.ParseDampen(c.DefaultDampen); err != nil {
			return fmt.Errorf("invalid default_dampen: %v", err)
		}
	}
	return nil
}

// Dampen returns the parsed default dampening interval.
func (c *Config) Dampen() time.Duration {
	d, err := types.ParseDampen(c.DefaultDampen)
	if err != nil {
		return 0
	}
	return d
}

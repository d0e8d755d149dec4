package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Config is the full manager configuration, loaded once at startup
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	Network NetworkConfig `yaml:"network"`
	API     APIConfig     `yaml:"api"`
	Feeds   FeedsConfig   `yaml:"feeds"`
	Guard   GuardConfig   `yaml:"guard"`

	// DataDir holds the bbolt mirror and CA material
	DataDir string `yaml:"data_dir"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json"`
}

// ServerConfig holds the listen addresses
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HealthAddr string `yaml:"health_addr"`
	// ExternalURL is the manager URL handed to headends in config bundles
	ExternalURL string `yaml:"external_url"`
}

// RedisConfig points at the revocation / rate-limit cache
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig controls token issuance
type AuthConfig struct {
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	// FailOpenIssue allows issuance to proceed when redis is down.
	// Validation always fails closed regardless of this flag.
	FailOpenIssue bool `yaml:"fail_open_issue"`
}

// NetworkConfig describes the WireGuard overlay
type NetworkConfig struct {
	OverlayCIDR string `yaml:"overlay_cidr"`
	Interface   string `yaml:"interface"`
	ListenPort  int    `yaml:"listen_port"`
	// IPReleaseGrace is how long a released overlay IP stays unassignable
	IPReleaseGrace time.Duration `yaml:"ip_release_grace"`
}

// APIConfig holds API behavior knobs
type APIConfig struct {
	// RotationGrace keeps an old API key valid after rotation. Default
	// off: rotation is an atomic swap.
	RotationGrace time.Duration `yaml:"rotation_grace"`
}

// FeedsConfig controls threat-feed ingestion
type FeedsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// Sources overrides the built-in feed set when non-empty
	Sources []FeedSource `yaml:"sources"`
}

// FeedSource is one configured threat feed
type FeedSource struct {
	Name           string        `yaml:"name"`
	URL            string        `yaml:"url"`
	IndicatorType  string        `yaml:"indicator_type"`
	ThreatTypes    []string      `yaml:"threat_types"`
	Confidence     int           `yaml:"confidence"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// GuardConfig controls the request guard
type GuardConfig struct {
	Enabled bool `yaml:"enabled"`
	// TrustedProxies are CIDRs whose X-Forwarded-For headers are honored
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Default returns the configuration used when no file is supplied
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			JSONOutput: true,
		},
		Server: ServerConfig{
			ListenAddr:  ":8000",
			HealthAddr:  ":9090",
			ExternalURL: "http://localhost:8000",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Auth: AuthConfig{
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 30 * 24 * time.Hour,
		},
		Network: NetworkConfig{
			OverlayCIDR:    "10.200.0.0/16",
			Interface:      "wg0",
			ListenPort:     51820,
			IPReleaseGrace: 24 * time.Hour,
		},
		Feeds: FeedsConfig{
			Enabled:      true,
			FetchTimeout: 5 * time.Minute,
		},
		Guard: GuardConfig{
			Enabled: true,
		},
		DataDir: "/var/lib/manager",
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, trace.Wrap(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, trace.BadParameter("parsing config file %s: %v", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// applyEnv overlays MANAGER_* environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("MANAGER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MANAGER_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MANAGER_HEALTH_ADDR"); v != "" {
		c.Server.HealthAddr = v
	}
	if v := os.Getenv("MANAGER_EXTERNAL_URL"); v != "" {
		c.Server.ExternalURL = v
	}
	if v := os.Getenv("MANAGER_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("MANAGER_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MANAGER_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("MANAGER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MANAGER_OVERLAY_CIDR"); v != "" {
		c.Network.OverlayCIDR = v
	}
	if v := os.Getenv("MANAGER_ACCESS_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.AccessTokenTTL = d
		}
	}
	if v := os.Getenv("MANAGER_REFRESH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.RefreshTokenTTL = d
		}
	}
}

// Validate rejects configurations the manager cannot run with
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return trace.BadParameter("data_dir must be set")
	}
	if c.Network.OverlayCIDR == "" {
		return trace.BadParameter("network.overlay_cidr must be set")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return trace.BadParameter("auth.access_token_ttl must be positive")
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		return trace.BadParameter("auth.refresh_token_ttl must exceed access_token_ttl")
	}
	return nil
}

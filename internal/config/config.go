package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "config.yaml"

// Transports understood by the mailbox client.
const (
	TransportPoll   = "poll"
	TransportStream = "stream"
)

// Config is the daemon's persisted configuration record (~/.wingbridge/config.yaml).
type Config struct {
	WorkingDir string `yaml:"working_dir"`
	ClaudePath string `yaml:"claude_path"`

	APIKey    string `yaml:"api_key,omitempty"`
	AuthURL   string `yaml:"auth_url"`
	TokenURL  string `yaml:"token_url"`
	StoreURL  string `yaml:"store_url"`
	StreamURL string `yaml:"stream_url,omitempty"` // websocket watch endpoint, only for transport: stream
	Transport string `yaml:"transport"`            // "poll" (default) or "stream"

	PollInterval      string `yaml:"poll_interval"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	SessionIdleTTL    string `yaml:"session_idle_ttl"` // discard session keys after this much inactivity

	MaxDecryptAttempts int  `yaml:"max_decrypt_attempts"`
	MaxConcurrentJobs  int  `yaml:"max_concurrent_jobs"`
	StreamOutput       bool `yaml:"stream_output"` // publish partial output while claude runs
	NoContinue         bool `yaml:"no_continue"`   // don't pass --continue to claude

	UpdateURL string `yaml:"update_url,omitempty"`
	NtfyTopic string `yaml:"ntfy_topic,omitempty"`
	NtfyToken string `yaml:"ntfy_token,omitempty"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file,omitempty"`

	// Dir is the directory the record was loaded from. Not persisted.
	Dir string `yaml:"-"`
}

// Defaults returns the configuration used when no file exists.
func Defaults(dir string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		WorkingDir:         home,
		AuthURL:            "https://identitytoolkit.googleapis.com/v1",
		TokenURL:           "https://securetoken.googleapis.com/v1",
		Transport:          TransportPoll,
		PollInterval:       "2s",
		HeartbeatInterval:  "30s",
		SessionIdleTTL:     "12h",
		MaxDecryptAttempts: 30,
		MaxConcurrentJobs:  4,
		LogLevel:           "info",
		Dir:                dir,
	}
}

// Load reads config.yaml from dir. A missing file yields defaults, not an
// error. Environment overrides are applied last.
func Load(dir string) (*Config, error) {
	cfg := Defaults(dir)
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Dir = dir
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WB_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("WB_STORE_URL"); v != "" {
		c.StoreURL = v
	}
	if v := os.Getenv("WB_CLAUDE_PATH"); v != "" {
		c.ClaudePath = v
	}
	if v := os.Getenv("WB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Save writes config.yaml to c.Dir.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.Dir, fileName), data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the fields the daemon needs before it can start.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("store_url is required")
	}
	if !strings.HasPrefix(c.StoreURL, "http://") && !strings.HasPrefix(c.StoreURL, "https://") {
		return fmt.Errorf("store_url must be an http(s) URL")
	}
	switch c.Transport {
	case TransportPoll:
	case TransportStream:
		if c.StreamURL == "" {
			return fmt.Errorf("stream_url is required for transport %q", TransportStream)
		}
	default:
		return fmt.Errorf("transport must be %q or %q", TransportPoll, TransportStream)
	}
	for name, raw := range map[string]string{
		"poll_interval":      c.PollInterval,
		"heartbeat_interval": c.HeartbeatInterval,
		"session_idle_ttl":   c.SessionIdleTTL,
	} {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, raw)
		}
	}
	if c.MaxDecryptAttempts <= 0 {
		return fmt.Errorf("max_decrypt_attempts must be positive")
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive")
	}
	return nil
}

// Poll returns the mailbox poll interval.
func (c *Config) Poll() time.Duration { return duration(c.PollInterval, 2*time.Second) }

// Heartbeat returns the presence heartbeat interval.
func (c *Config) Heartbeat() time.Duration { return duration(c.HeartbeatInterval, 30*time.Second) }

// IdleTTL returns how long an inactive session keeps its keys.
func (c *Config) IdleTTL() time.Duration { return duration(c.SessionIdleTTL, 12*time.Hour) }

func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

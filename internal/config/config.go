// Package config handles nexus configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/nexus/config.yaml, /config/config.yaml,
// /etc/nexus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nexus", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // container convention
	paths = append(paths, "/etc/nexus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all nexus configuration.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Listen    ListenConfig    `yaml:"listen"`
	Hosts     HostsConfig     `yaml:"hosts"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	ShellExec ShellExecConfig `yaml:"shell_exec"`
	Retention RetentionConfig `yaml:"retention"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// BusConfig defines the message bus connection.
type BusConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// ListenConfig defines the dashboard HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address; "" = all interfaces
	Port    int    `yaml:"port"`
}

// HostsConfig configures the Service Hosts (C4).
type HostsConfig struct {
	LLM        LLMHostConfig      `yaml:"llm"`
	Vision     VisionHostConfig   `yaml:"vision"`
	Audio      AudioHostConfig    `yaml:"audio"`
	Search     SearchConfig       `yaml:"search"`
	Collectors CollectorsConfig   `yaml:"collectors"`
}

// LLMHostConfig configures the ai.llm.* Service Host.
type LLMHostConfig struct {
	Provider      string `yaml:"provider"` // anthropic, ollama
	DefaultModel  string `yaml:"default_model"`
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Concurrency   int    `yaml:"concurrency"` // defaulted to 2; no host enforces it
	EmbeddingModel string `yaml:"embedding_model"`
}

// VisionHostConfig configures the ai.vision.* Service Host.
type VisionHostConfig struct {
	OCRBaseURL    string `yaml:"ocr_base_url"`    // Ollama vision-model endpoint
	OCRModel      string `yaml:"ocr_model"`
	ImageGenBaseURL string `yaml:"imagegen_base_url"` // Stable Diffusion WebUI endpoint
	ImageGenModel string `yaml:"imagegen_model"`
	OutputDir     string `yaml:"output_dir"` // generated image destination
	Concurrency   int    `yaml:"concurrency"` // defaulted to 1; no host enforces it
}

// AudioHostConfig configures the ai.audio.* Service Host.
type AudioHostConfig struct {
	STTBaseURL string `yaml:"stt_base_url"` // whisper.cpp server endpoint
	TTSBaseURL string `yaml:"tts_base_url"` // Piper TTS server endpoint
	OutputDir  string `yaml:"output_dir"`   // synthesized audio destination
	Concurrency int   `yaml:"concurrency"`
}

// SearchConfig configures the built-in web_search action (§4.5).
type SearchConfig struct {
	Provider string `yaml:"provider"` // searxng, brave
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// CollectorsConfig configures Event Collectors (C9).
type CollectorsConfig struct {
	SnapshotIntervalSec int      `yaml:"snapshot_interval_sec"`
	WatchPaths          []string `yaml:"watch_paths"`
	DebounceMS          int      `yaml:"debounce_ms"`
}

// WorkspaceConfig defines the working directory for file actions and
// path expansion's relative-path fallback (§6 rule 4).
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// ShellExecConfig defines command_execute capabilities.
type ShellExecConfig struct {
	Enabled           bool     `yaml:"enabled"`
	WorkingDir        string   `yaml:"working_dir"`
	DeniedPatterns    []string `yaml:"denied_patterns"`
	AllowedPrefixes   []string `yaml:"allowed_prefixes"`
	DefaultTimeoutSec int      `yaml:"default_timeout_sec"`
}

// RetentionConfig overrides the default per-kind Timeline retention
// windows from §3 ("Retention policy").
type RetentionConfig struct {
	CommandDays int `yaml:"command_days"` // default 30
	FileDays    int `yaml:"file_days"`    // default 7
	FocusDays   int `yaml:"focus_days"`   // default 7
	SnapshotHrs int `yaml:"snapshot_hrs"` // default 24
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result. After Load
// returns successfully, all fields are usable without additional
// nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Bus.Broker == "" {
		c.Bus.Broker = "mqtt://localhost:1883"
	}
	if c.Bus.ClientID == "" {
		c.Bus.ClientID = "nexus"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Hosts.LLM.Concurrency == 0 {
		c.Hosts.LLM.Concurrency = 2
	}
	if c.Hosts.Vision.Concurrency == 0 {
		c.Hosts.Vision.Concurrency = 1
	}
	if c.Hosts.Vision.OutputDir == "" {
		c.Hosts.Vision.OutputDir = filepath.Join(c.DataDir, "images")
	}
	if c.Hosts.Audio.Concurrency == 0 {
		c.Hosts.Audio.Concurrency = 2
	}
	if c.Hosts.Audio.OutputDir == "" {
		c.Hosts.Audio.OutputDir = filepath.Join(c.DataDir, "audio")
	}
	if c.Hosts.Collectors.SnapshotIntervalSec == 0 {
		c.Hosts.Collectors.SnapshotIntervalSec = 300
	}
	if c.Hosts.Collectors.DebounceMS == 0 {
		c.Hosts.Collectors.DebounceMS = 500
	}
	if c.ShellExec.DefaultTimeoutSec == 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.Retention.CommandDays == 0 {
		c.Retention.CommandDays = 30
	}
	if c.Retention.FileDays == 0 {
		c.Retention.FileDays = 7
	}
	if c.Retention.FocusDays == 0 {
		c.Retention.FocusDays = 7
	}
	if c.Retention.SnapshotHrs == 0 {
		c.Retention.SnapshotHrs = 24
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// RetentionFor returns the retention window for the given Timeline
// event kind, falling back to 24h for unrecognized kinds.
func (c *Config) RetentionFor(kind string) time.Duration {
	switch kind {
	case "command":
		return time.Duration(c.Retention.CommandDays) * 24 * time.Hour
	case "file":
		return time.Duration(c.Retention.FileDays) * 24 * time.Hour
	case "app_focus":
		return time.Duration(c.Retention.FocusDays) * 24 * time.Hour
	case "system_snapshot":
		return time.Duration(c.Retention.SnapshotHrs) * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Default returns a default configuration suitable for local
// development against a loopback MQTT broker. All defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

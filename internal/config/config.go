// Package config handles Manfrod configuration loading.
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
// Then: ./config.yaml, ~/.config/manfrod/config.yaml, /etc/manfrod/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "manfrod", "config.yaml"))
	}

	paths = append(paths, "/etc/manfrod/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Manfrod configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	Providers ProvidersConfig `yaml:"providers"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Web       WebConfig       `yaml:"web"`
	ShellExec ShellExecConfig `yaml:"shell_exec"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	// SystemPrompt is the opening system turn of every conversation.
	SystemPrompt string `yaml:"system_prompt"`
	// MaxIterations caps tool-call rounds per turn.
	MaxIterations int `yaml:"max_iterations"`
	// IdleTimeoutSec is the idle-debounce window before a conversation
	// is considered finished and reset.
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
	// ToolResultCap is the byte cap applied to tool results in action events.
	ToolResultCap int `yaml:"tool_result_cap"`
	// StorageRetrySec is how long to wait before re-attempting a turn
	// after the message store reports itself unavailable.
	StorageRetrySec int `yaml:"storage_retry_sec"`
}

// ModelsConfig defines the ordered fallback chain and retry policy.
type ModelsConfig struct {
	// Chain is walked in order; the first candidate is the preferred model.
	Chain []CandidateConfig `yaml:"chain"`
	// Retries is the attempt budget per candidate.
	Retries int `yaml:"retries"`
	// BackoffBaseMS is the base retry delay; attempt n waits base*2^(n-1).
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	// CallTimeoutSec bounds a single provider call.
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// CandidateConfig is one (provider, model, tier) entry in the chain.
type CandidateConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai
	Model    string `yaml:"model"`
	Tier     string `yaml:"tier"` // primary, fallback, emergency
}

// ProvidersConfig holds per-provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines settings for any OpenAI-compatible endpoint
// (OpenAI, OpenRouter, Ollama's /v1 surface).
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// MQTTConfig defines the MQTT channel adapter settings.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// WebConfig defines the WebSocket chat channel settings.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxIterations:   50,
			IdleTimeoutSec:  300,
			ToolResultCap:   500,
			StorageRetrySec: 5,
		},
		Models: ModelsConfig{
			Retries:        3,
			BackoffBaseMS:  1000,
			CallTimeoutSec: 180,
			Chain: []CandidateConfig{
				{Provider: "anthropic", Model: "claude-sonnet-4-20250514", Tier: "primary"},
				{Provider: "openai", Model: "gpt-4o-mini", Tier: "fallback"},
			},
		},
		Web:     WebConfig{Port: 8080},
		DataDir: ".",
	}
}

// IdleTimeout returns the idle-debounce window as a duration.
func (a AgentConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSec) * time.Second
}

// StorageRetry returns the storage outage retry interval as a duration.
func (a AgentConfig) StorageRetry() time.Duration {
	return time.Duration(a.StorageRetrySec) * time.Second
}

// BackoffBase returns the base retry delay as a duration.
func (m ModelsConfig) BackoffBase() time.Duration {
	return time.Duration(m.BackoffBaseMS) * time.Millisecond
}

// CallTimeout returns the per-provider-call timeout as a duration.
func (m ModelsConfig) CallTimeout() time.Duration {
	return time.Duration(m.CallTimeoutSec) * time.Second
}

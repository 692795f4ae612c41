// Package config handles straycat configuration loading.
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
// Then: ./config.yaml, ~/.config/straycat/config.yaml, /etc/straycat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "straycat", "config.yaml"))
	}

	paths = append(paths, "/etc/straycat/config.yaml")
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

// Config holds all straycat configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Agent      AgentConfig      `yaml:"agent"`
	RabbitHole RabbitHoleConfig `yaml:"rabbit_hole"`
	PluginsDir string           `yaml:"plugins_dir"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" or "json"
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the language model backend settings.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"` // Ollama-compatible endpoint
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model   string `yaml:"model"`    // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"base_url"` // Defaults to llm.base_url
}

// ResolvedBaseURL returns the embeddings endpoint, falling back to the
// LLM endpoint when none is configured.
func (e EmbeddingsConfig) ResolvedBaseURL(llmBaseURL string) string {
	if e.BaseURL != "" {
		return e.BaseURL
	}
	return llmBaseURL
}

// MemoryConfig defines long-term memory settings.
type MemoryConfig struct {
	// RecallK is the default result-count bound per memory kind.
	RecallK int `yaml:"recall_k"`
	// RecallVetoStopsAll makes a veto during one memory kind's recall
	// short-circuit the remaining kinds instead of only skipping its own.
	RecallVetoStopsAll bool `yaml:"recall_veto_stops_all"`
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	// MaxToolCalls is the hard cap on tool invocations per turn.
	MaxToolCalls int `yaml:"max_tool_calls"`
	// TurnTimeoutSec is the overall per-turn deadline in seconds.
	TurnTimeoutSec int `yaml:"turn_timeout_sec"`
}

// TurnTimeout returns the per-turn deadline as a duration.
func (a AgentConfig) TurnTimeout() time.Duration {
	if a.TurnTimeoutSec <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(a.TurnTimeoutSec) * time.Second
}

// RabbitHoleConfig defines document ingestion settings.
type RabbitHoleConfig struct {
	ChunkSize    int `yaml:"chunk_size"`    // Target characters per chunk
	ChunkOverlap int `yaml:"chunk_overlap"` // Characters shared between neighbors
	// QualityThreshold drops chunks scoring below it. 0 stores everything,
	// 1.0 stores nothing unless a hook raises scores.
	QualityThreshold float64 `yaml:"quality_threshold"`
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
		Listen: ListenConfig{Port: 1865},
		LLM: LLMConfig{
			BaseURL: "http://localhost:11434",
			Model:   "qwen3:4b",
		},
		Embeddings: EmbeddingsConfig{
			Model: "nomic-embed-text",
		},
		Memory: MemoryConfig{RecallK: 5},
		Agent: AgentConfig{
			MaxToolCalls:   5,
			TurnTimeoutSec: 120,
		},
		RabbitHole: RabbitHoleConfig{
			ChunkSize:        1024,
			ChunkOverlap:     128,
			QualityThreshold: 0.2,
		},
		DataDir: "data",
	}
}

// Package config defines the Parley configuration tree.
//
// Configuration is resolved in three layers: compiled defaults, an optional
// YAML file, then PARLEY_* environment variables. Validate() checks the
// fully resolved tree once at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls the slog level of the process logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether the level is one of the supported values.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog converts the level to its slog equivalent. Unknown levels map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root of the configuration tree.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	STT          STTConfig          `yaml:"stt"`
	LLM          LLMConfig          `yaml:"llm"`
	VAD          VADConfig          `yaml:"vad"`
	TurnDetector TurnDetectorConfig `yaml:"turn_detector"`
	Endpointing  EndpointingConfig  `yaml:"endpointing"`
	Tools        ToolsConfig        `yaml:"tools"`
	Limits       LimitsConfig       `yaml:"limits"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds listener and logging settings.
type ServerConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Debug    bool     `yaml:"debug"`
	LogLevel LogLevel `yaml:"log_level"`
}

// STTConfig selects and parameterizes the speech-to-text provider.
type STTConfig struct {
	// Spec is a "provider[/model][:language]" plugin specification,
	// e.g. "deepgram/nova-2:en-US" or "whisper".
	Spec string `yaml:"spec"`

	// FallbackSpec selects a standby provider used when the primary trips
	// its circuit breaker. Empty disables failover.
	FallbackSpec string `yaml:"fallback_spec"`

	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`

	// DeepgramAPIKey authenticates against the Deepgram realtime API.
	DeepgramAPIKey string `yaml:"deepgram_api_key"`

	// WhisperServerURL points at a local whisper.cpp server; WhisperModelPath
	// selects the native CGO binding instead when set.
	WhisperServerURL string `yaml:"whisper_server_url"`
	WhisperModelPath string `yaml:"whisper_model_path"`
}

// LLMConfig selects and parameterizes the language-model provider.
type LLMConfig struct {
	// Spec is a "provider[/model]" plugin specification,
	// e.g. "openai/gpt-4o-mini" or "gemini/gemini-2.0-flash-001".
	Spec string `yaml:"spec"`

	// FallbackSpec selects a standby provider used when the primary trips
	// its circuit breaker. Empty disables failover.
	FallbackSpec string `yaml:"fallback_spec"`

	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"api_key"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	Instructions string  `yaml:"instructions"`

	// ToolCallLimit bounds the tool-call loop per turn. 0 means unbounded.
	ToolCallLimit int `yaml:"tool_call_limit"`
}

// VADConfig parameterizes voice activity detection.
type VADConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Spec      string  `yaml:"spec"`
	Threshold float64 `yaml:"threshold"`
	ModelPath string  `yaml:"model_path"`
}

// TurnDetectorConfig parameterizes end-of-utterance classification.
type TurnDetectorConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Spec      string  `yaml:"spec"`
	Threshold float64 `yaml:"threshold"`
	ModelPath string  `yaml:"model_path"`
}

// EndpointingConfig controls how long the recognition coordinator waits
// after an end-of-turn signal before committing the turn.
type EndpointingConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ToolsConfig configures the agent's tool surface beyond the built-ins.
type ToolsConfig struct {
	// MCPServers lists external MCP servers whose tools are imported into
	// the registry at startup.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig describes one external MCP server.
type MCPServerConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`

	// Command launches a stdio server; URL reaches a streamable-http one.
	Command string            `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`

	// Instructions is an optional system-prompt addition for the imported
	// toolkit.
	Instructions string `yaml:"instructions"`
}

// LimitsConfig bounds frame sizes and connection counts.
type LimitsConfig struct {
	MaxTextBytes       int           `yaml:"max_text_bytes"`
	MaxAudioChunkBytes int           `yaml:"max_audio_chunk_bytes"`
	MaxConnections     int           `yaml:"max_connections"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the compiled-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8000,
			LogLevel: LogInfo,
		},
		STT: STTConfig{
			Spec:       "deepgram/nova-2",
			Language:   "en-US",
			SampleRate: 16000,
		},
		LLM: LLMConfig{
			Spec:        "openai/gpt-4o-mini",
			Temperature: 0.7,
		},
		VAD: VADConfig{
			Enabled:   true,
			Spec:      "silero",
			Threshold: 0.5,
		},
		TurnDetector: TurnDetectorConfig{
			Enabled:   true,
			Spec:      "heuristic",
			Threshold: 0.6,
		},
		Endpointing: EndpointingConfig{
			MinDelay: 500 * time.Millisecond,
			MaxDelay: 3 * time.Second,
		},
		Limits: LimitsConfig{
			MaxTextBytes:       4096,
			MaxAudioChunkBytes: 16384,
			MaxConnections:     1000,
			SessionIdleTimeout: 300 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load resolves the full configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PARLEY_* environment variables onto the tree.
func (c *Config) applyEnv() {
	setString(&c.Server.Host, "PARLEY_HOST")
	setInt(&c.Server.Port, "PARLEY_PORT")
	setBool(&c.Server.Debug, "PARLEY_DEBUG")
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = LogLevel(v)
	}

	setString(&c.STT.Spec, "PARLEY_STT_SPEC")
	setString(&c.STT.FallbackSpec, "PARLEY_STT_FALLBACK_SPEC")
	setString(&c.STT.Language, "PARLEY_STT_LANGUAGE")
	setInt(&c.STT.SampleRate, "PARLEY_SAMPLE_RATE")
	setString(&c.STT.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	setString(&c.STT.WhisperServerURL, "PARLEY_WHISPER_SERVER_URL")
	setString(&c.STT.WhisperModelPath, "PARLEY_WHISPER_MODEL_PATH")

	setString(&c.LLM.Spec, "PARLEY_LLM_SPEC")
	setString(&c.LLM.FallbackSpec, "PARLEY_LLM_FALLBACK_SPEC")
	setString(&c.LLM.APIKey, "PARLEY_LLM_API_KEY")
	setFloat(&c.LLM.Temperature, "PARLEY_LLM_TEMPERATURE")
	setInt(&c.LLM.MaxTokens, "PARLEY_LLM_MAX_TOKENS")
	setString(&c.LLM.Instructions, "PARLEY_INSTRUCTIONS")

	setBool(&c.VAD.Enabled, "PARLEY_VAD_ENABLED")
	setFloat(&c.VAD.Threshold, "PARLEY_VAD_ACTIVATION_THRESHOLD")
	setString(&c.VAD.ModelPath, "PARLEY_VAD_MODEL_PATH")

	setBool(&c.TurnDetector.Enabled, "PARLEY_TURN_DETECTOR_ENABLED")
	setFloat(&c.TurnDetector.Threshold, "PARLEY_TURN_DETECTOR_THRESHOLD")
	setString(&c.TurnDetector.ModelPath, "PARLEY_TURN_DETECTOR_MODEL_PATH")

	setSeconds(&c.Endpointing.MinDelay, "PARLEY_MIN_ENDPOINTING_DELAY")
	setSeconds(&c.Endpointing.MaxDelay, "PARLEY_MAX_ENDPOINTING_DELAY")

	setInt(&c.Limits.MaxTextBytes, "PARLEY_MAX_TEXT_SIZE")
	setInt(&c.Limits.MaxAudioChunkBytes, "PARLEY_MAX_AUDIO_CHUNK_SIZE")
	setInt(&c.Limits.MaxConnections, "PARLEY_MAX_CONNECTIONS")
	setSeconds(&c.Limits.SessionIdleTimeout, "PARLEY_CONNECTION_TIMEOUT")

	setBool(&c.Metrics.Enabled, "PARLEY_ENABLE_METRICS")
	setInt(&c.Metrics.Port, "PARLEY_METRICS_PORT")
}

// Validate checks the resolved tree for inconsistencies.
func (c *Config) Validate() error {
	if !c.Server.LogLevel.IsValid() {
		return fmt.Errorf("config: invalid log_level %q", c.Server.LogLevel)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.VAD.Threshold < 0 || c.VAD.Threshold > 1 {
		return fmt.Errorf("config: vad threshold %v out of [0,1]", c.VAD.Threshold)
	}
	if c.TurnDetector.Threshold < 0 || c.TurnDetector.Threshold > 1 {
		return fmt.Errorf("config: turn_detector threshold %v out of [0,1]", c.TurnDetector.Threshold)
	}
	if c.Endpointing.MinDelay < 0 || c.Endpointing.MaxDelay < c.Endpointing.MinDelay {
		return fmt.Errorf("config: endpointing delays min=%v max=%v are inconsistent",
			c.Endpointing.MinDelay, c.Endpointing.MaxDelay)
	}
	if c.Limits.MaxTextBytes <= 0 || c.Limits.MaxAudioChunkBytes <= 0 {
		return fmt.Errorf("config: size limits must be positive")
	}
	if c.Limits.SessionIdleTimeout <= 0 {
		return fmt.Errorf("config: session_idle_timeout must be positive")
	}
	for i, srv := range c.Tools.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("config: tools.mcp_servers[%d] has no name", i)
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("config: mcp server %q needs a command for stdio transport", srv.Name)
			}
		case "streamable-http":
			if srv.URL == "" {
				return fmt.Errorf("config: mcp server %q needs a url for streamable-http transport", srv.Name)
			}
		default:
			return fmt.Errorf("config: mcp server %q has unknown transport %q", srv.Name, srv.Transport)
		}
	}
	return nil
}

// Sanitized returns a view of the tree safe to expose over /api/config:
// credentials are omitted, everything else passes through.
func (c *Config) Sanitized() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host":      c.Server.Host,
			"port":      c.Server.Port,
			"debug":     c.Server.Debug,
			"log_level": string(c.Server.LogLevel),
		},
		"stt": map[string]any{
			"spec":          c.STT.Spec,
			"fallback_spec": c.STT.FallbackSpec,
			"language":      c.STT.Language,
			"sample_rate":   c.STT.SampleRate,
		},
		"llm": map[string]any{
			"spec":          c.LLM.Spec,
			"fallback_spec": c.LLM.FallbackSpec,
			"temperature":   c.LLM.Temperature,
			"max_tokens":    c.LLM.MaxTokens,
		},
		"vad": map[string]any{
			"enabled":   c.VAD.Enabled,
			"threshold": c.VAD.Threshold,
		},
		"turn_detector": map[string]any{
			"enabled":   c.TurnDetector.Enabled,
			"threshold": c.TurnDetector.Threshold,
		},
		"endpointing": map[string]any{
			"min_delay_seconds": c.Endpointing.MinDelay.Seconds(),
			"max_delay_seconds": c.Endpointing.MaxDelay.Seconds(),
		},
		"limits": map[string]any{
			"max_text_bytes":        c.Limits.MaxTextBytes,
			"max_audio_chunk_bytes": c.Limits.MaxAudioChunkBytes,
			"max_connections":       c.Limits.MaxConnections,
			"session_idle_seconds":  c.Limits.SessionIdleTimeout.Seconds(),
		},
		"tools": map[string]any{
			"mcp_servers": sanitizedMCPServers(c.Tools.MCPServers),
		},
		"metrics": map[string]any{
			"enabled": c.Metrics.Enabled,
			"port":    c.Metrics.Port,
		},
	}
}

// sanitizedMCPServers exposes server identities without commands, URLs, or
// environment blocks, any of which may embed credentials.
func sanitizedMCPServers(servers []MCPServerConfig) []map[string]any {
	out := make([]map[string]any, 0, len(servers))
	for _, s := range servers {
		out = append(out, map[string]any{
			"name":      s.Name,
			"transport": s.Transport,
		})
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

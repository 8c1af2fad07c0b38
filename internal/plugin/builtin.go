package plugin

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/parley-ai/parley/pkg/provider/llm/anyllm"
	"github.com/parley-ai/parley/pkg/provider/llm/openai"
	"github.com/parley-ai/parley/pkg/provider/stt/deepgram"
	"github.com/parley-ai/parley/pkg/provider/stt/whisper"
	"github.com/parley-ai/parley/pkg/provider/turn/heuristic"
	"github.com/parley-ai/parley/pkg/provider/vad/silero"
)

// RegisterBuiltins installs every provider that ships with the server.
func RegisterBuiltins(r *Registry, logger *slog.Logger) {
	r.Register(CategorySTT, deepgramPlugin{})
	r.Register(CategorySTT, whisperPlugin{})

	r.Register(CategoryLLM, openaiPlugin{})
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			// The dedicated openai plugin takes precedence for that name.
			continue
		}
		r.Register(CategoryLLM, anyllmPlugin{backend: backend})
	}

	r.Register(CategoryVAD, sileroPlugin{})
	r.Register(CategoryTurnDetector, heuristicPlugin{logger: logger})
}

// ---- STT --------------------------------------------------------------------

type deepgramPlugin struct{}

func (deepgramPlugin) Provider() string          { return "deepgram" }
func (deepgramPlugin) RequiredEnvVars() []string { return []string{"DEEPGRAM_API_KEY"} }

func (p deepgramPlugin) Validate(cfg Config) error {
	if cfg.Extra["api_key"] != "" {
		return nil
	}
	if missing := CheckEnvVars(p.RequiredEnvVars()); len(missing) > 0 {
		return fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (deepgramPlugin) Create(cfg Config) (any, error) {
	apiKey := cfg.Extra["api_key"]
	var opts []deepgram.Option
	if cfg.Model != "" {
		opts = append(opts, deepgram.WithModel(cfg.Model))
	}
	if cfg.Language != "" {
		opts = append(opts, deepgram.WithLanguage(cfg.Language))
	}
	return deepgram.New(apiKey, opts...)
}

type whisperPlugin struct{}

func (whisperPlugin) Provider() string          { return "whisper" }
func (whisperPlugin) RequiredEnvVars() []string { return nil }

func (whisperPlugin) Validate(cfg Config) error {
	if cfg.Extra["server_url"] == "" && cfg.ModelPath == "" {
		return fmt.Errorf("whisper needs either a server URL or a model path")
	}
	return nil
}

func (whisperPlugin) Create(cfg Config) (any, error) {
	if url := cfg.Extra["server_url"]; url != "" {
		var opts []whisper.Option
		if cfg.Model != "" {
			opts = append(opts, whisper.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Language))
		}
		return whisper.New(url, opts...)
	}
	var opts []whisper.NativeOption
	if cfg.Language != "" {
		opts = append(opts, whisper.WithNativeLanguage(cfg.Language))
	}
	return whisper.NewNative(cfg.ModelPath, opts...)
}

// ---- LLM --------------------------------------------------------------------

type openaiPlugin struct{}

func (openaiPlugin) Provider() string          { return "openai" }
func (openaiPlugin) RequiredEnvVars() []string { return []string{"OPENAI_API_KEY"} }

func (p openaiPlugin) Validate(cfg Config) error {
	if cfg.Extra["api_key"] != "" {
		return nil
	}
	if missing := CheckEnvVars(p.RequiredEnvVars()); len(missing) > 0 {
		return fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (openaiPlugin) Create(cfg Config) (any, error) {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return openai.New(cfg.Extra["api_key"], model)
}

type anyllmPlugin struct {
	backend string
}

func (p anyllmPlugin) Provider() string { return p.backend }

func (p anyllmPlugin) RequiredEnvVars() []string {
	switch p.backend {
	case "anthropic":
		return []string{"ANTHROPIC_API_KEY"}
	case "gemini":
		return []string{"GEMINI_API_KEY"}
	case "deepseek":
		return []string{"DEEPSEEK_API_KEY"}
	case "mistral":
		return []string{"MISTRAL_API_KEY"}
	case "groq":
		return []string{"GROQ_API_KEY"}
	default:
		// ollama and llamacpp are local servers without credentials.
		return nil
	}
}

func (p anyllmPlugin) Validate(cfg Config) error {
	if cfg.Model == "" {
		return fmt.Errorf("%s needs an explicit model", p.backend)
	}
	if cfg.Extra["api_key"] != "" {
		return nil
	}
	if missing := CheckEnvVars(p.RequiredEnvVars()); len(missing) > 0 {
		return fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (p anyllmPlugin) Create(cfg Config) (any, error) {
	return anyllm.New(p.backend, cfg.Model)
}

// ---- VAD --------------------------------------------------------------------

type sileroPlugin struct{}

func (sileroPlugin) Provider() string          { return "silero" }
func (sileroPlugin) RequiredEnvVars() []string { return nil }

func (sileroPlugin) Validate(cfg Config) error {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return fmt.Errorf("threshold %v out of range [0, 1]", cfg.Threshold)
	}
	return nil
}

func (sileroPlugin) Create(cfg Config) (any, error) {
	return silero.New(), nil
}

// ---- Turn detector ----------------------------------------------------------

type heuristicPlugin struct {
	logger *slog.Logger
}

func (heuristicPlugin) Provider() string          { return "heuristic" }
func (heuristicPlugin) RequiredEnvVars() []string { return nil }

func (heuristicPlugin) Validate(cfg Config) error {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return fmt.Errorf("threshold %v out of range [0, 1]", cfg.Threshold)
	}
	return nil
}

func (p heuristicPlugin) Create(cfg Config) (any, error) {
	var opts []heuristic.Option
	if cfg.Threshold > 0 {
		opts = append(opts, heuristic.WithThreshold(cfg.Threshold))
	}
	return heuristic.New(p.logger, opts...), nil
}

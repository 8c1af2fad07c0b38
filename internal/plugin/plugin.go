// Package plugin holds the registry that maps provider specification strings
// to runtime handler instances.
//
// Four categories exist: STT, LLM, VAD, and turn detection. A plugin declares
// its provider name, the environment variables it needs, a config validator,
// and a constructor. The resolver parses specification strings such as
// "deepgram/nova-2:en-US" or "openai/gpt-4o-mini", applies the parsed
// overrides to a defaulted config, validates, and constructs the handler.
package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// Category is one of the four pluggable handler kinds.
type Category string

const (
	CategorySTT          Category = "stt"
	CategoryLLM          Category = "llm"
	CategoryVAD          Category = "vad"
	CategoryTurnDetector Category = "turn_detector"
)

// Spec is a parsed provider specification.
type Spec struct {
	// Provider is the registered provider name (e.g., "deepgram").
	Provider string

	// Model is the optional model segment after the first slash.
	Model string

	// Language is the optional language tag after a colon. Only the STT
	// category uses it.
	Language string
}

// String reassembles the canonical specification form.
func (s Spec) String() string {
	out := s.Provider
	if s.Model != "" {
		out += "/" + s.Model
	}
	if s.Language != "" {
		out += ":" + s.Language
	}
	return out
}

// ParseSpec splits "provider[/model][:language]". The provider segment must
// be non-empty.
func ParseSpec(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, fmt.Errorf("plugin: empty specification")
	}

	var s Spec
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		s.Language = strings.TrimSpace(raw[i+1:])
		raw = raw[:i]
	}
	if i := strings.Index(raw, "/"); i >= 0 {
		s.Model = strings.TrimSpace(raw[i+1:])
		raw = raw[:i]
	}
	s.Provider = strings.ToLower(strings.TrimSpace(raw))
	if s.Provider == "" {
		return Spec{}, fmt.Errorf("plugin: specification %q has no provider segment", raw)
	}
	return s, nil
}

// Config carries the merged settings handed to Validate and Create. Defaults
// come from the server config; the parsed Spec overrides Model and Language.
type Config struct {
	Model      string
	Language   string
	SampleRate int
	Threshold  float64
	ModelPath  string

	// Extra holds provider-specific settings (API keys, URLs).
	Extra map[string]string
}

// Plugin is one registered provider in one category. Create returns a
// category-specific handler; callers type-assert to the category's interface.
type Plugin interface {
	// Provider is the registry key, lowercase.
	Provider() string

	// RequiredEnvVars lists environment variables that must be set for
	// Create to succeed. Checked by Validate implementations.
	RequiredEnvVars() []string

	// Validate checks the merged config before construction.
	Validate(cfg Config) error

	// Create constructs the runtime handler.
	Create(cfg Config) (any, error)
}

// Registry holds plugins by category and provider name.
type Registry struct {
	mu      sync.RWMutex
	plugins map[Category]map[string]Plugin
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		plugins: make(map[Category]map[string]Plugin),
		logger:  logger.With("component", "plugin-registry"),
	}
}

// Register adds a plugin under its provider name. Re-registering the same
// name replaces the earlier plugin; the replacement is logged.
func (r *Registry) Register(cat Category, p Plugin) {
	name := strings.ToLower(p.Provider())

	r.mu.Lock()
	defer r.mu.Unlock()
	byName := r.plugins[cat]
	if byName == nil {
		byName = make(map[string]Plugin)
		r.plugins[cat] = byName
	}
	if _, exists := byName[name]; exists {
		r.logger.Warn("plugin re-registered, replacing earlier registration",
			"category", cat, "provider", name)
	}
	byName[name] = p
}

// Providers returns the sorted provider names registered in a category.
func (r *Registry) Providers(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins[cat]))
	for name := range r.plugins[cat] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the plugin for a provider name.
func (r *Registry) Lookup(cat Category, provider string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[cat][strings.ToLower(provider)]
	return p, ok
}

// Resolve parses a specification, merges it over defaults, validates, and
// constructs the handler. Unknown providers produce an error listing the
// registered alternatives, with a closest-match suggestion when one is near
// enough.
func (r *Registry) Resolve(cat Category, rawSpec string, defaults Config) (any, error) {
	spec, err := ParseSpec(rawSpec)
	if err != nil {
		return nil, err
	}

	p, ok := r.Lookup(cat, spec.Provider)
	if !ok {
		return nil, r.unknownProviderError(cat, spec.Provider)
	}

	cfg := defaults
	if spec.Model != "" {
		cfg.Model = spec.Model
	}
	if spec.Language != "" {
		cfg.Language = spec.Language
	}

	if err := p.Validate(cfg); err != nil {
		return nil, fmt.Errorf("plugin: %s provider %q rejected config: %w", cat, spec.Provider, err)
	}
	handler, err := p.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("plugin: create %s handler %q: %w", cat, spec.Provider, err)
	}
	return handler, nil
}

// unknownProviderError builds the enumerating error for a missing provider.
func (r *Registry) unknownProviderError(cat Category, provider string) error {
	known := r.Providers(cat)
	if len(known) == 0 {
		return fmt.Errorf("plugin: unknown %s provider %q (none registered)", cat, provider)
	}
	if suggestion := Suggest(provider, known); suggestion != "" {
		return fmt.Errorf("plugin: unknown %s provider %q (did you mean %q?); registered: %s",
			cat, provider, suggestion, strings.Join(known, ", "))
	}
	return fmt.Errorf("plugin: unknown %s provider %q; registered: %s",
		cat, provider, strings.Join(known, ", "))
}

// Suggest returns the candidate closest to name, or "" when nothing is close
// enough to be a plausible typo.
func Suggest(name string, candidates []string) string {
	const minSimilarity = 0.78
	best, bestScore := "", 0.0
	for _, c := range candidates {
		if s := matchr.JaroWinkler(name, c, false); s > bestScore {
			best, bestScore = c, s
		}
	}
	if bestScore < minSimilarity {
		return ""
	}
	return best
}

// CheckEnvVars returns the subset of names not set in the environment.
// Plugins use it inside Validate.
func CheckEnvVars(names []string) []string {
	var missing []string
	for _, n := range names {
		if os.Getenv(n) == "" {
			missing = append(missing, n)
		}
	}
	return missing
}

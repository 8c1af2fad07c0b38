// Package tool provides the registry and executor that give the agent loop a
// uniform invocation surface over heterogeneous callables: plain Go
// functions, grouped toolkits, and tools imported from MCP servers.
package tool

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/parley-ai/parley/pkg/types"
)

// maxNameLength is the longest normalized tool name the registry accepts.
const maxNameLength = 64

// Handler executes one tool call with already-parsed arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered callable.
type Tool struct {
	// Name is the identifier the model calls. It is normalized on
	// registration.
	Name string

	// Description tells the model what the tool does.
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any

	// Invoke runs the tool.
	Invoke Handler
}

// Toolkit groups tools that share an instruction string. The instructions are
// appended to the system prompt when the toolkit is registered.
type Toolkit struct {
	Name         string
	Instructions string
	Tools        []Tool
}

// Registry holds the tools available to a server, keyed by normalized name.
// Safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	tools        map[string]Tool
	instructions []string
	logger       *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tool-registry"),
	}
}

// Register adds one tool. The name is normalized to a valid identifier of at
// most 64 characters. Registering an existing name replaces the earlier tool;
// the replacement is logged.
func (r *Registry) Register(t Tool) string {
	name := NormalizeName(t.Name)
	t.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool re-registered, replacing earlier registration", "tool", name)
	}
	r.tools[name] = t
	return name
}

// RegisterToolkit adds every tool in the kit and records its instructions.
func (r *Registry) RegisterToolkit(kit Toolkit) {
	for _, t := range kit.Tools {
		r.Register(t)
	}
	if kit.Instructions != "" {
		r.mu.Lock()
		r.instructions = append(r.instructions, kit.Instructions)
		r.mu.Unlock()
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Suggest returns the registered name closest to name, or "" when nothing is
// a plausible match. Used to enrich unknown-tool errors.
func (r *Registry) Suggest(name string) string {
	const minSimilarity = 0.78
	r.mu.RLock()
	defer r.mu.RUnlock()

	best, bestScore := "", 0.0
	for candidate := range r.tools {
		if s := matchr.JaroWinkler(name, candidate, false); s > bestScore {
			best, bestScore = candidate, s
		}
	}
	if bestScore < minSimilarity {
		return ""
	}
	return best
}

// Definitions returns the schema of every registered tool, sorted by name,
// in the shape the LLM providers consume.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		defs = append(defs, types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Instructions returns the concatenated toolkit instruction strings.
func (r *Registry) Instructions() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strings.Join(r.instructions, "\n")
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// NormalizeName maps an arbitrary string to a valid tool identifier:
// non-identifier characters become underscores and the result is truncated to
// 64 characters.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "_"
	}
	if len(out) > maxNameLength {
		out = out[:maxNameLength]
	}
	return out
}

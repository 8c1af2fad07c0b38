package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// callTimeout bounds a single tool invocation.
	callTimeout = 30 * time.Second

	// defaultMaxConcurrent bounds tool calls running at once across all
	// sessions, keeping the event loops responsive under load.
	defaultMaxConcurrent = 64
)

// ExecutorOption is a functional option for configuring an Executor.
type ExecutorOption func(*Executor)

// WithMaxConcurrent overrides the concurrent-call bound.
func WithMaxConcurrent(n int64) ExecutorOption {
	return func(e *Executor) { e.sem = semaphore.NewWeighted(n) }
}

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// Executor runs registered tools off the session event loop with a bounded
// concurrency budget and a per-call timeout.
type Executor struct {
	registry *Registry
	sem      *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(registry *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry: registry,
		sem:      semaphore.NewWeighted(defaultMaxConcurrent),
		timeout:  callTimeout,
		logger:   logger.With("component", "tool-executor"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs the named tool with JSON-encoded arguments and returns the
// normalized string result. Argument parse failures do not abort the call:
// the tool runs with empty arguments and the failure is noted in the result.
func (e *Executor) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	t, ok := e.registry.Get(name)
	if !ok {
		if suggestion := e.registry.Suggest(name); suggestion != "" {
			return "", fmt.Errorf("tool: unknown tool %q (did you mean %q?)", name, suggestion)
		}
		return "", fmt.Errorf("tool: unknown tool %q", name)
	}

	args, parseErr := parseArgs(argsJSON)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("tool: acquire worker slot: %w", err)
	}
	defer e.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := t.Invoke(callCtx, args)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		e.logger.Warn("tool call aborted", "tool", name, "error", callCtx.Err())
		return "", fmt.Errorf("tool: %q: %w", name, callCtx.Err())
	case out := <-ch:
		if out.err != nil {
			return "", fmt.Errorf("tool: %q: %w", name, out.err)
		}
		normalized := NormalizeResult(out.result)
		if parseErr != nil {
			normalized = fmt.Sprintf("(arguments were malformed and ignored: %v) %s", parseErr, normalized)
		}
		return normalized, nil
	}
}

// parseArgs decodes a JSON object. A malformed or empty string yields an
// empty map plus the parse error.
func parseArgs(argsJSON string) (map[string]any, error) {
	if argsJSON == "" || argsJSON == "{}" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return map[string]any{}, err
	}
	return args, nil
}

// NormalizeResult maps an arbitrary tool return value to one string: JSON
// strings are re-serialized to canonical form, structured values are
// marshalled, everything else is stringified.
func NormalizeResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			if canonical, err := json.Marshal(decoded); err == nil {
				return string(canonical)
			}
		}
		return v
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

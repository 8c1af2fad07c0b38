// Package agentloop drives one streaming, tool-aware conversation turn: it
// calls the language model, streams partial text to the client, executes the
// tool calls the model requests off the event loop, folds their results back
// into the conversation, and re-invokes the model until it produces a final
// text answer.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/pkg/provider/llm"
	"github.com/parley-ai/parley/pkg/types"
)

// toolResultReminder is appended to the system instructions once tool results
// are present, nudging the model to answer in prose instead of emitting more
// structured output.
const toolResultReminder = "You have received tool results. Use them to give the user a natural language answer."

// defaultToolCallLimit bounds model invocations that request tools within one
// turn.
const defaultToolCallLimit = 10

// errStreamInterrupted marks a completion stream that failed after it started
// producing output. The text streamed before the failure is still committed.
var errStreamInterrupted = errors.New("agentloop: completion stream interrupted")

// Emit delivers one server message to the client. Implementations belong to
// the connection handler.
type Emit func(msgType string, payload any) error

// Config assembles a Loop.
type Config struct {
	Provider llm.Provider
	Registry *tool.Registry
	Executor *tool.Executor
	Events   *bus.Bus

	// ServerMetrics aggregates across sessions. Optional.
	ServerMetrics *metrics.Server

	// Instructions is the configured system prompt.
	Instructions string

	Temperature   float64
	MaxTokens     int
	ToolCallLimit int

	Logger *slog.Logger
}

// Loop runs agent turns. Safe for concurrent use across sessions; a single
// session must not run two turns at once.
type Loop struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agentloop: LLM provider is required")
	}
	if cfg.ToolCallLimit <= 0 {
		cfg.ToolCallLimit = defaultToolCallLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, logger: logger.With("component", "agent-loop")}, nil
}

// ProcessText runs one turn for a user input (typed text or a committed audio
// transcript). Exactly one server_text is emitted and appended to the
// conversation before a nil return; on error the caller translates and emits
// server_error instead. A stream that dies mid-response still commits the text
// streamed so far, so the client sees server_text followed by server_error.
func (l *Loop) ProcessText(ctx context.Context, sess *session.Session, text string, metadata map[string]any, emit Emit) error {
	start := time.Now()

	sess.Append(types.Message{Role: "user", Content: text})
	sess.Metrics.RecordMessage()
	l.cfg.Events.Emit(ctx, bus.EventMessageReceived, sess.ID, map[string]any{"text": text})
	l.cfg.Events.Emit(ctx, bus.EventAgentResponseStart, sess.ID, nil)

	finalText, err := l.runTurn(ctx, sess, metadata, emit)
	if err != nil {
		sess.Metrics.RecordError()
		if l.cfg.ServerMetrics != nil {
			l.cfg.ServerMetrics.RecordError()
		}
		l.cfg.Events.Emit(ctx, bus.EventError, sess.ID, map[string]any{"error": err.Error()})
		return err
	}

	latency := time.Since(start)
	sess.Metrics.RecordAgentResponse(latency)
	if l.cfg.ServerMetrics != nil {
		l.cfg.ServerMetrics.RecordAgentResponse(latency)
	}
	l.cfg.Events.Emit(ctx, bus.EventAgentResponseComplete, sess.ID, map[string]any{
		"text":       finalText,
		"latency_ms": latency.Milliseconds(),
	})
	l.cfg.Events.Emit(ctx, bus.EventMetricsUpdated, sess.ID, map[string]any{
		"session": sess.Metrics.Snapshot(),
	})
	return nil
}

// runTurn executes the model/tool loop and returns the final assistant text.
func (l *Loop) runTurn(ctx context.Context, sess *session.Session, metadata map[string]any, emit Emit) (string, error) {
	var tools []types.ToolDefinition
	if l.cfg.Registry != nil {
		tools = l.cfg.Registry.Definitions()
	}

	for iteration := 0; ; iteration++ {
		conversation := sess.Conversation()
		req := llm.CompletionRequest{
			Messages:     conversation,
			Tools:        tools,
			Temperature:  l.cfg.Temperature,
			MaxTokens:    l.cfg.MaxTokens,
			SystemPrompt: l.systemPrompt(sess, conversation),
		}
		if iteration >= l.cfg.ToolCallLimit {
			// Out of tool budget: force a plain text answer.
			req.Tools = nil
		}

		text, toolCalls, err := l.streamModel(ctx, sess, req, emit)
		if err != nil {
			if errors.Is(err, errStreamInterrupted) && text != "" {
				// The client already saw these partials; commit them so the
				// conversation record matches, then surface the failure.
				sess.Append(types.Message{Role: "assistant", Content: text})
				if emitErr := emit(protocol.TypeServerText, protocol.ServerText{Text: text, Metadata: metadata}); emitErr != nil {
					return "", emitErr
				}
			}
			return "", err
		}

		if len(toolCalls) == 0 || iteration >= l.cfg.ToolCallLimit {
			final := types.Message{Role: "assistant", Content: text}
			sess.Append(final)
			if err := emit(protocol.TypeServerText, protocol.ServerText{Text: text, Metadata: metadata}); err != nil {
				return "", err
			}
			return text, nil
		}

		// The assistant message carrying the calls precedes its results.
		sess.Append(types.Message{Role: "assistant", Content: text, ToolCalls: toolCalls})

		for _, call := range toolCalls {
			if err := l.executeCall(ctx, sess, call, emit); err != nil {
				return "", err
			}
		}
	}
}

// streamModel runs one model invocation, emitting partials and accumulating
// text and tool-call deltas.
func (l *Loop) streamModel(ctx context.Context, sess *session.Session, req llm.CompletionRequest, emit Emit) (string, []types.ToolCall, error) {
	chunks, err := l.cfg.Provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("agentloop: start completion stream: %w", err)
	}

	var sb strings.Builder
	var toolCalls []types.ToolCall

	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			return sb.String(), nil, fmt.Errorf("%w: %s", errStreamInterrupted, chunk.Text)
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			if err := emit(protocol.TypeServerPartial, protocol.ServerPartial{Text: chunk.Text, IsFinal: false}); err != nil {
				return "", nil, err
			}
			l.cfg.Events.Emit(ctx, bus.EventAgentResponseChunk, sess.ID, map[string]any{"text": chunk.Text})
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", nil, fmt.Errorf("agentloop: turn cancelled: %w", err)
	}
	return sb.String(), toolCalls, nil
}

// executeCall runs one tool call and appends its result message.
func (l *Loop) executeCall(ctx context.Context, sess *session.Session, call types.ToolCall, emit Emit) error {
	// The wire carries arguments as an object when they parse as one.
	var args any = call.Arguments
	var decoded map[string]any
	if json.Unmarshal([]byte(call.Arguments), &decoded) == nil {
		args = decoded
	}

	if err := emit(protocol.TypeServerToolCall, protocol.ServerToolCall{
		ToolName:   call.Name,
		Arguments:  args,
		ToolCallID: call.ID,
		Status:     protocol.ToolStatusCalling,
	}); err != nil {
		return err
	}
	l.cfg.Events.Emit(ctx, bus.EventToolCallStart, sess.ID, map[string]any{"tool": call.Name})
	sess.Metrics.RecordToolCall()
	if l.cfg.ServerMetrics != nil {
		l.cfg.ServerMetrics.RecordToolCall()
	}

	result, err := l.cfg.Executor.Execute(ctx, call.Name, call.Arguments)

	var content string
	if err != nil {
		content = fmt.Sprintf("Tool call failed: %v", err)
		l.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		if emitErr := emit(protocol.TypeServerToolResult, protocol.ServerToolResult{
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Status:     protocol.ToolStatusFailed,
			Error:      err.Error(),
		}); emitErr != nil {
			return emitErr
		}
		l.cfg.Events.Emit(ctx, bus.EventToolCallError, sess.ID, map[string]any{
			"tool": call.Name, "error": err.Error(),
		})
	} else {
		content = result
		if emitErr := emit(protocol.TypeServerToolResult, protocol.ServerToolResult{
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Status:     protocol.ToolStatusCompleted,
			Result:     result,
		}); emitErr != nil {
			return emitErr
		}
		l.cfg.Events.Emit(ctx, bus.EventToolCallComplete, sess.ID, map[string]any{"tool": call.Name})
	}

	sess.Append(types.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
		ToolCalls:  []types.ToolCall{{Name: call.Name, Content: content}},
	})
	return nil
}

// systemPrompt assembles the instructions for one model invocation. The
// configured instructions apply only when the conversation has no system
// message of its own; the tool-result reminder applies whenever results are
// present.
func (l *Loop) systemPrompt(sess *session.Session, conversation []types.Message) string {
	var parts []string
	if !sess.HasSystemMessage() {
		if l.cfg.Instructions != "" {
			parts = append(parts, l.cfg.Instructions)
		}
		if l.cfg.Registry != nil {
			if extra := l.cfg.Registry.Instructions(); extra != "" {
				parts = append(parts, extra)
			}
		}
	}
	for _, m := range conversation {
		if m.Role == "tool" {
			parts = append(parts, toolResultReminder)
			break
		}
	}
	return strings.Join(parts, "\n")
}

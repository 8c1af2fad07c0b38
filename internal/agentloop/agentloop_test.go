package agentloop

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/tool"
	"github.com/parley-ai/parley/pkg/provider/llm"
	llmmock "github.com/parley-ai/parley/pkg/provider/llm/mock"
	"github.com/parley-ai/parley/pkg/types"
)

// emitted is one frame handed to the Emit callback.
type emitted struct {
	msgType string
	payload any
}

// recorder collects emitted frames.
type recorder struct {
	mu     sync.Mutex
	frames []emitted
	err    error
}

func (r *recorder) emit(msgType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, emitted{msgType: msgType, payload: payload})
	return nil
}

func (r *recorder) byType(msgType string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitted
	for _, f := range r.frames {
		if f.msgType == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.msgType
	}
	return out
}

func newLoop(t *testing.T, provider *llmmock.Provider, mutate func(*Config)) (*Loop, *tool.Registry) {
	t.Helper()
	reg := tool.NewRegistry(nil)
	cfg := Config{
		Provider:     provider,
		Registry:     reg,
		Executor:     tool.NewExecutor(reg, nil),
		Events:       bus.New(nil),
		Instructions: "Be concise.",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg)
	require.NoError(t, err)
	return l, reg
}

func textChunks(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, len(parts))
	for i, p := range parts {
		out[i] = llm.Chunk{Text: p}
	}
	return out
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestProcessText_PlainAnswer(t *testing.T) {
	provider := &llmmock.Provider{StreamChunks: textChunks("Hello", ", world")}
	l, _ := newLoop(t, provider, nil)
	sess := session.New("s-1", "app")
	rec := &recorder{}

	err := l.ProcessText(context.Background(), sess, "hi", nil, rec.emit)
	require.NoError(t, err)

	partials := rec.byType(protocol.TypeServerPartial)
	require.Len(t, partials, 2)
	assert.Equal(t, "Hello", partials[0].payload.(protocol.ServerPartial).Text)

	texts := rec.byType(protocol.TypeServerText)
	require.Len(t, texts, 1)
	assert.Equal(t, "Hello, world", texts[0].payload.(protocol.ServerText).Text)

	conv := sess.Conversation()
	require.Len(t, conv, 2)
	assert.Equal(t, "user", conv[0].Role)
	assert.Equal(t, "hi", conv[0].Content)
	assert.Equal(t, "assistant", conv[1].Role)
	assert.Equal(t, "Hello, world", conv[1].Content)
}

func TestProcessText_ToolRoundTrip(t *testing.T) {
	provider := &llmmock.Provider{
		ScriptedTurns: [][]llm.Chunk{
			{{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{"q":"pizza"}`}}}},
			textChunks("Found it."),
		},
	}
	l, reg := newLoop(t, provider, nil)
	reg.Register(tool.Tool{
		Name: "lookup",
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"answer": args["q"].(string) + " place"}, nil
		},
	})

	sess := session.New("s-1", "app")
	rec := &recorder{}
	require.NoError(t, l.ProcessText(context.Background(), sess, "find pizza", nil, rec.emit))

	// Frame order: the call announcement precedes the result, which precedes
	// the final answer.
	order := rec.types()
	assert.Equal(t, []string{
		protocol.TypeServerToolCall,
		protocol.TypeServerToolResult,
		protocol.TypeServerPartial,
		protocol.TypeServerText,
	}, order)

	call := rec.byType(protocol.TypeServerToolCall)[0].payload.(protocol.ServerToolCall)
	assert.Equal(t, "lookup", call.ToolName)
	assert.Equal(t, protocol.ToolStatusCalling, call.Status)
	assert.Equal(t, map[string]any{"q": "pizza"}, call.Arguments, "arguments decode to an object on the wire")

	result := rec.byType(protocol.TypeServerToolResult)[0].payload.(protocol.ServerToolResult)
	assert.Equal(t, protocol.ToolStatusCompleted, result.Status)
	assert.Contains(t, result.Result, "pizza place")

	// History: user, assistant-with-calls, tool result, final assistant.
	conv := sess.Conversation()
	require.Len(t, conv, 4)
	assert.Equal(t, "assistant", conv[1].Role)
	require.Len(t, conv[1].ToolCalls, 1)
	assert.Equal(t, "tool", conv[2].Role)
	assert.Equal(t, "call-1", conv[2].ToolCallID)
	assert.Equal(t, "Found it.", conv[3].Content)
}

func TestProcessText_FailedToolKeepsTurnAlive(t *testing.T) {
	provider := &llmmock.Provider{
		ScriptedTurns: [][]llm.Chunk{
			{{ToolCalls: []types.ToolCall{{ID: "c1", Name: "fragile", Arguments: "{}"}}}},
			textChunks("Sorry, that failed."),
		},
	}
	l, reg := newLoop(t, provider, nil)
	reg.Register(tool.Tool{
		Name:   "fragile",
		Invoke: func(context.Context, map[string]any) (any, error) { return nil, errors.New("backend down") },
	})

	sess := session.New("s-1", "app")
	rec := &recorder{}
	require.NoError(t, l.ProcessText(context.Background(), sess, "try it", nil, rec.emit))

	result := rec.byType(protocol.TypeServerToolResult)[0].payload.(protocol.ServerToolResult)
	assert.Equal(t, protocol.ToolStatusFailed, result.Status)
	assert.Contains(t, result.Error, "backend down")

	// The failure is folded into the history so the model can recover.
	conv := sess.Conversation()
	assert.Contains(t, conv[2].Content, "Tool call failed")
	assert.Equal(t, "Sorry, that failed.", conv[3].Content)
}

func TestProcessText_ToolReminderAddedToSystemPrompt(t *testing.T) {
	provider := &llmmock.Provider{
		ScriptedTurns: [][]llm.Chunk{
			{{ToolCalls: []types.ToolCall{{ID: "c1", Name: "noop", Arguments: "{}"}}}},
			textChunks("Done."),
		},
	}
	l, reg := newLoop(t, provider, nil)
	reg.Register(tool.Tool{
		Name:   "noop",
		Invoke: func(context.Context, map[string]any) (any, error) { return "ok", nil },
	})

	sess := session.New("s-1", "app")
	require.NoError(t, l.ProcessText(context.Background(), sess, "go", nil, (&recorder{}).emit))

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Req.SystemPrompt, "tool results")
	assert.Contains(t, calls[1].Req.SystemPrompt, "tool results")
	assert.Contains(t, calls[0].Req.SystemPrompt, "Be concise.")
}

func TestProcessText_SessionSystemMessageWins(t *testing.T) {
	provider := &llmmock.Provider{StreamChunks: textChunks("ok")}
	l, _ := newLoop(t, provider, nil)

	sess := session.New("s-1", "app")
	sess.Append(types.Message{Role: "system", Content: "You are a pirate."})
	require.NoError(t, l.ProcessText(context.Background(), sess, "hi", nil, (&recorder{}).emit))

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].Req.SystemPrompt, "Be concise.")
}

func TestProcessText_ToolCallLimitForcesTextAnswer(t *testing.T) {
	// The model asks for a tool every time; the limit strips the tool
	// definitions so it must answer in text.
	loopingCall := []llm.Chunk{{ToolCalls: []types.ToolCall{{ID: "c", Name: "noop", Arguments: "{}"}}}}
	provider := &llmmock.Provider{
		ScriptedTurns: [][]llm.Chunk{loopingCall, loopingCall, textChunks("giving up")},
	}
	l, reg := newLoop(t, provider, func(cfg *Config) { cfg.ToolCallLimit = 2 })
	reg.Register(tool.Tool{
		Name:   "noop",
		Invoke: func(context.Context, map[string]any) (any, error) { return "ok", nil },
	})

	sess := session.New("s-1", "app")
	rec := &recorder{}
	require.NoError(t, l.ProcessText(context.Background(), sess, "loop", nil, rec.emit))

	calls := provider.Calls()
	require.Len(t, calls, 3)
	assert.NotEmpty(t, calls[0].Req.Tools)
	assert.NotEmpty(t, calls[1].Req.Tools)
	assert.Empty(t, calls[2].Req.Tools, "tools are withheld once the budget is spent")
	assert.Equal(t, "giving up", rec.byType(protocol.TypeServerText)[0].payload.(protocol.ServerText).Text)
}

func TestProcessText_StreamStartFailure(t *testing.T) {
	provider := &llmmock.Provider{StreamErr: errors.New("upstream 500")}
	l, _ := newLoop(t, provider, nil)

	sess := session.New("s-1", "app")
	rec := &recorder{}
	err := l.ProcessText(context.Background(), sess, "hi", nil, rec.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 500")
	assert.Empty(t, rec.byType(protocol.TypeServerText))
}

func TestProcessText_MidStreamErrorKeepsStreamedText(t *testing.T) {
	// The model dies after two chunks. The client already saw them as
	// partials, so the turn commits the accumulated text as the final answer
	// and then surfaces the failure for a server_error frame.
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "The capital "},
			{Text: "is Paris"},
			{FinishReason: "error", Text: "rate limited"},
		},
	}
	l, _ := newLoop(t, provider, nil)

	sess := session.New("s-1", "app")
	rec := &recorder{}
	err := l.ProcessText(context.Background(), sess, "hi", nil, rec.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	texts := rec.byType(protocol.TypeServerText)
	require.Len(t, texts, 1)
	assert.Equal(t, "The capital is Paris", texts[0].payload.(protocol.ServerText).Text)

	conv := sess.Conversation()
	require.Len(t, conv, 2)
	assert.Equal(t, "assistant", conv[1].Role)
	assert.Equal(t, "The capital is Paris", conv[1].Content)
}

func TestProcessText_StreamErrorBeforeAnyText(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{FinishReason: "error", Text: "overloaded"}},
	}
	l, _ := newLoop(t, provider, nil)

	sess := session.New("s-1", "app")
	rec := &recorder{}
	err := l.ProcessText(context.Background(), sess, "hi", nil, rec.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")

	// Nothing streamed, so nothing is committed.
	assert.Empty(t, rec.byType(protocol.TypeServerText))
	require.Len(t, sess.Conversation(), 1)
	assert.Equal(t, "user", sess.Conversation()[0].Role)
}

func TestProcessText_MetadataEchoedOnFinalText(t *testing.T) {
	provider := &llmmock.Provider{StreamChunks: textChunks("ok")}
	l, _ := newLoop(t, provider, nil)

	rec := &recorder{}
	meta := map[string]any{"source": "voice"}
	require.NoError(t, l.ProcessText(context.Background(), session.New("s-1", "app"), "hi", meta, rec.emit))

	final := rec.byType(protocol.TypeServerText)[0].payload.(protocol.ServerText)
	assert.Equal(t, meta, final.Metadata)
}

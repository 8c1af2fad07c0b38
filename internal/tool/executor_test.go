package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunsTool(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Tool{
		Name: "greet",
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"greeting": "hello " + args["name"].(string)}, nil
		},
	})
	e := NewExecutor(r, nil)

	got, err := e.Execute(context.Background(), "greet", `{"name":"ada"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hello ada"}`, got)
}

func TestExecutor_UnknownToolSuggests(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Tool{Name: "get_weather", Invoke: func(context.Context, map[string]any) (any, error) { return nil, nil }})
	e := NewExecutor(r, nil)

	_, err := e.Execute(context.Background(), "get_wether", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "get_weather"`)

	_, err = e.Execute(context.Background(), "fly_to_mars", "{}")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestExecutor_MalformedArgsStillRuns(t *testing.T) {
	r := NewRegistry(nil)
	var gotArgs map[string]any
	r.Register(Tool{
		Name: "probe",
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			gotArgs = args
			return "ok", nil
		},
	})
	e := NewExecutor(r, nil)

	got, err := e.Execute(context.Background(), "probe", `{broken`)
	require.NoError(t, err)
	assert.Empty(t, gotArgs, "tool runs with empty arguments")
	assert.Contains(t, got, "arguments were malformed and ignored")
	assert.Contains(t, got, "ok")
}

func TestExecutor_ToolErrorPropagates(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("backend exploded")
	r.Register(Tool{
		Name:   "fragile",
		Invoke: func(context.Context, map[string]any) (any, error) { return nil, boom },
	})
	e := NewExecutor(r, nil)

	_, err := e.Execute(context.Background(), "fragile", "{}")
	assert.ErrorIs(t, err, boom)
}

func TestExecutor_Timeout(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Tool{
		Name: "slow",
		Invoke: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	e := NewExecutor(r, nil, WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := e.Execute(context.Background(), "slow", "{}")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNormalizeResult(t *testing.T) {
	assert.Equal(t, "", NormalizeResult(nil))
	assert.Equal(t, "plain text", NormalizeResult("plain text"))
	assert.JSONEq(t, `{"a":1}`, NormalizeResult(`{ "a": 1 }`))
	assert.JSONEq(t, `{"n":42}`, NormalizeResult(map[string]any{"n": 42}))
	assert.Equal(t, "7", NormalizeResult(7))
}

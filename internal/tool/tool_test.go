package tool

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its arguments",
		Invoke: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"get_weather", "get_weather"},
		{"Get Weather!", "Get_Weather_"},
		{"tool.name/v2", "tool_name_v2"},
		{"  spaced  ", "spaced"},
		{"", "_"},
		{"änderung", "_nderung"},
		{strings.Repeat("x", 100), strings.Repeat("x", 64)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}

func TestRegistry_RegisterNormalizes(t *testing.T) {
	r := NewRegistry(nil)
	name := r.Register(echoTool("my tool"))
	assert.Equal(t, "my_tool", name)

	_, ok := r.Get("my_tool")
	assert.True(t, ok)
	_, ok = r.Get("my tool")
	assert.False(t, ok)
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Tool{Name: "dup", Description: "first"})
	r.Register(Tool{Name: "dup", Description: "second"})

	got, ok := r.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "second", got.Description)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Suggest(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool("get_weather"))
	r.Register(echoTool("get_time"))

	assert.Equal(t, "get_weather", r.Suggest("get_wether"))
	assert.Equal(t, "", r.Suggest("launch_rockets"))
}

func TestRegistry_DefinitionsSortedWithDefaultSchema(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool("zeta"))
	r.Register(Tool{Name: "alpha", Parameters: map[string]any{"type": "object", "properties": map[string]any{}}})

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
	assert.Equal(t, map[string]any{"type": "object"}, defs[1].Parameters, "nil schema gets the empty-object default")
}

func TestRegistry_ToolkitInstructions(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterToolkit(Toolkit{
		Name:         "kit-a",
		Instructions: "Use kit A sparingly.",
		Tools:        []Tool{echoTool("a_one")},
	})
	r.RegisterToolkit(Toolkit{
		Name:         "kit-b",
		Instructions: "Kit B needs confirmation.",
		Tools:        []Tool{echoTool("b_one")},
	})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "Use kit A sparingly.\nKit B needs confirmation.", r.Instructions())
}

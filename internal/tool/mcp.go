package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPTransport selects how an MCP server is reached.
type MCPTransport string

const (
	MCPTransportStdio          MCPTransport = "stdio"
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// MCPServerConfig describes one external MCP server whose tools should be
// imported into the registry.
type MCPServerConfig struct {
	// Name identifies the server in logs and instructions.
	Name string

	// Transport selects stdio or streamable-http.
	Transport MCPTransport

	// Command is the executable plus arguments for stdio transport.
	Command string

	// Env holds extra environment variables for stdio transport.
	Env map[string]string

	// URL is the endpoint for streamable-http transport.
	URL string

	// Instructions is an optional toolkit instruction string.
	Instructions string
}

// MCPClient connects to MCP servers and imports their tool catalogues.
// Close tears down every session.
type MCPClient struct {
	client   *mcpsdk.Client
	sessions []*mcpsdk.ClientSession
}

// NewMCPClient creates an MCPClient.
func NewMCPClient() *MCPClient {
	return &MCPClient{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "parley", Version: "1.0.0"},
			nil,
		),
	}
}

// ImportServer connects to the server, lists its tools, and registers each as
// a Tool whose Invoke routes through the live session. The imported tools
// form one toolkit carrying cfg.Instructions.
func (c *MCPClient) ImportServer(ctx context.Context, registry *Registry, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tool: mcp server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case MCPTransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("tool: mcp stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tool: mcp streamable-http server %q requires a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tool: unknown mcp transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tool: connect to mcp server %q: %w", cfg.Name, err)
	}

	kit := Toolkit{Name: cfg.Name, Instructions: cfg.Instructions}
	for mcpTool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tool: list tools of mcp server %q: %w", cfg.Name, err)
		}
		kit.Tools = append(kit.Tools, Tool{
			Name:        mcpTool.Name,
			Description: mcpTool.Description,
			Parameters:  schemaToMap(mcpTool.InputSchema),
			Invoke:      callViaSession(session, mcpTool.Name),
		})
	}

	c.sessions = append(c.sessions, session)
	registry.RegisterToolkit(kit)
	return nil
}

// Close shuts down every imported server session.
func (c *MCPClient) Close() error {
	var firstErr error
	for _, s := range c.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.sessions = nil
	return firstErr
}

// callViaSession builds the Handler that routes one tool's calls through an
// MCP session and concatenates the text content of the result.
func callViaSession(session *mcpsdk.ClientSession, name string) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			return nil, fmt.Errorf("mcp call %q: %w", name, err)
		}

		var sb strings.Builder
		for _, content := range result.Content {
			if tc, ok := content.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return nil, fmt.Errorf("mcp tool %q failed: %s", name, sb.String())
		}
		return sb.String(), nil
	}
}

// schemaToMap converts any schema value to a plain map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

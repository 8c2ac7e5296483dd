// Package tool invokes the MCP tool endpoints an AgentDescriptor declares
// in its tools[] block. The teacher exposes tools as an MCP *server*
// (internal/mcp); this package is the client-side mirror, calling out to
// tool servers over the same protocol library.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/orbitfleet/orchestra/internal/model"
)

// Client invokes named tools declared on an AgentDescriptor, lazily
// connecting to and caching one MCP session per distinct tool URL.
type Client struct {
	mu       sync.Mutex
	sessions map[string]*client.Client
}

// New constructs an empty Client. Sessions are established on first use.
func New() *Client {
	return &Client{sessions: make(map[string]*client.Client)}
}

// Invoke calls the named tool declared in tools with the given arguments,
// returning its text result. A toolName that is not declared in tools is
// rejected with an error before any session is opened.
func (c *Client) Invoke(ctx context.Context, tools []model.ToolConfig, toolName string, args map[string]any) (string, error) {
	cfg, err := findTool(tools, toolName)
	if err != nil {
		return "", err
	}

	sess, err := c.session(ctx, cfg)
	if err != nil {
		return "", fmt.Errorf("tool: connect %q: %w", toolName, err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	result, err := sess.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool: call %q: %w", toolName, err)
	}
	if result.IsError {
		return "", fmt.Errorf("tool: %q returned an error result: %s", toolName, textOf(result))
	}
	return textOf(result), nil
}

func findTool(tools []model.ToolConfig, name string) (model.ToolConfig, error) {
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return model.ToolConfig{}, fmt.Errorf("tool: %q not declared on this agent", name)
}

// session returns the cached MCP client session for cfg's URL, creating and
// initializing one on first use.
func (c *Client) session(ctx context.Context, cfg model.ToolConfig) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.sessions[cfg.URL]; ok {
		return sess, nil
	}

	var headers map[string]string
	if cfg.Auth.Type == "header" && cfg.Auth.Header != "" {
		headers = map[string]string{cfg.Auth.Header: cfg.Auth.Token}
	}

	tr, err := transport.NewStreamableHTTP(cfg.URL, transport.WithHTTPHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	sess := client.NewClient(tr)
	if _, err := sess.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		return nil, fmt.Errorf("initialize session: %w", err)
	}

	c.sessions[cfg.URL] = sess
	return sess, nil
}

// Close tears down every open MCP session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for url, sess := range c.sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tool: close session %q: %w", url, err)
		}
	}
	c.sessions = make(map[string]*client.Client)
	return firstErr
}

func textOf(result *mcp.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			out += tc.Text
		}
	}
	if out == "" {
		if raw, err := json.Marshal(result.Content); err == nil {
			out = string(raw)
		}
	}
	return out
}

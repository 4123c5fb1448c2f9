// Package mcp provides the MCP tool-server client and the compliance audit
// wrapper that every agent tool invocation goes through.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/finvault/fabric/pkg/httpclient"
)

// ToolCaller is the tool invocation contract. Tool-server business logic is
// opaque; only the name/arguments contract is known here.
type ToolCaller interface {
	ServerName() string
	CallTool(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// Request is an MCP JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Response is an MCP JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is an MCP error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// CallParams are the parameters of a tools/call request.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ClientConfig configures one MCP server connection.
type ClientConfig struct {
	Name string
	URL  string

	// PreferExternalURL forces connections through ExternalURL even when
	// the resolved URL points at an internal hostname. Some tool servers
	// advertise cluster-internal addresses that are unreachable from here.
	PreferExternalURL bool
	ExternalURL       string

	ConnectTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "mcp"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 1 * time.Second
	}
}

// Client talks JSON-RPC to a single MCP tool server.
type Client struct {
	cfg        ClientConfig
	url        string
	httpClient *httpclient.Client
}

// NewClient creates a client for one MCP server.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.setDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcp: server URL is required")
	}

	serverURL := cfg.URL
	if cfg.PreferExternalURL && cfg.ExternalURL != "" {
		restored, err := restoreExternalURL(serverURL, cfg.ExternalURL)
		if err != nil {
			return nil, err
		}
		serverURL = restored
	}

	return &Client{
		cfg: cfg,
		url: serverURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.ConnectTimeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(cfg.RetryDelay),
		),
	}, nil
}

// ServerName returns the configured server name.
func (c *Client) ServerName() string { return c.cfg.Name }

// URL returns the URL the client actually connects to.
func (c *Client) URL() string { return c.url }

// CallTool invokes tools/call for the named tool and returns the decoded
// result.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}

	resp, err := c.rpc(ctx, "tools/call", CallParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("tool %s failed: %w", toolName, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tool %s failed: %w", toolName, resp.Error)
	}

	var result any
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("tool %s returned undecodable result: %w", toolName, err)
		}
	}
	return result, nil
}

// ListTools returns the names of the tools the server advertises.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	resp, err := c.rpc(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("undecodable tools/list result: %w", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

func (c *Client) rpc(ctx context.Context, method string, params any) (*Response, error) {
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp request failed: %w", err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode mcp response: %w", err)
	}
	return &resp, nil
}

// restoreExternalURL swaps the host of rawURL for the configured external
// host while keeping the original path, so a server-advertised internal
// hostname does not break connectivity.
func restoreExternalURL(rawURL, externalURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid mcp url %q: %w", rawURL, err)
	}
	external, err := url.Parse(externalURL)
	if err != nil {
		return "", fmt.Errorf("invalid external mcp url %q: %w", externalURL, err)
	}
	if parsed.Host == external.Host {
		return rawURL, nil
	}
	parsed.Scheme = external.Scheme
	parsed.Host = external.Host
	return parsed.String(), nil
}

var _ ToolCaller = (*Client)(nil)

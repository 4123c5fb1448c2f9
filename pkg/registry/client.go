package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/finvault/fabric/pkg/a2a"
)

// Client talks to a remote registry over its REST surface. Heartbeats are
// best-effort: callers should log heartbeat errors, not fail on them.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient creates a registry client. baseURL is the registry root, e.g.
// "http://registry:8500".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken sets the bearer token used for mutating calls. Register returns
// the token to use.
func (c *Client) SetToken(token string) {
	c.token = token
}

// RegisterResult is the server's answer to a registration.
type RegisterResult struct {
	AgentID      string      `json:"agent_id"`
	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
	Token        string      `json:"token"`
}

// Register registers the agent and stores the issued token on the client.
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResult, error) {
	var result RegisterResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/register", req, &result, http.StatusCreated); err != nil {
		return nil, err
	}
	c.token = result.Token
	return &result, nil
}

// Discover queries the registry for agents matching the filters.
func (c *Client) DiscoverAgents(ctx context.Context, query DiscoverQuery) ([]*Registration, error) {
	params := url.Values{}
	if query.Capability != "" {
		params.Set("capability", query.Capability)
	}
	if query.AgentType != "" {
		params.Set("agent_type", string(query.AgentType))
	}
	if query.Status != "" {
		params.Set("status", string(query.Status))
	}
	if len(query.Tags) > 0 {
		params.Set("tags", strings.Join(query.Tags, ","))
	}

	path := "/api/v1/agents/discover"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var result struct {
		Agents []*Registration `json:"agents"`
		Count  int             `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result.Agents, nil
}

// GetRegistration fetches one registration by agent id.
func (c *Client) GetRegistration(ctx context.Context, agentID string) (*Registration, error) {
	var reg Registration
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+agentID, nil, &reg, http.StatusOK); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Heartbeat refreshes the agent's liveness, optionally updating its status.
func (c *Client) Heartbeat(ctx context.Context, agentID string, status *AgentStatus) error {
	body := map[string]any{}
	if status != nil {
		body["status"] = *status
	}
	return c.do(ctx, http.MethodPost, "/api/v1/agents/"+agentID+"/heartbeat", body, nil, http.StatusOK)
}

// UpdateStatus sets the agent's status.
func (c *Client) UpdateStatus(ctx context.Context, agentID string, status AgentStatus) error {
	path := fmt.Sprintf("/api/v1/agents/%s/status?new_status=%s", agentID, status)
	return c.do(ctx, http.MethodPut, path, nil, nil, http.StatusOK)
}

// Deregister removes the agent's registration.
func (c *Client) Deregister(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/agents/"+agentID, nil, nil, http.StatusOK)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, wantStatus int) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAgentNotFound
	}
	if resp.StatusCode != wantStatus {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registry returned %s: %s", resp.Status, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode registry response: %w", err)
		}
	}
	return nil
}

// ============================================================================
// A2A DISCOVERER ADAPTER
// ============================================================================

// Discoverer adapts the registry client to the a2a.Discoverer interface.
type Discoverer struct {
	client *Client
}

// NewDiscoverer wraps a registry client for use by the A2A client.
func NewDiscoverer(client *Client) *Discoverer {
	return &Discoverer{client: client}
}

func (d *Discoverer) Discover(ctx context.Context, capability string) ([]a2a.AgentInfo, error) {
	regs, err := d.client.DiscoverAgents(ctx, DiscoverQuery{Capability: capability})
	if err != nil {
		return nil, err
	}
	infos := make([]a2a.AgentInfo, 0, len(regs))
	for _, reg := range regs {
		infos = append(infos, toAgentInfo(reg))
	}
	return infos, nil
}

func (d *Discoverer) GetAgent(ctx context.Context, agentID string) (*a2a.AgentInfo, error) {
	reg, err := d.client.GetRegistration(ctx, agentID)
	if err != nil {
		return nil, err
	}
	info := toAgentInfo(reg)
	return &info, nil
}

func toAgentInfo(reg *Registration) a2a.AgentInfo {
	return a2a.AgentInfo{
		AgentID:      reg.AgentID,
		AgentName:    reg.AgentName,
		A2AEndpoint:  reg.Endpoints.A2A,
		Capabilities: reg.Capabilities,
	}
}

var _ a2a.Discoverer = (*Discoverer)(nil)

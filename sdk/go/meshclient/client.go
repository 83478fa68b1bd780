// Package meshclient is a Go client for the CognitiveMesh REST API.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the mesh API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// AgentSpec is the payload for registering an agent.
type AgentSpec struct {
	Name          string            `json:"name"`
	Chain         string            `json:"chain"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Status        string            `json:"status,omitempty"`
	TrustScore    *float64          `json:"trust_score,omitempty"`
	SourceAgentID string            `json:"source_agent_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Agent is a registered agent as returned by the API.
type Agent struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Capabilities  []string          `json:"capabilities"`
	TrustScore    float64           `json:"trust_score"`
	TrustTier     string            `json:"trust_tier,omitempty"`
	Chain         string            `json:"chain"`
	Status        string            `json:"status"`
	SourceChain   string            `json:"source_chain,omitempty"`
	SourceAgentID string            `json:"source_agent_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// PathwaySpec is the payload for establishing a pathway.
type PathwaySpec struct {
	SourceID      string            `json:"source_id"`
	TargetID      string            `json:"target_id"`
	Strength      *float64          `json:"strength,omitempty"`
	Bidirectional bool              `json:"bidirectional,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Token is the on-chain handle of a tokenized pathway.
type Token struct {
	Chain   string `json:"chain"`
	TokenID string `json:"token_id"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// Pathway is a directed (or bidirectional) edge between two agents.
type Pathway struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"source_id"`
	TargetID      string     `json:"target_id"`
	Strength      float64    `json:"strength"`
	Bidirectional bool       `json:"bidirectional"`
	CrossChain    bool       `json:"cross_chain"`
	UsageCount    uint64     `json:"usage_count"`
	SuccessCount  uint64     `json:"success_count"`
	FailureCount  uint64     `json:"failure_count"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	Token         *Token     `json:"token,omitempty"`
	Status        string     `json:"status"`
}

// Usage is the result of recording one pathway outcome.
type Usage struct {
	Pathway     Pathway `json:"pathway"`
	TargetTrust float64 `json:"target_trust"`
}

// Connection is one agent reachable from a traversal origin.
type Connection struct {
	AgentID   string  `json:"agent_id"`
	Depth     int     `json:"depth"`
	Via       string  `json:"via"`
	PathwayID string  `json:"pathway_id"`
	Strength  float64 `json:"strength"`
}

// TokenOptions controls a mint request.
type TokenOptions struct {
	Chain string `json:"chain,omitempty"`
	Owner string `json:"owner,omitempty"`
	URI   string `json:"uri,omitempty"`
	Wait  bool   `json:"wait,omitempty"`
}

// MintStatus is the tokenization state of a pathway.
type MintStatus struct {
	PathwayID string `json:"pathway_id"`
	State     string `json:"state"`
	Chain     string `json:"chain,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	TokenID   string `json:"token_id,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the mesh API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// RegisterAgent registers a new agent, or a mirror when SourceAgentID is set.
func (c *Client) RegisterAgent(ctx context.Context, spec AgentSpec) (Agent, error) {
	var agent Agent
	err := c.send(ctx, http.MethodPost, "/api/v1/agents", nil, spec, &agent)
	return agent, err
}

// GetAgent fetches an agent with its decayed trust score.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, nil, &agent)
	return agent, err
}

// MirrorAgent creates a mirror of the agent on chain.
func (c *Client) MirrorAgent(ctx context.Context, id, chain string) (Agent, error) {
	var agent Agent
	err := c.send(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(id)+"/mirrors", nil,
		map[string]string{"chain": chain}, &agent)
	return agent, err
}

// EstablishPathway creates a pathway between two active agents.
func (c *Client) EstablishPathway(ctx context.Context, spec PathwaySpec) (Pathway, error) {
	var p Pathway
	err := c.send(ctx, http.MethodPost, "/api/v1/pathways", nil, spec, &p)
	return p, err
}

// RecordUsage records a success or failure outcome on a pathway.
func (c *Client) RecordUsage(ctx context.Context, pathwayID string, success bool) (Usage, error) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	var u Usage
	err := c.send(ctx, http.MethodPost, "/api/v1/pathways/"+url.PathEscape(pathwayID)+"/usage", nil,
		map[string]string{"outcome": outcome}, &u)
	return u, err
}

// FindConnections lists agents reachable from agentID. A zero maxDepth uses the
// server default; a negative one is rejected by the server.
func (c *Client) FindConnections(ctx context.Context, agentID string, maxDepth int, minStrength float64) ([]Connection, error) {
	q := url.Values{}
	if maxDepth != 0 {
		q.Set("max_depth", strconv.Itoa(maxDepth))
	}
	if minStrength > 0 {
		q.Set("min_strength", strconv.FormatFloat(minStrength, 'f', -1, 64))
	}
	var out []Connection
	err := c.send(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID)+"/connections", q, nil, &out)
	return out, err
}

// GenerateToken requests a mint. The returned status is "minting" unless
// opts.Wait is set.
func (c *Client) GenerateToken(ctx context.Context, pathwayID string, opts TokenOptions) (MintStatus, error) {
	var status MintStatus
	err := c.send(ctx, http.MethodPost, "/api/v1/pathways/"+url.PathEscape(pathwayID)+"/token", nil, opts, &status)
	return status, err
}

// TokenStatus fetches the tokenization state of a pathway.
func (c *Client) TokenStatus(ctx context.Context, pathwayID string) (MintStatus, error) {
	var status MintStatus
	err := c.send(ctx, http.MethodGet, "/api/v1/pathways/"+url.PathEscape(pathwayID)+"/token", nil, nil, &status)
	return status, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

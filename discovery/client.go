package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Client talks to a remote discovery service. Every call is bounded by the
// configured timeout; network failures surface as generic transient errors.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a discovery client from its config section
func NewClient(cfg config.DiscoveryConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Register announces an agent to the remote registry
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*types.AgentInfo, error) {
	var info types.AgentInfo
	if err := c.post(ctx, "/register", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Search queries the remote registry for matching sellers
func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.post(ctx, "/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Agent fetches one agent record
func (c *Client) Agent(ctx context.Context, agentID types.AgentID) (*types.AgentInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/"+agentID.String(), nil)
	if err != nil {
		return nil, types.NewTransientError("discovery request", err)
	}

	var info types.AgentInfo
	if err := c.do(httpReq, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return types.NewValidationError("body", "request body is not serializable")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return types.NewTransientError("discovery request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewTransientError("discovery call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewTransientError("discovery response decode", err)
	}
	return nil
}

// errorFromResponse reconstructs a typed error from the service's error body
func errorFromResponse(resp *http.Response) error {
	var body struct {
		Error string          `json:"error"`
		Kind  types.ErrorKind `json:"kind"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return types.NewNotFoundError("discovery resource", body.Error)
	case http.StatusBadRequest:
		return types.NewValidationError("request", body.Error)
	case http.StatusUnauthorized:
		return types.NewAuthError(body.Error)
	default:
		return types.NewTransientError("discovery call", fmt.Errorf("status %d: %s", resp.StatusCode, body.Error))
	}
}

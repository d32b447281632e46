package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/attrmesh/pkg/types"
)

// Client talks to one attrmesh daemon over its local HTTP API. It is
// safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at addr (host:port).
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// String returns a pointer to s, for optional values.
func String(s string) *string {
	return &s
}

// UpdateOptions describes one attribute update. A nil Value deletes the
// attribute. Exactly one of Name or Pattern must be set.
type UpdateOptions struct {
	Name    string
	Pattern string
	Value   *string

	// Host targets another node; empty means this node.
	Host string

	// IsRemote marks Host as a remote-class node with no daemon.
	IsRemote bool

	Set     string
	Section string
	Dampen  string
	Key     string
}

// Update submits an attribute update.
func (c *Client) Update(ctx context.Context, opts UpdateOptions) error {
	if opts.Name == "" && opts.Pattern == "" {
		return fmt.Errorf("attribute name or pattern required")
	}
	return c.post(ctx, "/v1/attributes/update", &types.Request{
		Name:     opts.Name,
		Pattern:  opts.Pattern,
		Value:    opts.Value,
		Host:     opts.Host,
		IsRemote: opts.IsRemote,
		SetName:  opts.Set,
		Section:  opts.Section,
		Dampen:   opts.Dampen,
		EntryKey: opts.Key,
	})
}

// Refresh forces an immediate rewrite of every local attribute.
func (c *Client) Refresh(ctx context.Context) error {
	return c.post(ctx, "/v1/attributes/refresh", &types.Request{})
}

// ClearOptions scopes a failure-clear request. Empty Host means every
// host; empty Resource means every resource.
type ClearOptions struct {
	Host      string
	Resource  string
	Operation string
	Interval  string
	IsRemote  bool
}

// ClearFailure clears resource failure attributes.
func (c *Client) ClearFailure(ctx context.Context, opts ClearOptions) error {
	return c.post(ctx, "/v1/failures/clear", &types.Request{
		Host:      opts.Host,
		Resource:  opts.Resource,
		Operation: opts.Operation,
		Interval:  opts.Interval,
		IsRemote:  opts.IsRemote,
	})
}

// RemovePeer announces cluster-wide that a node has left.
func (c *Client) RemovePeer(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("host required")
	}
	return c.post(ctx, "/v1/peers/remove", &types.Request{Host: host})
}

// Attribute is one entry of the daemon's local table.
type Attribute struct {
	Name       string  `json:"name"`
	Desired    *string `json:"desired"`
	Confirmed  *string `json:"confirmed"`
	Section    string  `json:"section"`
	Set        string  `json:"set,omitempty"`
	Dampen     string  `json:"dampen"`
	TimerArmed bool    `json:"timer_armed"`
}

type listResponse struct {
	Node       string      `json:"node"`
	Attributes []Attribute `json:"attributes"`
}

// List returns the daemon's attribute table.
func (c *Client) List(ctx context.Context) ([]Attribute, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/attributes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	return out.Attributes, nil
}

// Health checks daemon liveness.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body *types.Request) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(body))
}

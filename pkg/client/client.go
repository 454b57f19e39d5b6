package client

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

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/types"
)

const defaultTimeout = 3 * time.Minute

// Client talks to the controller admin API
type Client struct {
	baseURL string
	http    *http.Client
}

// Node is a node record with its live connection flag
type Node struct {
	types.NodeRecord
	Connected bool `json:"connected"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// NewClient creates a client for the admin API at addr, either host:port
// or a URL
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, errdefs.Configuration("controller API address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, errdefs.Configuration("invalid controller API address %q: %w", addr, err)
	}

	return &Client{
		baseURL: strings.TrimSuffix(u.String(), "/") + "/api/v1",
		http:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

// ListNodes lists every node that ever registered
func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes)
	return nodes, err
}

// GetNode returns one node
func (c *Client) GetNode(ctx context.Context, name string) (*Node, error) {
	var node Node
	if err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(name), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ListPods lists pod records, limited to one node when node is set
func (c *Client) ListPods(ctx context.Context, node string) ([]*types.PodRecord, error) {
	path := "/pods"
	if node != "" {
		path = "/nodes/" + url.PathEscape(node) + "/pods"
	}
	var pods []*types.PodRecord
	err := c.do(ctx, http.MethodGet, path, nil, &pods)
	return pods, err
}

// CreatePod runs pod on node, or lets the controller place it when node is
// empty and the pod names no node
func (c *Client) CreatePod(ctx context.Context, node string, pod *types.PodTask) (*types.PodRecord, error) {
	body, err := json.Marshal(pod)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pod: %w", err)
	}

	path := "/pods"
	if node != "" {
		path = "/nodes/" + url.PathEscape(node) + "/pods"
	}
	var record types.PodRecord
	if err := c.do(ctx, http.MethodPost, path, body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// DeletePod deletes a pod from a node
func (c *Client) DeletePod(ctx context.Context, node, name string) error {
	return c.do(ctx, http.MethodDelete, "/nodes/"+url.PathEscape(node)+"/pods/"+url.PathEscape(name), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Transport("controller API: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("invalid response from controller (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// statusError maps an API status back onto the error kinds
func statusError(status int, msg string) error {
	switch status {
	case http.StatusConflict:
		return errdefs.State("%s", msg)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, errdefs.ErrNotFound)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return errdefs.Validation("%s", msg)
	case http.StatusUnprocessableEntity:
		return errdefs.Orchestration("%s", msg)
	case http.StatusBadGateway:
		return errdefs.Transport("%s", msg)
	default:
		return fmt.Errorf("controller API returned %d: %s", status, msg)
	}
}

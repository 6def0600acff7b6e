package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beam-cloud/playground/pkg/types"
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to the gateway's JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return e.Message
}

type apiResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type messageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewClient creates a client for the gateway at addr. A bare host:port is
// treated as plain http.
func NewClient(addr, token string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		stream:  &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a request and unmarshals the data field of the response envelope
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	contentType := ""
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(p)
		contentType = "application/json"
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var result apiResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest || !result.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: result.Error}
	}

	if out != nil && len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *Client) ListInstances(ctx context.Context) ([]types.Instance, error) {
	var instances []types.Instance
	err := c.do(ctx, http.MethodGet, "/api/v1/playground", nil, &instances)
	return instances, err
}

func (c *Client) CreateInstance(ctx context.Context, req types.CreateInstanceRequest) (*types.Instance, error) {
	var inst types.Instance
	if err := c.do(ctx, http.MethodPost, "/api/v1/playground", req, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *Client) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	var inst types.Instance
	if err := c.do(ctx, http.MethodGet, "/api/v1/playground/"+url.PathEscape(id), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/playground/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ExtendInstance(ctx context.Context, id string, hours int) (*types.Instance, error) {
	var inst types.Instance
	err := c.do(ctx, http.MethodPost, "/api/v1/playground/"+url.PathEscape(id)+"/extend", types.ExtendInstanceRequest{Hours: hours}, &inst)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *Client) Execute(ctx context.Context, id string, cmd types.Command) (string, error) {
	var resp struct {
		Output string `json:"output"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/playground/"+url.PathEscape(id)+"/command", cmd, &resp)
	return resp.Output, err
}

// Cleanup asks the gateway to remove orphaned sandbox containers.
func (c *Client) Cleanup(ctx context.Context) (string, error) {
	var msg messageResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/playground/cleanup", nil, &msg)
	return msg.Message, err
}

func (c *Client) ListWorkflows(ctx context.Context) ([]types.Workflow, error) {
	var workflows []types.Workflow
	err := c.do(ctx, http.MethodGet, "/api/v1/workflows", nil, &workflows)
	return workflows, err
}

// ApplyWorkflow creates a workflow from a JSON or YAML document, or updates
// the workflow with the same id when one exists.
func (c *Client) ApplyWorkflow(ctx context.Context, id string, document []byte) (*types.Workflow, error) {
	method, path := http.MethodPost, "/api/v1/workflows"
	if id != "" {
		if _, err := c.GetWorkflow(ctx, id); err == nil {
			method, path = http.MethodPut, "/api/v1/workflows/"+url.PathEscape(id)
		}
	}

	var wf types.Workflow
	if err := c.do(ctx, method, path, document, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	var wf types.Workflow
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (c *Client) DeleteWorkflow(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(id), nil, nil)
}

func (c *Client) StartRun(ctx context.Context, req types.StartRunRequest) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*types.RunResult, error) {
	var run types.RunResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) ListRuns(ctx context.Context) ([]types.RunResult, error) {
	var runs []types.RunResult
	err := c.do(ctx, http.MethodGet, "/api/v1/runs", nil, &runs)
	return runs, err
}

// StreamRun reads a run's server-sent events and hands each one to fn until
// the stream ends, fn returns an error or ctx is cancelled.
func (c *Client) StreamRun(ctx context.Context, id string, fn func(types.StreamEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id)+"/stream", nil, "")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event types.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// TerminalURL is the websocket address of an instance's terminal.
func (c *Client) TerminalURL(id string, cols, rows int) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/api/v1/playground/%s/terminal?cols=%d&rows=%d", base, url.PathEscape(id), cols, rows)
}

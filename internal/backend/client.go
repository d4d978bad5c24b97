// Package backend is the HTTP client for the agent execution backend. It
// implements the runner's Submitter and StatusClient contracts against the
// dashboard backend's JSON API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/runner"
)

const defaultTimeout = 30 * time.Second

// Client talks to the agent backend over HTTP
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Options configures a Client
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a Client
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", opts.BaseURL, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: opts.Timeout},
	}, nil
}

type submitRequest struct {
	ProjectID   string `json:"projectId"`
	Requirement string `json:"requirement"`
}

type submitResponse struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error,omitempty"`
}

// Submit dispatches a requirement for execution and returns the backend's
// task id
func (c *Client) Submit(ctx context.Context, key domain.TaskKey) (string, error) {
	body, err := json.Marshal(submitRequest{
		ProjectID:   key.ProjectID,
		Requirement: key.Requirement,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("submitting %s: backend returned %s", key, resp.Status)
	}

	var out submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("submitting %s: %s", key, out.Error)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("submitting %s: backend returned no task id", key)
	}
	return out.TaskID, nil
}

type statusResponse struct {
	Status        string   `json:"status"`
	ProgressLines []string `json:"progressLines"`
	ResultSummary string   `json:"resultSummary,omitempty"`
	ErrorMessage  string   `json:"errorMessage,omitempty"`
}

// Status queries the backend for a dispatched task's status
func (c *Client) Status(ctx context.Context, externalID string) (runner.StatusResult, error) {
	u := c.baseURL + "/api/tasks/" + url.PathEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return runner.StatusResult{}, err
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return runner.StatusResult{}, fmt.Errorf("querying %s: %w", externalID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return runner.StatusResult{}, fmt.Errorf("querying %s: backend returned %s", externalID, resp.Status)
	}

	var out statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return runner.StatusResult{}, fmt.Errorf("decoding status response: %w", err)
	}

	return runner.StatusResult{
		Status:        runner.ExternalStatus(out.Status),
		ProgressLines: out.ProgressLines,
		ResultSummary: out.ResultSummary,
		ErrorMessage:  out.ErrorMessage,
	}, nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/taskdoc"
)

// DefaultClientTimeout is the default timeout for API requests. Step
// execution is bounded by the sandbox timeout, well below this.
const DefaultClientTimeout = 30 * time.Second

// APIError is an error envelope returned by the daemon.
type APIError struct {
	StatusCode int
	Message    string
	Errors     []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client drives a document through the daemon's HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ParseDocument fetches the parsed document.
func (c *Client) ParseDocument(name string) (*taskdoc.Document, error) {
	var out struct {
		Document *taskdoc.Document `json:"document"`
	}
	if err := c.do(context.Background(), http.MethodGet, c.filePath(name, "parse"), nil, &out); err != nil {
		return nil, err
	}
	return out.Document, nil
}

// ExecuteStep runs a step without recording the result.
func (c *Client) ExecuteStep(ctx context.Context, name string, num int) (*controlplane.StepExecution, error) {
	return c.execute(ctx, name, num, false)
}

// RunStep runs a step and records the result in the document.
func (c *Client) RunStep(ctx context.Context, name string, num int) (*controlplane.StepExecution, error) {
	return c.execute(ctx, name, num, true)
}

func (c *Client) execute(ctx context.Context, name string, num int, apply bool) (*controlplane.StepExecution, error) {
	path := c.filePath(name, "steps/"+strconv.Itoa(num)+"/execute")
	if apply {
		path += "?apply=true"
	}
	out := &controlplane.StepExecution{Document: name}
	if err := c.do(ctx, http.MethodPost, path, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteStep marks a step done with an optional note.
func (c *Client) CompleteStep(name string, num int, note string) (*controlplane.StepChange, error) {
	return c.change(name, num, "complete", map[string]string{"note": note})
}

// SkipStep marks a step skipped with an optional reason.
func (c *Client) SkipStep(name string, num int, reason string) (*controlplane.StepChange, error) {
	return c.change(name, num, "skip", map[string]string{"reason": reason})
}

func (c *Client) change(name string, num int, action string, body interface{}) (*controlplane.StepChange, error) {
	out := &controlplane.StepChange{Document: name}
	path := c.filePath(name, "steps/"+strconv.Itoa(num)+"/"+action)
	if err := c.do(context.Background(), http.MethodPatch, path, body, out); err != nil {
		return nil, err
	}
	out.Result = out.Step.ActualResult
	return out, nil
}

func (c *Client) filePath(name, rest string) string {
	return "/api/files/" + url.PathEscape(name) + "/" + rest
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var env struct {
			Error  string   `json:"error"`
			Errors []string `json:"errors"`
		}
		if json.Unmarshal(data, &env) != nil || env.Error == "" {
			env.Error = string(data)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error, Errors: env.Errors}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

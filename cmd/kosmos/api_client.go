package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// apiFailure is the daemon's error envelope.
type apiFailure struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors"`
}

func apiDo(method, path string, data interface{}, out interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewReader(jsonData)
	}
	req, err := http.NewRequest(method, apiAddr+path, body)
	if err != nil {
		return err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var f apiFailure
		if json.Unmarshal(raw, &f) == nil && f.Error != "" {
			if len(f.Errors) > 0 {
				return fmt.Errorf("API error (%d): %s: %s", resp.StatusCode, f.Error, strings.Join(f.Errors, "; "))
			}
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, f.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// apiGet performs a GET request to the API and decodes the reply into out.
func apiGet(path string, out interface{}) error {
	return apiDo(http.MethodGet, path, nil, out)
}

// apiPost performs a POST request to the API and decodes the reply into out.
func apiPost(path string, data, out interface{}) error {
	return apiDo(http.MethodPost, path, data, out)
}

func filePath(name string, parts ...string) string {
	p := "/api/files/" + url.PathEscape(name)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// CheckHealth checks if the daemon is healthy and returns the health response.
// Unlike other API calls, this returns the parsed HealthResponse even on non-200
// responses, allowing callers to inspect the health payload alongside the error.
func CheckHealth() (*HealthResponse, error) {
	resp, err := apiClient.Get(apiAddr + "/health")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, string(body))
	}
	return &health, nil
}

// HealthResponse matches the server's health response structure.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

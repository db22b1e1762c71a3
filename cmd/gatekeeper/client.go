package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loykin/gatekeeper/internal/history"
	"github.com/loykin/gatekeeper/internal/supervisor"
)

// APIClient provides HTTP client functionality to communicate with the
// gatekeeper daemon.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:9921"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *APIClient) IsReachable() bool {
	resp, err := c.do(http.MethodGet, "/status", nil)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Start asks the daemon to start the gateway and returns the resulting state.
func (c *APIClient) Start() (supervisor.GatewayState, error) {
	return c.stateCall(http.MethodPost, "/start", nil)
}

// Stop asks the daemon to stop the gateway.
func (c *APIClient) Stop() error {
	resp, err := c.do(http.MethodPost, "/stop", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

// Status fetches the current gateway state.
func (c *APIClient) Status() (supervisor.GatewayState, error) {
	return c.stateCall(http.MethodGet, "/status", nil)
}

// Backup downloads a zip snapshot of the state directory.
func (c *APIClient) Backup() ([]byte, error) {
	resp, err := c.do(http.MethodPost, "/backup", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Restore uploads an archive for the daemon to restore from.
func (c *APIClient) Restore(data []byte, filename string) (supervisor.GatewayState, error) {
	body := map[string]string{
		"data":     base64.StdEncoding.EncodeToString(data),
		"filename": filename,
	}
	return c.stateCall(http.MethodPost, "/restore", body)
}

// RestoreDir asks the daemon to restore from a directory on its host.
func (c *APIClient) RestoreDir(dir string) (supervisor.GatewayState, error) {
	return c.stateCall(http.MethodPost, "/restore-dir", map[string]string{"dir": dir})
}

// Detect asks the daemon for a local install candidate.
func (c *APIClient) Detect() (string, bool, error) {
	resp, err := c.do(http.MethodGet, "/backup/detect", nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return "", false, err
	}
	var out struct {
		Found bool   `json:"found"`
		Path  string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	return out.Path, out.Found, nil
}

// Validate asks the daemon whether dir holds a restorable backup.
func (c *APIClient) Validate(dir string) (bool, string, error) {
	resp, err := c.do(http.MethodPost, "/backup/validate", map[string]string{"dir": dir})
	if err != nil {
		return false, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return false, "", err
	}
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", err
	}
	return out.Valid, out.Error, nil
}

// History fetches recent lifecycle events.
func (c *APIClient) History(limit int) ([]history.Event, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + url.QueryEscape(strconv.Itoa(limit))
	}
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var events []history.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *APIClient) stateCall(method, path string, body any) (supervisor.GatewayState, error) {
	resp, err := c.do(method, path, body)
	if err != nil {
		return supervisor.GatewayState{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return supervisor.GatewayState{}, err
	}
	var st supervisor.GatewayState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return supervisor.GatewayState{}, err
	}
	return st, nil
}

func (c *APIClient) do(method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/jcdickinson/rsimpl/internal/implementors"
	"github.com/jcdickinson/rsimpl/internal/rpc"
)

// ErrWaitTimeout is returned by Client.Wait when nothing was published in time.
var ErrWaitTimeout = errors.New("timed out waiting for implementor index")

// APIError is a non-200 response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

type Client struct {
	socketPath string
	baseURL    string
	httpClient *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		baseURL:    "http://unix",
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 5 * time.Minute, // builds and waits can be slow
		},
	}
}

// ConnectOrSpawn tries to connect to the daemon, spawning it if necessary.
func ConnectOrSpawn(socketPath string) (*Client, error) {
	client := NewClient(socketPath)

	if client.IsAvailable() {
		return client, nil
	}

	if err := Spawn(); err != nil {
		return nil, fmt.Errorf("spawning daemon: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if client.IsAvailable() {
			return client, nil
		}
	}

	return nil, fmt.Errorf("daemon did not start within 5 seconds")
}

func (c *Client) IsAvailable() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Publish hands idx to the trait's page. A page that was already published
// yields an error wrapping implementors.ErrAlreadyPublished.
func (c *Client) Publish(ctx context.Context, trait string, idx implementors.Index) (*rpc.PublishResponse, error) {
	var resp rpc.PublishResponse
	err := c.post(ctx, "/publish", rpc.PublishRequest{Trait: trait, Index: idx}, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return nil, fmt.Errorf("%s: %w", trait, implementors.ErrAlreadyPublished)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Consume(ctx context.Context, trait string) (*rpc.ConsumeResponse, error) {
	var resp rpc.ConsumeResponse
	err := c.post(ctx, "/consume", rpc.ConsumeRequest{Trait: trait}, &resp)
	return &resp, err
}

// Wait blocks until the trait's index is published or the daemon gives up
// after timeout.
func (c *Client) Wait(ctx context.Context, trait string, timeout time.Duration) (*rpc.ConsumeResponse, error) {
	var resp rpc.ConsumeResponse
	err := c.post(ctx, "/wait", rpc.WaitRequest{Trait: trait, TimeoutSeconds: int(timeout / time.Second)}, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusRequestTimeout {
		return nil, fmt.Errorf("%s: %w", trait, ErrWaitTimeout)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Build(ctx context.Context, req rpc.BuildRequest, onProgress func(string)) (*rpc.BuildResult, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/build", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var result *rpc.BuildResult
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var line rpc.ProgressLine
		if err := dec.Decode(&line); err != nil {
			return nil, fmt.Errorf("decoding progress: %w", err)
		}
		switch line.Type {
		case "progress":
			if onProgress != nil {
				onProgress(line.Message)
			}
		case "result":
			result = line.Result
		}
	}

	if result == nil {
		return nil, fmt.Errorf("build stream ended without a result")
	}
	if result.Error != "" {
		return result, fmt.Errorf("build failed: %s", result.Error)
	}
	return result, nil
}

func (c *Client) GetImplementors(ctx context.Context, trait string) (*rpc.GetImplementorsResponse, error) {
	var resp rpc.GetImplementorsResponse
	err := c.post(ctx, "/get-implementors", rpc.GetImplementorsRequest{Trait: trait}, &resp)
	return &resp, err
}

func (c *Client) Invalidate(ctx context.Context, typePath string) (*rpc.InvalidateResponse, error) {
	var resp rpc.InvalidateResponse
	err := c.post(ctx, "/invalidate", rpc.InvalidateRequest{Type: typePath}, &resp)
	return &resp, err
}

func (c *Client) Status(ctx context.Context) (*rpc.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, readAPIError(httpResp)
	}

	var resp rpc.StatusResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &resp, nil
}

func (c *Client) ClearCache(ctx context.Context) (*rpc.ClearCacheResponse, error) {
	var resp rpc.ClearCacheResponse
	err := c.post(ctx, "/clear-cache", nil, &resp)
	return &resp, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	var resp map[string]string
	return c.post(ctx, "/shutdown", nil, &resp)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e struct {
		Error string `json:"error"`
	}
	msg := string(body)
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

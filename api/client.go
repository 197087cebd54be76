// Package api defines the wire types and a thin HTTP client shared by
// the worker, coordinator, and CLI: JSON request/response bodies for
// unary calls, newline-delimited JSON for streaming ones.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// Client talks to either a worker's or a coordinator's HTTP surface;
// both expose the same do/stream primitives, just different routes.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient wraps an existing *http.Client so callers can inject
// timeouts, transports, or test doubles.
func NewClient(base *url.URL, hc *http.Client) *Client {
	return &Client{base: base, http: hc}
}

// ClientFromEnvironment builds a Client from LAYERSHARD_HOST
// (default "127.0.0.1:11535").
func ClientFromEnvironment() (*Client, error) {
	host := os.Getenv("LAYERSHARD_HOST")
	if host == "" {
		host = "127.0.0.1:11535"
	}
	base, err := url.Parse(host)
	if err != nil || base.Scheme == "" || base.Host == "" {
		base = &url.URL{Scheme: "http", Host: host}
	}
	return NewClient(base, http.DefaultClient), nil
}

type errorBody struct {
	Error string `json:"error"`
}

// do issues a unary JSON request and decodes the response body into
// out (a pointer), or nil to discard it.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := json.Unmarshal(respBody, &eb); err == nil && eb.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, eb.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// stream issues a request whose response body is a sequence of
// newline-delimited JSON objects, invoking fn once per line.
func (c *Client) stream(ctx context.Context, method, path string, body any, fn func(chunk []byte) error) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(resp.Body)
		var eb errorBody
		if err := json.Unmarshal(respBody, &eb); err == nil && eb.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, eb.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Forward calls a worker's forward RPC handler.
func (c *Client) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	var resp ForwardResponse
	if err := c.do(ctx, http.MethodPost, "/forward", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health calls a worker's health probe handler.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Infer calls a coordinator's client-facing inference endpoint.
func (c *Client) Infer(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	var resp InferenceResponse
	if err := c.do(ctx, http.MethodPost, "/v1/infer", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status calls a coordinator's worker-table status endpoint.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// client is a thin wrapper around lexis-node's HTTP admin API
// (cmd/lexis-node/admin.go). Unlike the teacher's pkg/client, which
// dials a gRPC WarrenAPIServer over mTLS, lexisctl talks to the plain
// JSON surface lexis-node exposes alongside its metrics/health mux —
// there is no generated client stub to wrap here, just an addr and an
// http.Client.
type client struct {
	addr string
	hc   *http.Client
}

func newClient(addr string) *client {
	return &client{addr: addr, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) url(path string) string {
	return fmt.Sprintf("http://%s%s", c.addr, path)
}

func (c *client) do(method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("lexisctl: failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.url(path), body)
	if err != nil {
		return fmt.Errorf("lexisctl: failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("lexisctl: request to %s failed: %w", c.addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("lexisctl: failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("lexisctl: %s", apiErr.Error)
		}
		return fmt.Errorf("lexisctl: %s returned %s", path, resp.Status)
	}
	if respBody == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("lexisctl: failed to decode response: %w", err)
	}
	return nil
}

func (c *client) get(path string, respBody any) error {
	return c.do(http.MethodGet, path, nil, respBody)
}

func (c *client) post(path string, reqBody, respBody any) error {
	return c.do(http.MethodPost, path, reqBody, respBody)
}

func (c *client) delete(path string, reqBody, respBody any) error {
	return c.do(http.MethodDelete, path, reqBody, respBody)
}

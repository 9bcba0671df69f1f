// Package cli implements the autoflow command line client. Commands
// talk to a running server over its REST API; nothing in here touches
// the engine directly.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Client is a thin wrapper over the server's REST API.
type Client struct {
	BaseURL string
	Token   string
	httpc   *http.Client
}

// NewClientFromEnv reads AUTOFLOW_API_URL and AUTOFLOW_TOKEN.
func NewClientFromEnv() *Client {
	base := os.Getenv("AUTOFLOW_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	return &Client{
		BaseURL: base,
		Token:   os.Getenv("AUTOFLOW_TOKEN"),
		httpc:   &http.Client{Timeout: 120 * time.Second},
	}
}

// do sends one JSON request and decodes the response into out. Error
// bodies become Go errors carrying the server's message.
func (c *Client) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// printJSON pretty-prints any API payload.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

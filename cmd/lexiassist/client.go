package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lensisku/lexiassist/internal/config"
)

// apiClient talks to a running `lexiassist serve` on loopback.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:   cfg.Server.APIToken,
		// A chat turn may include two completions with retries and a model load.
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}, nil
}

// apiError is a non-2xx reply, decoded from the server's error envelope when
// the body has one.
type apiError struct {
	Status      int
	Type        string
	Message     string
	RawResponse string
}

func (e *apiError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Type, e.Message)
}

// call sends in as JSON (when non-nil) and decodes a 2xx body into out (when
// non-nil).
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is `lexiassist serve` running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	e := &apiError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		e.Message = fmt.Sprintf("failed to read body: %v", err)
		return e
	}

	var envelope struct {
		Error struct {
			Message     string `json:"message"`
			Type        string `json:"type"`
			RawResponse string `json:"raw_response"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		e.Type = envelope.Error.Type
		e.Message = envelope.Error.Message
		e.RawResponse = envelope.Error.RawResponse
		return e
	}
	e.Message = string(bytes.TrimSpace(body))
	return e
}

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lensisku/lexiassist/internal/apperr"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second
	maxBodySize    = 8 << 20
)

// Client communicates with an OpenRouter-compatible chat completion API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
	policy     RetryPolicy
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithHTTPClient replaces the default client with its 60s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client with the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		referer: "https://github.com/lensisku/lexiassist",
		title:   "lexiassist",
		policy:  DefaultRetryPolicy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string, opts ...Option) *Client {
	return NewClient(apiKey, append([]Option{WithBaseURL(baseURL)}, opts...)...)
}

// Complete sends a chat completion request under the client's retry policy.
// On success the response has at least one choice. A transient failure that
// outlives the policy is returned as apperr.KindExternalServiceRetryable.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.apiKey == "" {
		return nil, apperr.New(apperr.KindExternalService, "chat completion API key is not configured", nil)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "marshaling chat request", err)
	}

	return retry(ctx, c.policy, c.logger, func(attempt uint) (*ChatResponse, error) {
		start := time.Now()
		resp, err := c.doComplete(ctx, body)
		c.logger.Debug("chat completion attempt",
			"model", req.Model,
			"attempt", attempt,
			"duration", time.Since(start),
			"ok", err == nil,
		)
		return resp, err
	})
}

// doComplete performs one attempt and classifies its outcome.
func (c *Client) doComplete(ctx context.Context, body []byte) (*ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "creating request", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.New(apperr.KindExternalServiceRetryable, "executing request", c.scrub(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.New(apperr.KindExternalServiceRetryable, "reading response body", err)
	}
	raw := apperr.Redact(string(data), c.apiKey)

	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && env.Error != nil {
		// No code at all is retryable; a non-numeric code defers to the HTTP status.
		kind := apperr.KindExternalServiceRetryable
		if code, ok := env.numericCode(); ok {
			kind = classifyStatus(code)
		} else if env.hasCode() {
			kind = classifyStatus(resp.StatusCode)
		}
		msg := fmt.Sprintf("upstream error (HTTP %d, code %s): %s", resp.StatusCode, env.codeText(), env.Error.Message)
		return nil, apperr.WithRaw(kind, msg, raw, nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classifyStatus(resp.StatusCode)
		if !json.Valid(data) {
			kind = apperr.KindExternalServiceRetryable
		}
		return nil, apperr.WithRaw(kind, fmt.Sprintf("unexpected status %d", resp.StatusCode), raw, nil)
	}

	var out ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, apperr.WithRaw(apperr.KindExternalServiceRetryable, "decoding chat response", raw, err)
	}
	if len(out.Choices) == 0 {
		return nil, apperr.WithRaw(apperr.KindExternalService, "no choices returned", raw, nil)
	}
	return &out, nil
}

// classifyStatus maps an HTTP-like status to an error kind. Client errors are
// fatal except timeouts and rate limits.
func classifyStatus(code int) apperr.Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return apperr.KindExternalServiceRetryable
	case code >= 400 && code < 500:
		return apperr.KindExternalService
	default:
		return apperr.KindExternalServiceRetryable
	}
}

// scrub drops the API key from transport errors, which may echo request data.
func (c *Client) scrub(err error) error {
	msg := apperr.Redact(err.Error(), c.apiKey)
	if msg == err.Error() {
		return err
	}
	return fmt.Errorf("%s", msg)
}

// ListModels returns the list of available models.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}

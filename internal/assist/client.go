// Package assist is the HTTP client for the AI assistance endpoints: reply
// autocompletion and conversational analysis. Timeouts are carried by the
// caller's context.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/logging"
)

// Endpoint paths.
const (
	PathAutocomplete = "/autocomplete_ai"
	PathAnalyze      = "/analyze_users"
)

// maxResponseBytes bounds how much of a response body is decoded.
const maxResponseBytes = 1 << 20

// Analysis is one per-user inference returned by the analysis endpoint.
type Analysis struct {
	User           string `json:"user"`
	Emotion        string `json:"emotion"`
	Inference      string `json:"inference"`
	SuggestedReply string `json:"suggested_reply"`
}

type autocompleteRequest struct {
	Text string `json:"text"`
}

type autocompleteResponse struct {
	Suggestions []string `json:"suggestions"`
}

type analyzeResponse struct {
	Analyses []Analysis `json:"analyses"`
}

// StatusError is returned when an endpoint answers with a non-2xx status.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("assist: %s returned status %d", e.Endpoint, e.Code)
}

// Client calls the assistance endpoints under a base URL.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for baseURL, e.g. "http://127.0.0.1:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).With(zap.String("component", "assist"))
	return c
}

// Autocomplete asks for reply suggestions for the given input text.
func (c *Client) Autocomplete(ctx context.Context, text string) ([]string, error) {
	body, err := json.Marshal(autocompleteRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("assist: failed to encode request: %w", err)
	}

	var resp autocompleteResponse
	if err := c.post(ctx, PathAutocomplete, body, &resp); err != nil {
		return nil, err
	}
	if resp.Suggestions == nil {
		return []string{}, nil
	}
	return resp.Suggestions, nil
}

// Analyze asks for per-user analysis of the current conversation.
func (c *Client) Analyze(ctx context.Context) ([]Analysis, error) {
	var resp analyzeResponse
	if err := c.post(ctx, PathAnalyze, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Analyses == nil {
		return []Analysis{}, nil
	}
	return resp.Analyses, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("assist: failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("assist: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		c.logger.Debug("non-2xx response", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return &StatusError{Endpoint: path, Code: resp.StatusCode}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("assist: %s: failed to decode response: %w", path, err)
	}
	return nil
}

// Package composer is the HTTP client for the external composer service
// that turns a prompt into a pipeline YAML document.
package composer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a composer response is read.
const maxResponseBytes = 8 << 20

// ErrResponseTooLarge is returned when a composer response exceeds
// maxResponseBytes.
var ErrResponseTooLarge = errors.New("composer response too large")

// Client asks the composer to generate a pipeline document.
type Client interface {
	// Generate posts the prompt and returns the raw response body. The
	// composer may also deliver the result later through callbackURL.
	Generate(ctx context.Context, prompt, callbackURL string) ([]byte, error)
}

// StatusError reports a non-2xx composer response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("composer returned %d: %s", e.Code, e.Body)
}

// HTTPClient talks to the composer over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a composer client with the given request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Prompt     string `json:"prompt"`
	WebhookURL string `json:"webhook_url"`
}

// Generate calls POST {base}/generate.
func (c *HTTPClient) Generate(ctx context.Context, prompt, callbackURL string) ([]byte, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, WebhookURL: callbackURL})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call composer: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read composer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(truncate(string(data), 512))}
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, maxResponseBytes)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

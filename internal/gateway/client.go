package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 2048

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.Code, e.Body)
}

// HTTPClient is the JSON/form client adapters share. Every call is bounded by
// the client timeout.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client rooted at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Request describes one gateway call.
type Request struct {
	Method string
	Path   string
	Header http.Header
	// JSON is marshalled as the body when set.
	JSON any
	// Form is sent url-encoded when set and JSON is nil.
	Form string
}

// Do sends req and decodes a 2xx JSON response into out (when non-nil).
func (c *HTTPClient) Do(ctx context.Context, req Request, out any) error {
	var body io.Reader
	contentType := ""
	switch {
	case req.JSON != nil:
		raw, err := json.Marshal(req.JSON)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case req.Form != "":
		body = strings.NewReader(req.Form)
		contentType = "application/x-www-form-urlencoded"
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package contextasm

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

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// HTTPQuerier talks to the knowledge service over HTTP: POST /query for
// lookups and GET /health for liveness.
type HTTPQuerier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPQuerier creates a client for the service at baseURL. timeout
// bounds each request; zero means 10s.
func NewHTTPQuerier(baseURL string, timeout time.Duration) *HTTPQuerier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPQuerier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Query implements Querier. Transport errors, timeouts and non-2xx
// statuses are all errors.
func (h *HTTPQuerier) Query(ctx context.Context, q Query) (Result, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return Result{}, fmt.Errorf("encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var res Result
	if err := h.do(req, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Health calls GET /health and returns nil on a 2xx response.
func (h *HTTPQuerier) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	return h.do(req, nil)
}

func (h *HTTPQuerier) do(req *http.Request, out any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

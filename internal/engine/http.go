package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPAdapter talks to a pipeline engine over its REST surface.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAdapter creates an adapter for the engine at baseURL.
func NewHTTPAdapter(baseURL string, client *http.Client) *HTTPAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{baseURL: baseURL, client: client}
}

// Trigger starts a pipeline execution and returns its reference.
func (a *HTTPAdapter) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode trigger request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/pipelines/%s/%s",
		a.baseURL, url.PathEscape(req.Application), url.PathEscape(req.Pipeline))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build trigger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("engine trigger failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read trigger response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("engine trigger returned %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode trigger response: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("engine trigger response missing execution ref")
	}
	return out.Ref, nil
}

// Status polls an execution. Safe to retry; a transport error is
// returned as-is for the caller to retry on the next tick.
func (a *HTTPAdapter) Status(ctx context.Context, ref string) (Phase, string, error) {
	endpoint := fmt.Sprintf("%s/executions/%s", a.baseURL, url.PathEscape(ref))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("engine status failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("failed to read status response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("engine status returned %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Status string `json:"status"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", "", fmt.Errorf("failed to decode status response: %w", err)
	}

	switch Phase(out.Status) {
	case PhaseRunning, PhaseActive, PhaseSucceeded, PhaseFailed:
		return Phase(out.Status), out.Detail, nil
	default:
		return "", "", fmt.Errorf("engine reported unknown status %q", out.Status)
	}
}

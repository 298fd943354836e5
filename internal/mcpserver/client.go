package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for reaching a tiltguard API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // Optional bearer token for a fronting gateway
	ActorID string // Trader the agent acts for when a tool call names none
}

// TiltguardClient is a pure HTTP client for the tiltguard API.
type TiltguardClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewTiltguardClient creates a new client for the tiltguard API.
func NewTiltguardClient(cfg Config) *TiltguardClient {
	return &TiltguardClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *TiltguardClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// EvaluateRequest is the body of POST /v1/assessments.
type EvaluateRequest struct {
	ActorID string         `json:"actorId"`
	Signals map[string]any `json:"signals,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Evaluate asks for a readiness verdict.
func (c *TiltguardClient) Evaluate(ctx context.Context, body EvaluateRequest) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/assessments", nil, body)
}

// GetAssessment returns one assessment's public view.
func (c *TiltguardClient) GetAssessment(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/assessments/"+url.PathEscape(id), nil, nil)
}

// RecordOutcome attaches a trade result to an assessment.
func (c *TiltguardClient) RecordOutcome(ctx context.Context, id string, executed bool, pnl *float64) (json.RawMessage, error) {
	body := map[string]any{"executed": executed}
	if pnl != nil {
		body["pnl"] = *pnl
	}
	path := "/v1/assessments/" + url.PathEscape(id) + "/outcome"
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// ListAssessments returns the newest assessments for an actor.
func (c *TiltguardClient) ListAssessments(ctx context.Context, actorID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/actors/" + url.PathEscape(actorID) + "/assessments"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/tiltguard/internal/circuitbreaker"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/retry"
	"github.com/mbd888/tiltguard/internal/traces"
)

const (
	breakerKey         = "llm"
	maxResponseBytes   = 1 << 20
	DefaultTimeout     = 8 * time.Second
	defaultTemperature = 0.1
)

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Client talks to a chat completion endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	retry   retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for baseURL (for example
// "https://api.openai.com/v1"). An empty baseURL yields a client whose
// Analyze always returns ErrDisabled.
func NewClient(baseURL, apiKey, model string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: DefaultTimeout},
		retry:   retry.DefaultPolicy(),
		breaker: circuitbreaker.New(3, 30*time.Second),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the client has an endpoint.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Analyze asks the model for a stress assessment. Transient failures are
// retried; repeated failures open the breaker so later calls fail fast.
func (c *Client) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	ctx, span := traces.StartSpan(ctx, "llm.Analyze", traces.ActorID(req.ActorID))
	defer span.End()

	var out *Analysis
	err := c.breaker.Execute(breakerKey, func() error {
		return retry.Do(ctx, c.retry, func(ctx context.Context) error {
			a, err := c.call(ctx, req)
			if err != nil {
				return err
			}
			out = a
			return nil
		})
	})
	switch {
	case err == nil:
		metrics.LLMRequestsTotal.WithLabelValues("ok").Inc()
		return out, nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.LLMRequestsTotal.WithLabelValues("breaker_open").Inc()
	default:
		metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("llm analysis failed", "error", err)
	}
	traces.RecordError(span, err)
	return nil, err
}

func (c *Client) call(ctx context.Context, req Request) (*Analysis, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    defaultTemperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("llm status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("llm status %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	if len(cr.Choices) == 0 {
		return nil, retry.Permanent(fmt.Errorf("%w: no choices", ErrInvalidResponse))
	}

	var a Analysis
	content := cr.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(extractJSON(content)), &a); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	if err := a.Validate(); err != nil {
		return nil, retry.Permanent(err)
	}
	return &a, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

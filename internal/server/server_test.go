package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/config"
	"github.com/mbd888/tiltguard/internal/llm"
	"github.com/mbd888/tiltguard/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "test",
		LogLevel:          "error",
		LogFormat:         "text",
		PolicyProfile:     "moderate",
		LLMTimeout:        time.Second,
		PatternCacheTTL:   time.Minute,
		HistoryFetchLimit: 50,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithDrainDelay(0)}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.closeStores)
	return s
}

func do(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

type stubAnalyzer struct {
	calls int
}

func (a *stubAnalyzer) Analyze(context.Context, llm.Request) (*llm.Analysis, error) {
	a.calls++
	return nil, llm.ErrDisabled
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "policy", resp.Checks[0].Name)
	assert.Equal(t, "moderate", resp.Checks[0].Detail)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	// Run has not been called
	w := do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())
	do(s, http.MethodGet, "/health/live", nil)

	w := do(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tiltguard_http_requests_total")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, testConfig())

	expected := []string{
		"GET:/",
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/v1/policy",
		"POST:/v1/assessments",
		"POST:/v1/assessments/pending",
		"GET:/v1/assessments/:id",
		"POST:/v1/assessments/:id/rescore",
		"POST:/v1/assessments/:id/outcome",
		"GET:/v1/actors/:id/assessments",
		"GET:/v1/actors/:id/baseline",
		"POST:/v1/actors/:id/baseline/calibrate",
		"POST:/v1/actors/:id/baseline/optimize",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

// ---------------------------------------------------------------------------
// Request flow
// ---------------------------------------------------------------------------

func TestEvaluateThroughMiddleware(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodPost, "/v1/assessments", map[string]any{
		"actorId": "trader-1",
		"signals": map[string]any{"selfReportedStress": 3},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var resp struct {
		Assessment struct {
			AssessmentID string `json:"assessmentId"`
			Status       string `json:"status"`
			Decision     string `json:"decision"`
		} `json:"assessment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	// One modality is not enough evidence to score.
	assert.Equal(t, "pending", resp.Assessment.Status)
	assert.Equal(t, "block", resp.Assessment.Decision)

	got, err := s.Assessments().Get(context.Background(), resp.Assessment.AssessmentID)
	require.NoError(t, err)
	assert.Equal(t, "trader-1", got.ActorID)
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-7f3a")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "lb-7f3a", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "not a valid id")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_"))
}

func TestAnalyzerOptionIsUsed(t *testing.T) {
	a := &stubAnalyzer{}
	s := newTestServer(t, testConfig(), WithAnalyzer(a))

	w := do(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"llm":true`)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := do(s, http.MethodGet, "/v1/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

// ---------------------------------------------------------------------------
// Storage and policy backends
// ---------------------------------------------------------------------------

func TestSQLiteBackend(t *testing.T) {
	cfg := testConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "tiltguard.db")
	s := newTestServer(t, cfg)

	w := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"sqlite"`)

	w = do(s, http.MethodPost, "/v1/assessments/pending", map[string]any{"actorId": "trader-9"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/actors/trader-9/assessments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hasMore":false`)
}

func TestPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
risk_profiles:
  conservative:
    block_threshold: 65
    cooldown_base_minutes: 10
    confidence_floor: 0.5
  moderate:
    block_threshold: 75
`), 0o600))

	cfg := testConfig()
	cfg.PolicyFile = path
	cfg.PolicyProfile = "conservative"
	s := newTestServer(t, cfg)

	w := do(s, http.MethodGet, "/v1/policy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Policy struct {
			Name           string  `json:"name"`
			BlockThreshold float64 `json:"blockThreshold"`
		} `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "conservative", resp.Policy.Name)
	assert.Equal(t, 65.0, resp.Policy.BlockThreshold)

	cfg.PolicyProfile = "aggressive"
	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t, testConfig())
	assert.NoError(t, s.Shutdown())
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sybilscan/internal/apikeys"
	"github.com/mbd888/sybilscan/internal/chain"
	"github.com/mbd888/sybilscan/internal/config"
	"github.com/mbd888/sybilscan/internal/explorer"
	"github.com/mbd888/sybilscan/internal/features"
	"github.com/mbd888/sybilscan/internal/featuretable"
	"github.com/mbd888/sybilscan/internal/logging"
	"github.com/mbd888/sybilscan/internal/model"
	"github.com/mbd888/sybilscan/internal/webhooks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	cachedAddr = "0xaaaa000000000000000000000000000000000001"
	absentA    = "0xbbbb000000000000000000000000000000000002"
	absentB    = "0xcccc000000000000000000000000000000000003"
)

// emptySource reports every category as empty.
type emptySource struct{ calls atomic.Int32 }

func (s *emptySource) Fetch(context.Context, string, chain.ID, time.Time) explorer.RawActivity {
	s.calls.Add(1)
	return explorer.RawActivity{
		Native:   explorer.Collection[explorer.Tx]{Outcome: explorer.OutcomeNoData},
		Internal: explorer.Collection[explorer.Tx]{Outcome: explorer.OutcomeNoData},
		Token:    explorer.Collection[explorer.TokenTransfer]{Outcome: explorer.OutcomeNoData},
		NFT:      explorer.Collection[explorer.NFTTransfer]{Outcome: explorer.OutcomeNoData},
	}
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "test",
		LogLevel:          "error",
		LogFormat:         "json",
		ModelDir:          filepath.Join("..", "model", "testdata"),
		NativeChain:       "eth",
		ExplorerBaseURL:   "http://127.0.0.1:0",
		AnomalyBounds:     config.BoundsFixed,
		AnomalyMin:        model.DefaultAnomalyMin,
		AnomalyMax:        model.DefaultAnomalyMax,
		JobBatchSize:      2,
		MaxBatchAddresses: 10,
		InferenceWorkers:  2,
		RateLimitRPM:      600,
	}
}

// newTestServer creates a server with a small reference table and a
// network-free data source
func newTestServer(t *testing.T) (*Server, *emptySource) {
	t.Helper()
	table := featuretable.NewMemory(map[string]features.Vector{
		cachedAddr: features.FromMap(map[string]float64{"buy_count": 1000, "wallet_age_days": 10, "tx_count": 1200}),
	})
	src := &emptySource{}
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithFeatureTable(table),
		WithDataSource(src),
		WithKeyStore(apikeys.NewMemoryStore()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s, src
}

func request(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := request(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	checks := resp["checks"].([]any)
	require.Len(t, checks, 2)
	assert.Equal(t, "model", checks[0].(map[string]any)["name"])
	assert.Equal(t, "1 rows", checks[1].(map[string]any)["detail"])
}

func TestHealthDegradedOnEmptyTable(t *testing.T) {
	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithFeatureTable(featuretable.NewMemory(nil)),
		WithDataSource(&emptySource{}),
		WithKeyStore(apikeys.NewMemoryStore()),
	)
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	w := request(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, request(s, http.MethodGet, "/health/live", "").Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Server hasn't called Run() so ready is false
	assert.Equal(t, http.StatusServiceUnavailable, request(s, http.MethodGet, "/health/ready", "").Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, request(s, http.MethodGet, "/health/ready", "").Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/score",
		"GET:/v1/jobs/:id",
		"POST:/v1/verify",
		"POST:/v1/keys",
		"GET:/v1/keys/validate",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, request(s, http.MethodGet, "/v1/nonexistent", "").Code)
}

func TestMiddlewareHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	w := request(s, http.MethodGet, "/health/live", "", "X-Request-ID", "req-123", "Origin", "https://app.example")
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = request(s, http.MethodGet, "/health/live", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

// ---------------------------------------------------------------------------
// Batch scoring
// ---------------------------------------------------------------------------

func TestBatchScoringFlow(t *testing.T) {
	s, src := newTestServer(t)

	body := `{"addresses":["0xAAAA000000000000000000000000000000000001","` + absentA + `","` + absentB + `"]}`
	w := request(s, http.MethodPost, "/v1/score", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	accepted := decode(t, w)
	assert.Equal(t, "pending", accepted["status"])
	assert.Equal(t, float64(3), accepted["total"])
	id := accepted["job_id"].(string)
	require.NotEmpty(t, id)

	s.Jobs().Wait()

	w = request(s, http.MethodGet, "/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	job := decode(t, w)
	assert.Equal(t, "complete", job["status"])
	assert.Equal(t, float64(3), job["total"])
	assert.Equal(t, float64(3), job["completed"])
	assert.Equal(t, "3/3", job["progress"])
	assert.Equal(t, "eth", job["chain"])
	assert.NotNil(t, job["completed_at"])

	summary := job["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["not_found"])
	scored := summary["high"].(float64) + summary["medium"].(float64) + summary["low"].(float64)
	assert.Equal(t, float64(1), scored)

	results := job["results"].([]any)
	require.Len(t, results, 3)
	assert.Equal(t, cachedAddr, results[0].(map[string]any)["address"])
	assert.Equal(t, "cached", results[0].(map[string]any)["data_source"])
	assert.Equal(t, "not_found", results[1].(map[string]any)["data_source"])

	assert.Zero(t, src.calls.Load())
}

func TestScoreAfterJobsClosed(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Jobs().Close(context.Background()))

	w := request(s, http.MethodPost, "/v1/score", `{"addresses":["`+absentA+`"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "shutting_down", decode(t, w)["error"])
}

func TestScoreRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", `addresses`, "invalid_request"},
		{"empty", `{"addresses":[]}`, "empty_batch"},
		{"missing", `{}`, "empty_batch"},
		{"invalid address", `{"addresses":["` + cachedAddr + `","0x12"]}`, "invalid_address"},
		{"too large", `{"addresses":[` + strings.Repeat(`"`+cachedAddr+`",`, 10) + `"` + cachedAddr + `"]}`, "batch_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(s, http.MethodPost, "/v1/score", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decode(t, w)["error"])
		})
	}
}

func TestGetUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	w := request(s, http.MethodGet, "/v1/jobs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Live verification
// ---------------------------------------------------------------------------

func TestVerifyZeroHistory(t *testing.T) {
	s, src := newTestServer(t)

	w := request(s, http.MethodPost, "/v1/verify", `{"address":"`+absentA+`","chain":"base"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode(t, w)
	assert.Equal(t, absentA, res["address"])
	assert.Equal(t, "base", res["chain"])
	assert.Equal(t, "live", res["data_source"])
	assert.Contains(t, []any{"low", "unknown"}, res["risk"])
	assert.Equal(t, float64(0), res["tx_count"])
	assert.Equal(t, float64(0), res["nft_collections"])
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestVerifyCachedOnNativeChain(t *testing.T) {
	s, src := newTestServer(t)

	w := request(s, http.MethodPost, "/v1/verify", `{"address":"`+cachedAddr+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cached", decode(t, w)["data_source"])
	assert.Zero(t, src.calls.Load())
}

func TestVerifyRejectsMalformedAddress(t *testing.T) {
	s, src := newTestServer(t)

	w := request(s, http.MethodPost, "/v1/verify", `{"address":"0xnothex"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_address", decode(t, w)["error"])
	assert.Zero(t, src.calls.Load())
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestKeyUsageMetering(t *testing.T) {
	s, _ := newTestServer(t)

	w := request(s, http.MethodPost, "/v1/keys", `{"name":"airdrop"}`)
	require.Equal(t, http.StatusOK, w.Code)
	key := decode(t, w)["key"].(string)

	w = request(s, http.MethodPost, "/v1/verify", `{"address":"`+cachedAddr+`"}`, "Authorization", "Bearer "+key)
	require.Equal(t, http.StatusOK, w.Code)

	// Keyless requests are allowed during the open beta.
	w = request(s, http.MethodPost, "/v1/verify", `{"address":"`+cachedAddr+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = request(s, http.MethodGet, "/v1/keys/validate", "", "Authorization", "Bearer "+key)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, true, resp["valid"])
	assert.Equal(t, "airdrop", resp["name"])
	assert.Equal(t, float64(1), resp["credits_used"])

	assert.Equal(t, http.StatusUnauthorized, request(s, http.MethodGet, "/v1/keys/validate", "").Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/sybil", maskDSN("postgres://app:secret@db:5432/sybil"))
	assert.Equal(t, "postgres://app@db:5432/sybil?sslmode=disable", maskDSN("postgres://app@db:5432/sybil?sslmode=disable"))
	assert.NotContains(t, maskDSN("postgres://app:p%2Fss@db/sybil"), "p/ss")
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestJobResultsPaging(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"addresses":["` + cachedAddr + `","` + absentA + `","` + absentB + `"]}`
	w := request(s, http.MethodPost, "/v1/score", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	id := decode(t, w)["job_id"].(string)
	s.Jobs().Wait()

	w = request(s, http.MethodGet, "/v1/jobs/"+id+"?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.Len(t, page["results"], 2)
	assert.Equal(t, float64(2), page["summary"].(map[string]any)["not_found"])
	cursor := page["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	w = request(s, http.MethodGet, "/v1/jobs/"+id+"?limit=2&cursor="+cursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	page = decode(t, w)
	results := page["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, absentB, results[0].(map[string]any)["address"])
	assert.NotContains(t, page, "next_cursor")

	assert.Equal(t, http.StatusBadRequest, request(s, http.MethodGet, "/v1/jobs/"+id+"?cursor=garbage", "").Code)
	assert.Equal(t, http.StatusBadRequest, request(s, http.MethodGet, "/v1/jobs/"+id+"?limit=-1", "").Code)
}

func TestJobCallback(t *testing.T) {
	received := make(chan map[string]any, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]any
		_ = json.NewDecoder(r.Body).Decode(&event)
		received <- event
	}))
	defer hook.Close()

	s, err := New(testConfig(),
		WithLogger(logging.Discard()),
		WithFeatureTable(featuretable.NewMemory(nil)),
		WithDataSource(&emptySource{}),
		WithKeyStore(apikeys.NewMemoryStore()),
		WithWebhooks(webhooks.NewDispatcher("secret",
			webhooks.WithURLValidator(func(string) error { return nil }),
			webhooks.WithLogger(logging.Discard()),
		)),
	)
	require.NoError(t, err)
	defer s.rateLimiter.Stop()

	body := `{"addresses":["` + absentA + `"],"callback_url":"` + hook.URL + `"}`
	w := request(s, http.MethodPost, "/v1/score", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode(t, w)["job_id"].(string)
	s.Jobs().Wait()

	select {
	case event := <-received:
		assert.Equal(t, "job.completed", event["type"])
		assert.Equal(t, id, event["data"].(map[string]any)["job_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("callback not delivered")
	}
}

func TestScoreRejectsPrivateCallback(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"addresses":["` + absentA + `"],"callback_url":"http://127.0.0.1:9/hook"}`
	w := request(s, http.MethodPost, "/v1/score", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_callback_url", decode(t, w)["error"])
}

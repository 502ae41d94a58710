package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kwelivote/biodid-go/internal/config"
	"github.com/kwelivote/biodid-go/internal/storage"
)

// Pinned derivation vectors, shared with the pipeline tests.
const (
	zeroTemplateB64 = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	zeroDID         = "did:key:z6MkrRCKdz6LJq9cDYb2xJfskDyUWNUGGgwhQ3FtnSVvZuzi"
	zeroPrivHex     = "66687aadf862bd776c8fc18b8e9f8e20089714856ee233b3902a591d0d5f2925"
	zeroPubHex      = "b1c4df1c17cce90a03cd4c057fc74d4e2ee24ddfe2a8c9c5fd8d0a45a1f082f3"

	// 35 bytes: long enough that the user salt sits past the seed window
	// under concat, so every subject presenting it derives the same DID.
	asciiTemplateB64   = "SVNPLVRFTVBMQVRFLVNUVUItMzItQllURVMtRVhBQ1RMWSE="
	flippedTemplateB64 = "SFNPLVRFTVBMQVRFLVNUVUItMzItQllURVMtRVhBQ1RMWSE="

	// 28 bytes: short enough that the user salt reaches the seed window,
	// so different subjects derive different DIDs from the same template.
	shortTemplateB64 = "SVNPLVNUVUItVEVNUExBVEUtMjgtQllURVMhIQ=="
)

func testConfig() config.Config {
	return config.Config{
		Stabilizer:         "concat",
		JWTAudience:        "biodid",
		JWTIssuer:          "biodid-identity",
		SessionTTL:         15 * time.Minute,
		NonceTTL:           2 * time.Minute,
		KeystorePassphrase: "test-passphrase",
		SubjectPepper:      "test-pepper",
		RateRPS:            1000,
		RateBurst:          1000,
	}
}

func newTestServer(t *testing.T) (*httptest.Server, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := New(testConfig(), store, logger)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return httptest.NewServer(h.Router()), store
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusOK)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "ok" {
		t.Fatalf("body = %q want %q", string(b), "ok")
	}
}

func TestReadyz(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	// The in-memory store has no ping, so readiness reduces to liveness.
	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestDerive_MethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/derive")
	if err != nil {
		t.Fatalf("GET /v1/derive error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}

	var out struct {
		Error struct {
			Code          string `json:"code"`
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if out.Error.Code != codeValidation {
		t.Fatalf("code = %q want %q", out.Error.Code, codeValidation)
	}
	if out.Error.CorrelationID == "" {
		t.Fatal("correlation_id is empty")
	}
}

func TestErrorEnvelopeAndCorrelationHeader(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	// invalid JSON
	resp, err := http.Post(ts.URL+"/v1/derive", contentTypeJSON, strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if got := resp.Header.Get(headerContentType); got != contentTypeJSON {
		t.Fatalf("Content-Type = %q want %q", got, contentTypeJSON)
	}
	corr := resp.Header.Get(headerCorrelationID)
	if corr == "" {
		t.Fatal("X-Correlation-Id header is empty")
	}

	var out struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if out.Error.Code != codeValidation {
		t.Fatalf("code = %q want %q", out.Error.Code, codeValidation)
	}
	if out.Error.Message == "" {
		t.Fatal("message is empty")
	}
	if out.Error.CorrelationID != corr {
		t.Fatalf("correlation_id = %q, header = %q; want them equal", out.Error.CorrelationID, corr)
	}
}

func TestCorrelationIDEcho(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/derive", strings.NewReader("{"))
	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerCorrelationID, "corr-12345")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get(headerCorrelationID); got != "corr-12345" {
		t.Fatalf("X-Correlation-Id = %q want %q", got, "corr-12345")
	}

	var out struct {
		Error struct {
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if out.Error.CorrelationID != "corr-12345" {
		t.Fatalf("correlation_id = %q want %q", out.Error.CorrelationID, "corr-12345")
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/enroll", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q want %q", got, "*")
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Fatalf("Access-Control-Allow-Methods = %q, missing POST", got)
	}
}

func TestRateLimit_MutatingRoutesOnly(t *testing.T) {
	store := storage.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	cfg.RateRPS = 1
	cfg.RateBurst = 1
	h, err := New(cfg, store, logger)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	// First request drains the single-token bucket; whether it passes
	// validation does not matter to the limiter.
	resp, err := http.Post(ts.URL+"/v1/derive", contentTypeJSON, strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/v1/derive", contentTypeJSON, strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if out.Error.Code != codeRateLimited {
		t.Fatalf("code = %q want %q", out.Error.Code, codeRateLimited)
	}

	// Reads stay unthrottled so lookups keep working during abuse.
	getResp, err := http.Get(ts.URL + "/v1/identities/did:key:zUnknown")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode == http.StatusTooManyRequests {
		t.Fatal("read route was rate limited")
	}
}

func TestNew_RejectsUnknownStabilizer(t *testing.T) {
	cfg := testConfig()
	cfg.Stabilizer = "bcrypt"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(cfg, storage.NewMemory(), logger); err == nil {
		t.Fatal("New accepted an unknown stabilizer")
	}
}

func TestMetricsRoute(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	// Exercise one instrumented route so the request counter has a sample.
	resp, err := http.Get(ts.URL + "/v1/session/verify")
	if err != nil {
		t.Fatalf("GET /v1/session/verify error: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusOK)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, metric := range []string{
		"biodid_http_requests_total",
		"biodid_sessions_issued_total",
		"biodid_nonce_issuance_total",
	} {
		if !strings.Contains(string(b), metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

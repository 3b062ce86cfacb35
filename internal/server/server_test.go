package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/r9s-ai/keyrelay/internal/config"
	"github.com/r9s-ai/keyrelay/internal/metrics"
	"github.com/r9s-ai/keyrelay/internal/requestid"
)

const (
	tmdbKey   = "tmdb-server-test-key"
	geminiKey = "gemini-server-test-key"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	t.Setenv("TMDB_API_KEY", tmdbKey)
	t.Setenv("GEMINI_API_KEY", geminiKey)
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("KEYRELAY_TRAFFIC_DUMP_ENABLED", "")
	t.Setenv("KEYRELAY_METRICS_ENABLED", "")
	t.Setenv("KEYRELAY_CORS_ALLOW_ORIGINS", "")
	p := filepath.Join(t.TempDir(), "keyrelay.yaml")
	if err := os.WriteFile(p, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(p)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func tmdbStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != tmdbKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status_message":"Invalid API key"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":550,"title":"Fight Club"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T, cfg *config.Config, mc *metrics.Collector) (*gin.Engine, *bytes.Buffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var logs bytes.Buffer
	return NewRouter(cfg, mc, log.New(&logs, "", 0), false), &logs
}

func do(r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestServer_TMDBEndToEnd(t *testing.T) {
	stub := tmdbStub(t)
	cfg := loadConfig(t, "tmdb:\n  base_url: "+stub.URL+"/3\n")
	mc := metrics.New()
	r, logs := newTestRouter(t, cfg, mc)

	w := do(r, http.MethodPost, "/api/tmdb", `{"endpoint":"movie/550"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"id":550,"title":"Fight Club"}` {
		t.Fatalf("body=%s", w.Body.String())
	}
	if w.Header().Get(requestid.HeaderKey) == "" {
		t.Fatalf("missing %s header", requestid.HeaderKey)
	}
	if got := testutil.ToFloat64(mc.RelayRequestsTotal.WithLabelValues("tmdb", "ok")); got != 1 {
		t.Fatalf("relay counter=%v", got)
	}

	line := logs.String()
	if !strings.Contains(line, `POST "/api/tmdb"`) || !strings.Contains(line, "provider=tmdb outcome=ok upstream_status=200") {
		t.Fatalf("access log=%q", line)
	}
	if strings.Contains(line, tmdbKey) {
		t.Fatalf("secret in access log: %q", line)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	cfg := loadConfig(t, "")
	r, _ := newTestRouter(t, cfg, nil)

	for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		w := do(r, m, "/api/gemini", "", nil)
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s code=%d", m, w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != `{"error":"Method not allowed"}` {
			t.Fatalf("%s body=%s", m, w.Body.String())
		}
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	cfg := loadConfig(t, "")
	r, _ := newTestRouter(t, cfg, nil)

	w := do(r, http.MethodOptions, "/api/gemini", "", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "POST",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("code=%d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q", got)
	}

	w = do(r, http.MethodOptions, "/api/tmdb", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("bare OPTIONS code=%d", w.Code)
	}

	w = do(r, http.MethodPost, "/api/gemini", `{}`, map[string]string{"Origin": "https://app.example"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("simple request allow-origin=%q", got)
	}
}

func TestServer_CORSExplicitOrigins(t *testing.T) {
	cfg := loadConfig(t, "cors:\n  allow_origins: [\"https://app.example\"]\n")
	r, _ := newTestRouter(t, cfg, nil)

	w := do(r, http.MethodOptions, "/api/gemini", "", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "POST",
	})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allow-origin=%q", got)
	}

	w = do(r, http.MethodPost, "/api/gemini", `{}`, map[string]string{"Origin": "https://evil.example"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign origin code=%d", w.Code)
	}
}

func TestServer_HealthzAndVersion(t *testing.T) {
	cfg := loadConfig(t, "")
	r, _ := newTestRouter(t, cfg, nil)

	w := do(r, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
	var out struct {
		OK        bool            `json:"ok"`
		Providers map[string]bool `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.OK || !out.Providers["tmdb"] || !out.Providers["gemini"] || out.Providers["openrouter"] {
		t.Fatalf("healthz=%s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), tmdbKey) || strings.Contains(w.Body.String(), geminiKey) {
		t.Fatalf("secret leaked: %s", w.Body.String())
	}

	w = do(r, http.MethodGet, "/version", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"go"`) {
		t.Fatalf("version code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestServer_RequestIDEcho(t *testing.T) {
	cfg := loadConfig(t, "")
	r, _ := newTestRouter(t, cfg, nil)

	w := do(r, http.MethodGet, "/healthz", "", map[string]string{requestid.HeaderKey: "client-abc"})
	if got := w.Header().Get(requestid.HeaderKey); got != "client-abc" {
		t.Fatalf("request id=%q", got)
	}
	w = do(r, http.MethodGet, "/healthz", "", map[string]string{requestid.HeaderKey: "../x"})
	if got := w.Header().Get(requestid.HeaderKey); got == "../x" || len(got) != 28 {
		t.Fatalf("unsafe request id echoed: %q", got)
	}
}

func TestServer_MissingKeyAnswers500(t *testing.T) {
	cfg := loadConfig(t, "")
	r, _ := newTestRouter(t, cfg, nil)

	w := do(r, http.MethodPost, "/api/openrouter", `{"prompt":"hi"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "OpenRouter API key is not configured on the server.") {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	cfg := loadConfig(t, "")
	mc := metrics.New()
	r, _ := newTestRouter(t, cfg, mc)

	_ = do(r, http.MethodPost, "/api/gemini", `[]`, nil)
	w := do(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `keyrelay_relay_requests_total{outcome="invalid_input",provider="gemini"} 1`) {
		t.Fatalf("metrics=%s", w.Body.String())
	}

	cfg = loadConfig(t, "metrics:\n  enabled: false\n")
	r, _ = newTestRouter(t, cfg, nil)
	if w := do(r, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("disabled metrics code=%d", w.Code)
	}
}

func TestServer_TrafficDumpMasksSecrets(t *testing.T) {
	stub := tmdbStub(t)
	dir := t.TempDir()
	cfg := loadConfig(t, "tmdb:\n  base_url: "+stub.URL+"/3\ntraffic_dump:\n  enabled: true\n  dir: "+dir+"\n")
	r, _ := newTestRouter(t, cfg, nil)

	w := do(r, http.MethodPost, "/api/tmdb", `{"endpoint":"movie/550","params":{"language":"en-US"}}`,
		map[string]string{requestid.HeaderKey: "dump-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	b, err := os.ReadFile(filepath.Join(dir, "dump-1.log"))
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	dump := string(b)
	for _, want := range []string{
		"=== ORIGIN REQUEST ===",
		`"endpoint":"movie/550"`,
		"=== UPSTREAM REQUEST ===",
		"=== UPSTREAM RESPONSE ===",
		"=== PROXY RESPONSE ===",
		"Fight Club",
	} {
		if !strings.Contains(dump, want) {
			t.Fatalf("dump missing %q:\n%s", want, dump)
		}
	}
	if strings.Contains(dump, tmdbKey) {
		t.Fatalf("secret in dump:\n%s", dump)
	}
}

func TestServer_TrafficDumpCutNeverSplitsSecret(t *testing.T) {
	// the key starts at offset 35 of the upstream body and crosses max_bytes
	upstreamBody := `{"pad":"` + strings.Repeat("x", 20) + `","k":"` + tmdbKey + `"}`
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamBody))
	}))
	t.Cleanup(stub.Close)
	dir := t.TempDir()
	cfg := loadConfig(t, "tmdb:\n  base_url: "+stub.URL+"/3\ntraffic_dump:\n  enabled: true\n  dir: "+dir+"\n  max_bytes: 40\n")
	r, _ := newTestRouter(t, cfg, nil)

	w := do(r, http.MethodPost, "/api/tmdb", `{"endpoint":"movie/550"}`,
		map[string]string{requestid.HeaderKey: "dump-cut"})
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}

	b, err := os.ReadFile(filepath.Join(dir, "dump-cut.log"))
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	dump := string(b)
	if !strings.Contains(dump, "[truncated]") {
		t.Fatalf("expected truncated body:\n%s", dump)
	}
	for _, leak := range []string{tmdbKey, tmdbKey[:5]} {
		if strings.Contains(dump, leak) {
			t.Fatalf("dump leaked %q:\n%s", leak, dump)
		}
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	cfg := loadConfig(t, "logging:\n  access_log: false\n")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not stop")
	}
}

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"huddle.is/huddle/internal/analytics"
	"huddle.is/huddle/internal/config"
	"huddle.is/huddle/internal/gateway"
	"huddle.is/huddle/internal/health"
	"huddle.is/huddle/internal/logging"
	"huddle.is/huddle/internal/pipeline"
	"huddle.is/huddle/internal/ratelimit"
	"huddle.is/huddle/internal/token"
	"huddle.is/huddle/internal/wire"
)

const (
	testSecret  = "huddle-test-secret"
	testProduct = "huddle-test"
)

// harness is a full front-end over the in-memory engine.
type harness struct {
	*Server
	web     *httptest.Server
	manager *gateway.Manager
	cfg     *config.Config
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func newHarness(t *testing.T, mutate func(*ServerOptions)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.AuthSecret = testSecret
	cfg.ProductID = testProduct

	mgr := gateway.NewManager(pipeline.NewMemoryFactory(), gateway.ManagerOptions{
		Hub:    analytics.NewHub(),
		Logger: quietLogger(),
	})
	opts := ServerOptions{
		Config:   cfg,
		Manager:  mgr,
		Verifier: token.NewVerifier(testSecret, testProduct),
		Logger:   quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	web := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		web.Close()
		opts.Manager.Shutdown(context.Background())
		if opts.Manager != mgr {
			mgr.Shutdown(context.Background())
		}
	})
	return &harness{Server: srv, web: web, manager: opts.Manager, cfg: cfg}
}

func mintToken(t *testing.T, claims *token.Claims) string {
	t.Helper()
	if claims.Workspace.ProductID == "" {
		claims.Workspace.ProductID = testProduct
	}
	signed, err := token.Sign(testSecret, claims, time.Minute)
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	return signed
}

func userToken(t *testing.T, workspace, email string) string {
	t.Helper()
	return mintToken(t, &token.Claims{
		Email:     email,
		Workspace: token.WorkspaceRef{Name: workspace},
	})
}

func adminToken(t *testing.T, email string) string {
	t.Helper()
	return mintToken(t, &token.Claims{
		Email:     email,
		Admin:     true,
		Workspace: token.WorkspaceRef{Name: "ops"},
	})
}

// dial opens a client WebSocket against the harness. Bad tokens still
// dial successfully; the server answers on the socket.
func (h *harness) dial(t *testing.T, tok, query string, header http.Header) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.web.URL, "http") + "/" + tok
	if query != "" {
		u += "?" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, binaryMode bool, v any) {
	t.Helper()
	payload, err := wire.Encode(v, binaryMode)
	if err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
	mt := websocket.TextMessage
	if binaryMode {
		mt = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(mt, payload); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, binaryMode bool) wire.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var resp wire.Response
	if err := wire.Decode(data, binaryMode, &resp); err != nil {
		t.Fatalf("decoding frame %q: %v", data, err)
	}
	return resp
}

func roundTrip(t *testing.T, conn *websocket.Conn, binaryMode bool, req wire.Request) wire.Response {
	t.Helper()
	sendFrame(t, conn, binaryMode, req)
	return readFrame(t, conn, binaryMode)
}

// mustPing round-trips a ping, which also proves the session finished
// attaching; the dial returns before the server registers the session.
func mustPing(t *testing.T, conn *websocket.Conn, binaryMode bool, id int64) {
	t.Helper()
	resp := roundTrip(t, conn, binaryMode, wire.Request{ID: wire.NumberID(id), Method: "ping"})
	if resp.Error != nil {
		t.Fatalf("ping failed: %v", resp.Error)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewServer_RequiredOptions(t *testing.T) {
	if _, err := NewServer(ServerOptions{}); err == nil {
		t.Error("NewServer accepted empty options")
	}

	mgr := gateway.NewManager(pipeline.NewMemoryFactory(), gateway.ManagerOptions{Logger: quietLogger()})
	defer mgr.Shutdown(context.Background())
	if _, err := NewServer(ServerOptions{Config: config.Default(), Manager: mgr}); err == nil {
		t.Error("NewServer accepted options without a verifier")
	}
}

func TestServer_RateLimitsControlPlane(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) {
		o.Limiter = ratelimit.NewLimiter(1, 2)
	})

	url := h.web.URL + "/api/v1/version"
	for i := 0; i < 2; i++ {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET #%d: %v", i+1, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET #%d = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET #3: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("GET #3 = %d, want 429", resp.StatusCode)
	}
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decoding 429 body: %v", err)
	}
	if e.Error != "Too many requests" {
		t.Errorf("429 message = %q", e.Error)
	}
}

func TestServer_RateLimitMessageLocalized(t *testing.T) {
	h := newHarness(t, func(o *ServerOptions) {
		o.Limiter = ratelimit.NewLimiter(1, 1)
	})

	url := h.web.URL + "/api/v1/version"
	first, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET #1: %v", err)
	}
	io.Copy(io.Discard, first.Body)
	first.Body.Close()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept-Language", "de")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET #2: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("GET #2 = %d, want 429", resp.StatusCode)
	}
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if e.Error != "Zu viele Anfragen" {
		t.Errorf("localized message = %q", e.Error)
	}
}

func TestServer_HealthEndpoints(t *testing.T) {
	checker := health.NewChecker()
	checker.Register("registry", health.RegistryCheck(func() error { return nil }))
	h := newHarness(t, func(o *ServerOptions) { o.Health = checker })

	for _, path := range []string{"/healthz", "/readyz", "/livez"} {
		resp, err := http.Get(h.web.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestServer_HealthEndpointsWithoutChecker(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.web.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz without checker = %d, want 200", resp.StatusCode)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.web.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("exposition missing standard collectors")
	}
}

func TestServer_RouteFallbacks(t *testing.T) {
	h := newHarness(t, nil)

	// Wrong method on a registered control route.
	resp, err := http.Get(h.web.URL + "/api/v1/manage")
	if err != nil {
		t.Fatalf("GET manage: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET manage = %d, want 405", resp.StatusCode)
	}

	// Multi-segment paths match neither the control plane nor the
	// single-segment handshake pattern.
	resp, err = http.Get(h.web.URL + "/api/v1/nope")
	if err != nil {
		t.Fatalf("GET unknown: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET unknown = %d, want 404", resp.StatusCode)
	}
}

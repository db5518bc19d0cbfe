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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/roundtable/internal/collab"
	"github.com/zulandar/roundtable/internal/events"
	"github.com/zulandar/roundtable/internal/metrics"
	"github.com/zulandar/roundtable/internal/provider"
	"github.com/zulandar/roundtable/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const validBody = `{"userQuery":"How can AI reduce cart abandonment for our online store?","context":{"industry":"retail","budget":50000}}`

// gatedProvider blocks every call until gate is closed.
type gatedProvider struct {
	gate chan struct{}
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) Analyze(ctx context.Context, req provider.Request) (*provider.Result, error) {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &provider.Result{Insight: provider.Fallback(req)}, nil
}

func newTestRouter(t *testing.T, opts collab.Opts, m *metrics.Metrics) (*gin.Engine, *collab.Orchestrator) {
	t.Helper()
	if opts.Provider == nil {
		opts.Provider = provider.Heuristic{}
	}
	opts.Metrics = m
	orch, err := collab.New(opts)
	if err != nil {
		t.Fatalf("collab.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	router, err := NewRouter(StartOpts{Orchestrator: orch, Metrics: m})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return router, orch
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code, field string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
	body := decode(t, w)
	if body["success"] != false {
		t.Errorf("success = %v", body["success"])
	}
	detail, _ := body["error"].(map[string]any)
	if detail["code"] != code {
		t.Errorf("code = %v, want %s", detail["code"], code)
	}
	if field != "" && detail["field"] != field {
		t.Errorf("field = %v, want %s", detail["field"], field)
	}
	if msg, _ := detail["message"].(string); msg == "" {
		t.Error("message is empty")
	}
}

func TestNewRouter_RequiresOrchestrator(t *testing.T) {
	_, err := NewRouter(StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "orchestrator is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestStart_RequiresOrchestrator(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPostStart_OK(t *testing.T) {
	router, orch := newTestRouter(t, collab.Opts{}, nil)
	w := do(t, router, http.MethodPost, "/collaboration/start", validBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	data := body["data"].(map[string]any)
	id, _ := data["sessionId"].(string)
	if id == "" {
		t.Fatal("sessionId missing")
	}
	if data["status"] != "running" || data["currentPhase"] != "analysis" {
		t.Errorf("data = %v", data)
	}
	meta := body["metadata"].(map[string]any)
	if _, ok := meta["processingTime"]; !ok {
		t.Error("processingTime missing")
	}
	if _, ok := meta["timestamp"]; !ok {
		t.Error("timestamp missing")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := orch.Status(context.Background(), id)
		if err == nil && s.Status.Terminal() {
			if s.Status != session.StatusCompleted {
				t.Fatalf("status = %q", s.Status)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not complete")
}

func TestPostStart_Validation(t *testing.T) {
	router, orch := newTestRouter(t, collab.Opts{}, nil)
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"short query", `{"userQuery":"hi there"}`, "userQuery"},
		{"missing query", `{"context":{"industry":"retail"}}`, "userQuery"},
		{"unknown field", `{"userQuery":"How can AI help our team?","bogus":1}`, "bogus"},
		{"wrong type", `{"userQuery":"How can AI help our team?","context":{"budget":"lots"}}`, "context.budget"},
		{"negative budget", `{"userQuery":"How can AI help our team?","context":{"budget":-5}}`, "context.budget"},
		{"bad priority", `{"userQuery":"How can AI help our team?","options":{"priority":"asap"}}`, "options.priority"},
		{"malformed", `{"userQuery":`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/collaboration/start", tt.body)
			assertError(t, w, http.StatusBadRequest, "invalid_request", tt.field)
		})
	}
	if orch.ActiveCount() != 0 {
		t.Errorf("active = %d after rejected requests", orch.ActiveCount())
	}
}

func TestPostStart_EmptyBody(t *testing.T) {
	router, _ := newTestRouter(t, collab.Opts{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/collaboration/start", http.NoBody)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assertError(t, w, http.StatusBadRequest, "invalid_request", "")
}

func TestPostStart_Capacity(t *testing.T) {
	p := &gatedProvider{gate: make(chan struct{})}
	defer close(p.gate)
	router, _ := newTestRouter(t, collab.Opts{Provider: p, MaxConcurrentSessions: 1}, nil)

	if w := do(t, router, http.MethodPost, "/collaboration/start", validBody); w.Code != http.StatusOK {
		t.Fatalf("first status = %d", w.Code)
	}
	w := do(t, router, http.MethodPost, "/collaboration/start", validBody)
	assertError(t, w, http.StatusServiceUnavailable, "service_unavailable", "")
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestGetStart_Health(t *testing.T) {
	router, _ := newTestRouter(t, collab.Opts{MaxConcurrentSessions: 7}, nil)
	w := do(t, router, http.MethodGet, "/collaboration/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := decode(t, w)["data"].(map[string]any)
	if data["status"] != "ok" {
		t.Errorf("status = %v", data["status"])
	}
	if data["maxConcurrentSessions"] != float64(7) || data["activeSessions"] != float64(0) {
		t.Errorf("data = %v", data)
	}
	if data["provider"] != "heuristic" || data["providerConfigured"] != false {
		t.Errorf("provider fields = %v / %v", data["provider"], data["providerConfigured"])
	}
	if strings.Contains(strings.ToLower(w.Body.String()), "key") {
		t.Errorf("health leaks key material: %s", w.Body.String())
	}
}

func TestGetStatus(t *testing.T) {
	router, _ := newTestRouter(t, collab.Opts{}, nil)

	w := do(t, router, http.MethodGet, "/collaboration/status/unknown-id", "")
	assertError(t, w, http.StatusNotFound, "not_found", "")

	start := decode(t, do(t, router, http.MethodPost, "/collaboration/start", validBody))
	id := start["data"].(map[string]any)["sessionId"].(string)

	w = do(t, router, http.MethodGet, "/collaboration/status/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	data := decode(t, w)["data"].(map[string]any)
	if data["id"] != id {
		t.Errorf("id = %v", data["id"])
	}
	for _, key := range []string{"query", "status", "insights", "metadata", "createdAt"} {
		if _, ok := data[key]; !ok {
			t.Errorf("snapshot missing %q", key)
		}
	}
}

func TestStream_Errors(t *testing.T) {
	router, _ := newTestRouter(t, collab.Opts{Hub: events.NewHub()}, nil)

	w := do(t, router, http.MethodGet, "/collaboration/stream/missing", "")
	assertError(t, w, http.StatusNotFound, "not_found", "")

	start := decode(t, do(t, router, http.MethodPost, "/collaboration/start", validBody))
	id := start["data"].(map[string]any)["sessionId"].(string)
	w = do(t, router, http.MethodGet, "/collaboration/stream/"+id, "")
	assertError(t, w, http.StatusConflict, "conflict", "")
}

func TestStream_Websocket(t *testing.T) {
	p := &gatedProvider{gate: make(chan struct{})}
	router, _ := newTestRouter(t, collab.Opts{Provider: p, Hub: events.NewHub()}, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	body := `{"userQuery":"How can AI reduce cart abandonment for our online store?","options":{"enableRealtime":true}}`
	resp, err := http.Post(srv.URL+"/collaboration/start", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var started startResponse
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collaboration/stream/" + started.Data.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first events.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != typeSnapshot || first.SessionID != started.Data.SessionID {
		t.Errorf("first event = %+v", first)
	}

	close(p.gate)
	var types []string
	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			break
		}
		types = append(types, evt.Type)
	}
	if len(types) == 0 || types[len(types)-1] != events.TypeSessionCompleted {
		t.Errorf("event types = %v, want to end with %s", types, events.TypeSessionCompleted)
	}
}

func TestMetricsAndHealthz(t *testing.T) {
	router, _ := newTestRouter(t, collab.Opts{}, metrics.New())
	do(t, router, http.MethodPost, "/collaboration/start", validBody)

	w := do(t, router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "roundtable_sessions_started_total 1") {
		t.Errorf("metrics body missing started counter")
	}

	w = do(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d", w.Code)
	}
}

func TestNoRoute(t *testing.T) {
	router, _ := newTestRouter(t, collab.Opts{}, nil)
	w := do(t, router, http.MethodGet, "/nope", "")
	assertError(t, w, http.StatusNotFound, "not_found", "")
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"", []string{"https://app.example.com"}, true},
		{"https://evil.example.com", nil, true},
		{"https://app.example.com", []string{"https://app.example.com/"}, true},
		{"https://evil.example.com", []string{"https://app.example.com"}, false},
		{"https://evil.example.com", []string{"*"}, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := originAllowed(r, tt.allowed); got != tt.want {
			t.Errorf("originAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}

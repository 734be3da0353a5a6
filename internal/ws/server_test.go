package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raidwatch/backend/internal/app"
	"github.com/raidwatch/backend/internal/mock"
	"github.com/raidwatch/backend/internal/poller"
	"github.com/raidwatch/backend/internal/session"
	"github.com/raidwatch/backend/internal/transport"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
	}
	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

type testEnv struct {
	srv *mock.Server
	app *app.App
	mux *http.ServeMux
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	srv := mock.NewServer(transport.ServerInfo{MapSize: 4000})
	a := app.New(app.Options{
		Dialer: srv.Dialer(),
		Poller: poller.Config{Interval: time.Hour, WorldSizeDelay: time.Hour},
	})
	t.Cleanup(a.Close)
	b := NewBroadcaster(a, time.Hour, 0)
	t.Cleanup(b.Stop)

	mux := http.NewServeMux()
	NewServer(a, b, nil, token).SetupRoutes(mux)
	return &testEnv{srv: srv, app: a, mux: mux}
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestAuthorize(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"no token", "/api/sessions", nil, http.StatusUnauthorized},
		{"query token", "/api/sessions?token=s3cret", nil, http.StatusOK},
		{"bearer", "/api/sessions", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"wrong bearer", "/api/sessions", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.do(http.MethodGet, tt.path, "", tt.header...).Code; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")
	if got := env.do(http.MethodGet, "/healthz", "").Code; got != http.StatusOK {
		t.Errorf("empty app status = %d, want 200", got)
	}

	env.app.CreateSession(session.Config{Host: "10.0.0.1", Port: 28082})
	if got := env.do(http.MethodGet, "/healthz", "").Code; got != http.StatusServiceUnavailable {
		t.Errorf("connecting status = %d, want 503", got)
	}

	env.srv.Last().Accept()
	rec := env.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("connected status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"connected"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHealthzHidesSessionsWithoutToken(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	env.app.CreateSession(session.Config{Host: "10.0.0.1", Port: 28082, OwnerID: "owner-1"})

	rec := env.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("connecting status = %d, want 503", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"unavailable"}` {
		t.Errorf("anonymous body = %s", got)
	}

	env.srv.Last().Accept()
	tests := []struct {
		name       string
		header     []string
		wantDetail bool
	}{
		{"anonymous", nil, false},
		{"wrong token", []string{"Authorization", "Bearer nope"}, false},
		{"bearer", []string{"Authorization", "Bearer s3cret"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/healthz", "", tt.header...)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			body := rec.Body.String()
			for _, field := range []string{"owner-1", "10.0.0.1:28082"} {
				if strings.Contains(body, field) != tt.wantDetail {
					t.Errorf("body contains %q = %v, want %v: %s", field, !tt.wantDetail, tt.wantDetail, body)
				}
			}
			if !tt.wantDetail && strings.TrimSpace(body) != `{"status":"ok"}` {
				t.Errorf("body = %s", body)
			}
		})
	}
}

func TestSessionCommands(t *testing.T) {
	env := newTestEnv(t, "")
	env.app.CreateSession(session.Config{Host: "10.0.0.1", Port: 28082})
	addr := "/api/sessions/10.0.0.1:28082"

	if got := env.do(http.MethodPost, addr+"/message", `{"text":"hi"}`).Code; got != http.StatusConflict {
		t.Errorf("message before connect = %d, want 409", got)
	}

	env.srv.Last().Accept()
	if got := env.do(http.MethodPost, addr+"/message", `{"text":"hi"}`).Code; got != http.StatusNoContent {
		t.Errorf("message = %d, want 204", got)
	}
	if sent := env.srv.Sent(); len(sent) != 1 || sent[0] != "hi" {
		t.Errorf("sent = %q", sent)
	}

	if got := env.do(http.MethodPost, addr+"/entities/1002", `{"value":true}`).Code; got != http.StatusNoContent {
		t.Errorf("set entity = %d, want 204", got)
	}
	if sets := env.srv.Sets(); len(sets) != 1 || sets[0] != (mock.SetCall{EntityID: 1002, Value: true}) {
		t.Errorf("sets = %+v", sets)
	}

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, addr + "/message", `{}`, http.StatusBadRequest},
		{http.MethodGet, addr + "/message", ``, http.StatusMethodNotAllowed},
		{http.MethodPost, addr + "/entities/x", `{"value":true}`, http.StatusBadRequest},
		{http.MethodPost, addr + "/entities/5", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/api/sessions/1.2.3.4:1/message", `{"text":"x"}`, http.StatusNotFound},
		{http.MethodPost, addr + "/bogus", ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		if got := env.do(tt.method, tt.path, tt.body).Code; got != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, got, tt.want)
		}
	}

	if got := env.do(http.MethodDelete, addr, "").Code; got != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", got)
	}
	if got := env.do(http.MethodDelete, addr, "").Code; got != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", got)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"localhost", nil, "http://localhost:3000", true},
		{"same host", nil, "http://example.test", true},
		{"foreign", nil, "http://evil.test", false},
		{"allow list hit", []string{"https://ops.test"}, "https://ops.test", true},
		{"allow list miss", []string{"https://ops.test"}, "http://localhost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, nil, tt.allowed, "")
			req := httptest.NewRequest(http.MethodGet, "http://example.test/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newRouter(f *Forwarder) http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/proxy/*", f.Handler())
	r.HandleFunc("/api_proxy/*", f.Handler())
	return r
}

func TestHandler_ForwardsPathAndQuery(t *testing.T) {
	srv, captured, _ := newUpstream(t, http.StatusOK, `{"nodes":[],"links":[]}`)
	router := newRouter(New(srv.URL, WithLogger(quietLogger())))

	for _, prefix := range []string{"/proxy", "/api_proxy"} {
		t.Run(prefix, func(t *testing.T) {
			*captured = nil
			req := httptest.NewRequest(http.MethodGet, prefix+"/nodes/c1/children?depth=2", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if got := (*captured)[0].uri; got != "/nodes/c1/children?depth=2" {
				t.Errorf("upstream uri = %q", got)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if rec.Body.String() != `{"nodes":[],"links":[]}` {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestHandler_EmptyPath(t *testing.T) {
	srv, _, calls := newUpstream(t, http.StatusOK, `{}`)
	router := newRouter(New(srv.URL, WithLogger(quietLogger())))

	req := httptest.NewRequest(http.MethodGet, "/proxy/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), MsgInvalidPath) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if calls.Load() != 0 {
		t.Errorf("upstream called %d times", calls.Load())
	}
}

func TestHandler_DropsEmptySegments(t *testing.T) {
	srv, captured, _ := newUpstream(t, http.StatusOK, `[]`)
	router := newRouter(New(srv.URL, WithLogger(quietLogger())))

	req := httptest.NewRequest(http.MethodGet, "/proxy/conversations/", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	if got := (*captured)[0].uri; got != "/conversations" {
		t.Errorf("upstream uri = %q, want /conversations", got)
	}
}

func TestHandler_PostBody(t *testing.T) {
	srv, captured, _ := newUpstream(t, http.StatusOK, `{"conversation_id":"c1"}`)
	router := newRouter(New(srv.URL, WithLogger(quietLogger())))

	req := httptest.NewRequest(http.MethodPost, "/proxy/seed", strings.NewReader(` {"sample": true} `))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := (*captured)[0].body; got != `{"sample": true}` {
		t.Errorf("upstream body = %q", got)
	}
}

func TestHandler_PostWithoutBody(t *testing.T) {
	srv, captured, _ := newUpstream(t, http.StatusOK, `{"conversation_id":"c1"}`)
	router := newRouter(New(srv.URL, WithLogger(quietLogger())))

	req := httptest.NewRequest(http.MethodPost, "/proxy/seed", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	if got := (*captured)[0]; got.method != http.MethodPost || got.body != "" {
		t.Errorf("upstream saw %s %q", got.method, got.body)
	}
}

func TestHandler_InvalidBody(t *testing.T) {
	srv, _, calls := newUpstream(t, http.StatusOK, `{}`)
	router := newRouter(New(srv.URL, WithLogger(quietLogger())))

	req := httptest.NewRequest(http.MethodPost, "/proxy/messages", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), MsgInvalidBody) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if calls.Load() != 0 {
		t.Errorf("upstream called %d times", calls.Load())
	}
}

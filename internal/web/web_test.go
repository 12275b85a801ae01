package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler(t *testing.T) {
	h := Handler()

	tests := []struct {
		name     string
		method   string
		path     string
		status   int
		contains string
		ctype    string
	}{
		{name: "index", method: http.MethodGet, path: "/", status: http.StatusOK, contains: "force-graph", ctype: "text/html"},
		{name: "script", method: http.MethodGet, path: "/app.js", status: http.StatusOK, contains: "EventSource", ctype: "javascript"},
		{name: "client route", method: http.MethodGet, path: "/views/abc", status: http.StatusOK, contains: "Graph Explorer", ctype: "text/html"},
		{name: "missing asset", method: http.MethodGet, path: "/missing.css", status: http.StatusNotFound},
		{name: "traversal", method: http.MethodGet, path: "/../web.go", status: http.StatusNotFound},
		{name: "post", method: http.MethodPost, path: "/", status: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.contains != "" && !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body does not contain %q", tt.contains)
			}
			if tt.ctype != "" && !strings.Contains(rec.Header().Get("Content-Type"), tt.ctype) {
				t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), tt.ctype)
			}
		})
	}
}

package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/graph-web/internal/server"
)

var errInvalidBody = errors.New("request body is not valid JSON")

// Handler returns an http.HandlerFunc for a chi wildcard route such as
// "/proxy/*". The wildcard remainder becomes the forwarded path.
func (f *Forwarder) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := RequestFromHTTP(r)
		if err != nil {
			server.AddError(r.Context(), err)
			WriteResponse(w, errorResponse(http.StatusBadRequest, MsgInvalidBody))
			return
		}

		server.AddLogField(r.Context(), "upstream_path", strings.Join(req.Path, "/"))

		resp := f.Forward(r.Context(), req)
		if !resp.OK() {
			server.AddLogField(r.Context(), "proxy_error", resp.ErrorMessage())
		}
		WriteResponse(w, resp)
	}
}

// RequestFromHTTP extracts a forwardable request from an incoming one.
// Empty path segments are dropped; a request with no segments left is
// rejected later by Forward.
func RequestFromHTTP(r *http.Request) (Request, error) {
	req := Request{
		Method:   r.Method,
		Path:     splitPath(chi.URLParam(r, "*")),
		RawQuery: r.URL.RawQuery,
	}

	if r.Method == http.MethodGet || r.Body == nil {
		return req, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return Request{}, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return req, nil
	}
	if !json.Valid(data) {
		return Request{}, errInvalidBody
	}
	req.Body = data

	return req, nil
}

func splitPath(p string) []string {
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}

// WriteResponse writes resp as a JSON response.
func WriteResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// Package proxy forwards browser requests to the upstream graph API.
//
// The outgoing request carries a JSON content type and none of the incoming
// headers. GET requests never carry a body. Upstream failures are reduced to
// an {"error": "..."} envelope.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/graph-web/internal/telemetry"
)

// DefaultBaseURL is used when no upstream base URL is configured.
const DefaultBaseURL = "http://localhost:8000"

// Envelope messages.
const (
	MsgInvalidPath   = "Invalid path parameter"
	MsgInvalidBody   = "Invalid request body"
	MsgInternalError = "Internal server error"
)

// Outcome labels reported to metrics.
const (
	outcomeOK             = "ok"
	outcomeInvalid        = "invalid"
	outcomeUpstreamError  = "upstream_error"
	outcomeTransportError = "transport_error"
)

// Request is one request to forward.
type Request struct {
	Method string
	// Path holds the segments appended to the base URL. Must be non-empty.
	Path []string
	// RawQuery is the query string without the leading '?'.
	RawQuery string
	// Body is sent for non-GET methods only.
	Body json.RawMessage
}

// Response is what the caller relays back to the browser.
type Response struct {
	Status int
	Body   json.RawMessage
}

// OK reports whether the status is in the 2xx range.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// ErrorMessage returns the envelope message of a failed response, or "" if
// the body is not an error envelope.
func (r Response) ErrorMessage() string {
	var env ErrorBody
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return ""
	}
	return env.Error
}

// ErrorBody is the uniform error envelope.
type ErrorBody struct {
	Error string `json:"error"`
}

func errorResponse(status int, msg string) Response {
	body, _ := json.Marshal(ErrorBody{Error: msg})
	return Response{Status: status, Body: body}
}

// Forwarder relays requests to a configured upstream. It is safe for
// concurrent use; the base URL may be swapped while requests are in flight.
type Forwarder struct {
	baseURL    atomic.Pointer[string]
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *telemetry.Collector
}

// Option configures the forwarder.
type Option func(*Forwarder)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) {
		f.httpClient = client
	}
}

// WithLogger sets the logger used for transport failures.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithMetrics records forward outcomes on the given collector.
func WithMetrics(c *telemetry.Collector) Option {
	return func(f *Forwarder) {
		f.metrics = c
	}
}

// New creates a forwarder for baseURL. An empty baseURL means DefaultBaseURL.
// The default client has no timeout and is instrumented with OpenTelemetry.
func New(baseURL string, opts ...Option) *Forwarder {
	f := &Forwarder{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:     slog.Default(),
	}
	f.SetBaseURL(baseURL)

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// BaseURL returns the current upstream base URL.
func (f *Forwarder) BaseURL() string {
	return *f.baseURL.Load()
}

// SetBaseURL replaces the upstream base URL. Requests already in flight keep
// the URL they started with.
func (f *Forwarder) SetBaseURL(baseURL string) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	f.baseURL.Store(&baseURL)
}

// Target builds the upstream URL for req.
func (f *Forwarder) Target(req Request) string {
	return target(f.BaseURL(), req)
}

func target(base string, req Request) string {
	u := base + "/" + strings.Join(req.Path, "/")
	if req.RawQuery != "" {
		u += "?" + req.RawQuery
	}
	return u
}

// ValidPath reports whether path is a usable segment list.
func ValidPath(path []string) bool {
	if len(path) == 0 {
		return false
	}
	for _, seg := range path {
		if seg == "" {
			return false
		}
	}
	return true
}

// Forward sends req upstream and returns the relayed response. It never
// returns an error: every failure is folded into the response envelope.
func (f *Forwarder) Forward(ctx context.Context, req Request) Response {
	start := time.Now()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	if !ValidPath(req.Path) {
		f.metrics.ObserveForward(method, outcomeInvalid, time.Since(start))
		return errorResponse(http.StatusBadRequest, MsgInvalidPath)
	}

	target := f.Target(req)

	resp, err := f.roundTrip(ctx, method, target, req.Body)
	if err != nil {
		f.logger.Error("API proxy error",
			slog.String("method", method),
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		f.metrics.ObserveForward(method, outcomeTransportError, time.Since(start))
		return errorResponse(http.StatusInternalServerError, MsgInternalError)
	}

	if resp.OK() {
		f.metrics.ObserveForward(method, outcomeOK, time.Since(start))
	} else {
		f.metrics.ObserveForward(method, outcomeUpstreamError, time.Since(start))
	}
	return resp
}

func (f *Forwarder) roundTrip(ctx context.Context, method, target string, body json.RawMessage) (Response, error) {
	var reqBody io.Reader
	if method != http.MethodGet && len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The upstream error body is not relayed.
		_, _ = io.Copy(io.Discard, resp.Body)
		return errorResponse(resp.StatusCode, "API request failed: "+statusText(resp)), nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	if !json.Valid(data) {
		return Response{}, fmt.Errorf("upstream returned non-JSON body (status %d)", resp.StatusCode)
	}

	return Response{Status: resp.StatusCode, Body: data}, nil
}

// statusText returns the reason phrase the upstream sent, falling back to
// the standard text for the code.
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

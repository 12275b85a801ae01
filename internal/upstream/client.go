// Package upstream is a typed client for the graph-memory API. Every call
// goes through the proxy forwarder, so the view layer sees exactly what a
// browser calling /proxy/... would see.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tjfontaine/graph-web/internal/domain"
	"github.com/tjfontaine/graph-web/internal/proxy"
)

// Forwarder is the subset of *proxy.Forwarder the client needs.
type Forwarder interface {
	Forward(ctx context.Context, req proxy.Request) proxy.Response
}

// APIError is a non-2xx response relayed by the forwarder.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// ErrUnavailable is returned without calling upstream while the circuit
// breaker is open.
var ErrUnavailable = errors.New("upstream temporarily unavailable")

// Client calls the graph-memory API through a Forwarder.
type Client struct {
	fwd     Forwarder
	breaker *gobreaker.CircuitBreaker
}

// Option configures the client.
type Option func(*Client)

// BreakerConfig configures the circuit breaker around graph calls.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before letting a trial
	// request through.
	Cooldown time.Duration
	Logger   *slog.Logger
}

// WithBreaker stops calling upstream for Cooldown after MaxFailures
// consecutive 5xx or transport failures. Upstream 4xx responses do not
// count. Health checks bypass the breaker. A zero MaxFailures disables it.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) {
		if cfg.MaxFailures == 0 {
			return
		}
		logger := cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "upstream",
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
			IsSuccessful: func(err error) bool {
				// A caller that went away says nothing about upstream health.
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return true
				}
				var apiErr *APIError
				if errors.As(err, &apiErr) {
					return apiErr.Status < http.StatusInternalServerError
				}
				return err == nil
			},
		})
	}
}

// New creates a client forwarding through fwd.
func New(fwd Forwarder, opts ...Option) *Client {
	c := &Client{fwd: fwd}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations returns the existing conversations, newest first as
// ordered by the upstream.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if err := c.do(ctx, http.MethodGet, []string{"conversations"}, nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

// Children returns the subgraph around nodeID up to depth hops.
func (c *Client) Children(ctx context.Context, nodeID string, depth int) (*domain.GraphData, error) {
	q := url.Values{"depth": {strconv.Itoa(depth)}}

	var g domain.GraphData
	if err := c.do(ctx, http.MethodGet, []string{"nodes", url.PathEscape(nodeID), "children"}, q, &g); err != nil {
		return nil, fmt.Errorf("children of %s: %w", nodeID, err)
	}
	g.Normalize()
	return &g, nil
}

// Seed asks the upstream to create a sample conversation.
func (c *Client) Seed(ctx context.Context) (*domain.SeedResult, error) {
	var out domain.SeedResult
	if err := c.do(ctx, http.MethodPost, []string{"seed"}, nil, &out); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	if out.ConversationID == "" {
		return nil, errors.New("seed: response has no conversation_id")
	}
	return &out, nil
}

// Search returns message nodes whose text contains q.
func (c *Client) Search(ctx context.Context, q string, k int) (*domain.GraphData, error) {
	query := url.Values{"q": {q}, "k": {strconv.Itoa(k)}}

	var g domain.GraphData
	if err := c.do(ctx, http.MethodGet, []string{"search"}, query, &g); err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}
	g.Normalize()
	return &g, nil
}

// Health checks the upstream health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	if err := c.call(ctx, http.MethodGet, []string{"health"}, nil, &out); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, path []string, query url.Values, out any) error {
	if c.breaker == nil {
		return c.call(ctx, method, path, query, out)
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.call(ctx, method, path, query, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, path []string, query url.Values, out any) error {
	resp := c.fwd.Forward(ctx, proxy.Request{
		Method:   method,
		Path:     path,
		RawQuery: query.Encode(),
	})

	if !resp.OK() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return &APIError{Status: resp.Status, Message: resp.ErrorMessage()}
	}

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

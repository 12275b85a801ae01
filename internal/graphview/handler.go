package graphview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/graph-web/internal/pubsub"
	"github.com/tjfontaine/graph-web/internal/server"
)

const (
	msgViewNotFound = "view not found"
	msgInvalidBody  = "Invalid request body"
)

// Handler serves the view API. Mount Routes under /api/views.
type Handler struct {
	registry  *Registry
	publisher pubsub.Publisher
	logger    *slog.Logger
}

// NewHandler creates the view API over registry. Event streams subscribe
// to publisher.
func NewHandler(registry *Registry, publisher pubsub.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
	}
}

// Routes returns the view API router:
//
//	POST   /                   create a view and resolve its root
//	GET    /{view_id}          current snapshot
//	DELETE /{view_id}          close the view
//	GET    /{view_id}/events   snapshot stream (text/event-stream)
//	POST   /{view_id}/select   {"id": "..."}
//	POST   /{view_id}/seed
//	POST   /{view_id}/reload
//	POST   /{view_id}/depth    {"depth": n}
//	POST   /{view_id}/search   {"q": "...", "k": n}
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.handleCreate)
	r.Route("/{view_id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Delete("/", h.handleDelete)
		r.Get("/events", h.handleEvents)

		r.Post("/select", h.action(func(ctx context.Context, o *Orchestrator, body []byte) error {
			var req struct {
				ID string `json:"id"`
			}
			if err := decode(body, &req); err != nil {
				return err
			}
			return o.Select(ctx, req.ID)
		}))
		r.Post("/seed", h.action(func(ctx context.Context, o *Orchestrator, _ []byte) error {
			return o.Seed(ctx)
		}))
		r.Post("/reload", h.action(func(ctx context.Context, o *Orchestrator, _ []byte) error {
			return o.Reload(ctx)
		}))
		r.Post("/depth", h.action(func(ctx context.Context, o *Orchestrator, body []byte) error {
			var req struct {
				Depth int `json:"depth"`
			}
			if err := decode(body, &req); err != nil {
				return err
			}
			return o.SetDepth(ctx, req.Depth)
		}))
		r.Post("/search", h.action(func(ctx context.Context, o *Orchestrator, body []byte) error {
			var req struct {
				Q string `json:"q"`
				K int    `json:"k"`
			}
			if err := decode(body, &req); err != nil {
				return err
			}
			return o.Search(ctx, req.Q, req.K)
		}))
	})

	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	o := h.registry.Create()
	server.AddLogField(r.Context(), "view_id", o.ID())

	// A failed root resolution is reported in the snapshot, not as an HTTP
	// error; the page shows it and offers Reload.
	if err := o.Start(r.Context()); err != nil {
		server.AddError(r.Context(), err)
	}

	writeJSON(w, http.StatusCreated, o.Snapshot())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "view_id")
	server.AddLogField(r.Context(), "view_id", id)

	if !h.registry.Close(id) {
		writeError(w, http.StatusNotFound, msgViewNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "view_id")
	server.AddLogField(r.Context(), "view_id", id)

	o, release, ok := h.registry.Attach(id)
	if !ok {
		writeError(w, http.StatusNotFound, msgViewNotFound)
		return
	}
	defer release()

	sub, err := h.publisher.Subscribe(r.Context(), Topic(o.ID()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Initial comment so the browser sees the stream as open.
	fmt.Fprint(w, ": connected\n\n")
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			h.logger.Debug("event stream closed",
				slog.String("view_id", o.ID()),
				slog.String("error", err.Error()))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type actionFunc func(ctx context.Context, o *Orchestrator, body []byte) error

// action runs fn against the addressed view and answers with the resulting
// snapshot. Upstream failures land in the snapshot's error state; only
// invalid input and misuse produce an error status.
func (h *Handler) action(fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, ok := h.lookup(w, r)
		if !ok {
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, msgInvalidBody)
			return
		}

		if err := fn(r.Context(), o, body); err != nil {
			server.AddError(r.Context(), err)
			if status, ok := errorStatus(err); ok {
				writeError(w, status, errorMessage(err))
				return
			}
		}

		writeJSON(w, http.StatusOK, o.Snapshot())
	}
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*Orchestrator, bool) {
	id := chi.URLParam(r, "view_id")
	server.AddLogField(r.Context(), "view_id", id)

	o, ok := h.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, msgViewNotFound)
		return nil, false
	}
	return o, true
}

var errBadBody = errors.New(msgInvalidBody)

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

// errorStatus maps caller errors to an HTTP status. Other errors are fetch
// failures already reflected in the view state.
func errorStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, errBadBody),
		errors.Is(err, ErrEmptyNodeID),
		errors.Is(err, ErrInvalidDepth),
		errors.Is(err, ErrEmptyQuery):
		return http.StatusBadRequest, true
	case errors.Is(err, ErrNotEmpty):
		return http.StatusConflict, true
	case errors.Is(err, ErrClosed):
		return http.StatusNotFound, true
	}
	return 0, false
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, errBadBody):
		return msgInvalidBody
	case errors.Is(err, ErrClosed):
		return msgViewNotFound
	}
	return err.Error()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

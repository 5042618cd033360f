// Package httpapi serves the daemon's HTTP surface: the realtime websocket
// endpoint, authenticated event ingest and health.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskbell/internal/eventbus"
	"taskbell/internal/events"
	logx "taskbell/pkg/logx"
)

const maxIngestBody = 1 << 20

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Ingest accepts events for asynchronous publication.
type Ingest interface {
	Enqueue(e eventbus.Event) (eventbus.Event, error)
}

type Deps struct {
	// Realtime serves GET /ws. Nil leaves the route unmounted.
	Realtime http.Handler
	Ingest   Ingest
	// IngestToken guards POST /v1/events. Empty disables ingest.
	IngestToken string
	Checks      map[string]Check
	// Status feeds GET /v1/status.
	Status func() any
	Log    logx.Logger
}

// IngestRequest is the body of POST /v1/events.
type IngestRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ingestResponse struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "http"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(d.Checks))
	if d.Realtime != nil {
		r.Handle("/ws", d.Realtime)
	}
	r.Route("/v1", func(r chi.Router) {
		if d.Status != nil {
			r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, d.Status())
			})
		}
		if d.IngestToken != "" && d.Ingest != nil {
			r.With(bearer(d.IngestToken)).Post("/events", ingestHandler(d.Ingest, log))
		}
	})
	return r
}

func healthHandler(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for n := range checks {
		names = append(names, n)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		out := map[string]string{}
		status := http.StatusOK
		for _, n := range names {
			if err := checks[n](ctx); err != nil {
				out[n] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			out[n] = "ok"
		}
		writeJSON(w, status, out)
	}
}

func ingestHandler(q Ingest, log logx.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
			return
		}
		p, err := events.Decode(strings.TrimSpace(req.Type), req.Data)
		switch {
		case errors.Is(err, events.ErrUnknownType):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
			return
		case err != nil:
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		e, err := events.New(p)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		// Delivery happens after the response; the caller only learns the
		// event was accepted.
		e, err = q.Enqueue(e)
		if err != nil {
			log.Warn("event rejected", logx.String("type", e.Type), logx.Err(err))
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		log.Debug("event ingested", logx.String("type", e.Type), logx.String("event_id", e.ID),
			logx.String("request_id", middleware.GetReqID(r.Context())))
		writeJSON(w, http.StatusAccepted, ingestResponse{ID: e.ID, Type: e.Type})
	}
}

func bearer(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="taskbell"`)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

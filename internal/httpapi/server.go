// Package httpapi serves the operational endpoints of the watcher.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"registry_watch/internal/poller"
)

const (
	requestTimeout  = 10 * time.Second
	readTimeout     = 10 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the storage the endpoints read.
type Store interface {
	Pinger
	GetChangeCountSince(ctx context.Context, since time.Time) (int, error)
}

// StatusSource reports poller state.
type StatusSource interface {
	Status() poller.Status
}

// Deps are the collaborators of the router. Cache and Metrics may be nil.
type Deps struct {
	Store   Store
	Cache   Pinger
	Poller  StatusSource
	Metrics http.Handler
	Log     *slog.Logger
}

type handlers struct {
	Deps
	now func() time.Time
}

// NewRouter builds the chi router with /healthz, /status and /metrics.
func NewRouter(d Deps) http.Handler {
	h := &handlers{Deps: d, now: time.Now}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		h.logRequests,
	)
	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	return r
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Checks[name] = err.Error()
			return
		}
		resp.Checks[name] = "ok"
	}
	check("storage", h.Store)
	check("cache", h.Cache)

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

type statusResponse struct {
	poller.Status
	Changes24h int `json:"changes_24h"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: h.Poller.Status()}
	n, err := h.Store.GetChangeCountSince(r.Context(), h.now().Add(-24*time.Hour))
	if err != nil {
		h.Log.Error("count recent changes", "error", err)
		http.Error(w, "count recent changes", http.StatusInternalServerError)
		return
	}
	resp.Changes24h = n
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Warn("write response", "error", err)
	}
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

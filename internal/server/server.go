// Package server exposes the viewer to local clients over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"livecam/native/internal/domain"
	"livecam/native/internal/metrics"
	"livecam/native/internal/stats"
	"livecam/native/internal/viewer"
)

const (
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 5 * time.Second
)

// Viewer is the part of *viewer.Viewer the server drives.
type Viewer interface {
	Status() viewer.Status
	RequestStart() error
	Retry() error
	Subscribe() <-chan domain.Transition
	Unsubscribe(ch <-chan domain.Transition)
}

// StatsSource provides the latest metadata snapshot.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// Server routes control requests to a Viewer.
type Server struct {
	viewer  Viewer
	stats   StatsSource
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Server. src and m may be nil; their routes then answer 404.
func New(v Viewer, src StatsSource, m *metrics.Metrics) *Server {
	return &Server{viewer: v, stats: src, metrics: m, now: time.Now}
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	stats.Snapshot
	Age  string `json:"age"`
	Size string `json:"size"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/state", s.getState)
	r.Post("/start", s.action(s.viewer.RequestStart))
	r.Post("/retry", s.action(s.viewer.Retry))
	r.Get("/events", s.events)
	if s.stats != nil {
		r.Get("/stats", s.getStats)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "server").Str("addr", addr).Msg("control server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.viewer.Status())
}

func (s *Server) action(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch err := fn(); {
		case err == nil:
			writeJSON(w, http.StatusAccepted, s.viewer.Status())
		case errors.Is(err, viewer.ErrInvalidTransition):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
				"state": s.viewer.Status().State.String(),
			})
		case errors.Is(err, viewer.ErrDisposed):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			log.Error().Str("module", "server").Err(err).Str("path", r.URL.Path).Msg("request failed")
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	writeJSON(w, http.StatusOK, StatsResponse{
		Snapshot: snap,
		Age:      stats.FormatAge(snap.Metadata, s.now()),
		Size:     stats.FormatSize(snap.Metadata),
	})
}

// events streams every transition as a JSON text message until the client
// goes away or the viewer is disposed.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Str("module", "server").Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	sub := s.viewer.Subscribe()
	defer s.viewer.Unsubscribe(sub)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case tr, ok := <-sub:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "viewer disposed")
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := conn.WriteJSON(tr); err != nil {
				log.Debug().Str("module", "server").Err(err).Msg("event write failed")
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Str("module", "server").Err(err).Msg("write response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().Str("module", "server").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

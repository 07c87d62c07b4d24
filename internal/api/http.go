package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/city"
	"github.com/gorilla/mux"

	"github.com/pv/tankwatch-go/internal/reconciler"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

// Ограничения диагностической выборки.
const (
	defaultProbeLimit = 5
	maxProbeLimit     = 100
)

// Server реализует HTTP API текущего состояния бака.
type Server struct {
	router   *mux.Router
	rec      *reconciler.Reconciler
	feed     *reconciler.Feed
	streamer *StateStreamer
	auth     *Authenticator
	metrics  *Metrics
}

type ServerOption func(*Server)

// WithAuth включает проверку bearer-токена на /api/*. nil отключает.
func WithAuth(a *Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithMetricsHandler публикует /metrics.
func WithMetricsHandler(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer создаёт HTTP сервер с зарегистрированными хендлерами.
func NewServer(rec *reconciler.Reconciler, feed *reconciler.Feed, streamer *StateStreamer, opts ...ServerOption) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		rec:      rec,
		feed:     feed,
		streamer: streamer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler возвращает корневой обработчик (для тестов и встраивания).
func (s *Server) Handler() http.Handler {
	return logRequests(s.router)
}

// Listen запускает сервер и блокируется до остановки.
func (s *Server) Listen(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		if s.streamer != nil {
			s.streamer.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.withCORS, s.auth.Middleware)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/telemetry/latest", s.handleLatest).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/probe", s.handleProbe).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/ws/state", s.handleWSState).Methods(http.MethodGet)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(s.rec.View())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	etag := fmt.Sprintf(`"%016x"`, city.Hash64(body))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := s.feed.FetchLatest(r.Context())
	if err != nil {
		code, public := classifyFetchError(err)
		log.Printf("[http] telemetry latest: %v", err)
		writeError(w, code, public)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":    snap,
		"tank_status": snap.Status(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	log.Printf("[http] command refresh")
	if err := s.rec.Refresh(r.Context()); err != nil {
		if errors.Is(err, reconciler.ErrDetached) {
			writeError(w, http.StatusConflict, errors.New("connection is detached"))
			return
		}
		code, public := classifyFetchError(err)
		writeError(w, code, public)
		return
	}
	writeJSON(w, http.StatusOK, s.rec.View())
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	limit := defaultProbeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxProbeLimit {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: must be 1..%d", maxProbeLimit))
			return
		}
		limit = n
	}
	res, err := s.feed.Probe(r.Context(), limit)
	if err != nil {
		log.Printf("[http] probe: %v", err)
		writeError(w, http.StatusBadGateway, errors.New("storage unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWSState(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		http.Error(w, "websocket streamer not configured", http.StatusServiceUnavailable)
		return
	}
	s.streamer.ServeWS(w, r)
}

// classifyFetchError сопоставляет класс ошибки HTTP-коду. Текст причины наружу не уходит:
// он может содержать адрес хранилища.
func classifyFetchError(err error) (int, error) {
	switch {
	case errors.Is(err, telemetry.ErrNotFound):
		return http.StatusNotFound, errors.New("no telemetry data found")
	case errors.Is(err, telemetry.ErrSchema):
		return http.StatusUnprocessableEntity, errors.New("unexpected telemetry payload")
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errors.New("request cancelled")
	default:
		return http.StatusBadGateway, errors.New("storage unavailable")
	}
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "ETag")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

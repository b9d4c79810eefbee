package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/callcore/internal/call"
	"github.com/ent0n29/callcore/internal/config"
	"github.com/ent0n29/callcore/internal/logging"
	"github.com/ent0n29/callcore/internal/observability"
	"github.com/ent0n29/callcore/internal/session"
	"github.com/ent0n29/callcore/internal/transport"
)

// CallRunner runs one call over an accepted media stream until it ends.
type CallRunner interface {
	RunCall(ctx context.Context, t call.Transport) error
}

type Server struct {
	cfg      config.Config
	store    session.Store
	calls    CallRunner
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// Calls outlive their HTTP request; they are cancelled through baseCtx
	// on shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	active     sync.WaitGroup
	activeN    atomic.Int64
}

func New(cfg config.Config, store session.Store, calls CallRunner, metrics *observability.Metrics) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		store:      store,
		calls:      calls,
		metrics:    metrics,
		logger:     logging.WithComponent("httpapi"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony media streams are server to server and send no Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/telephony/media", s.handleMediaStream)

	return r
}

// Shutdown cancels every running call and waits for their teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCalls is the number of media streams currently being served.
func (s *Server) ActiveCalls() int { return int(s.activeN.Load()) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.ActiveCalls(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is draining calls")
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"session_store": s.cfg.SessionStore,
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session store not configured")
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, newCallView(rec))
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call runner not configured")
		return
	}
	if s.baseCtx.Err() != nil {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "server is draining calls")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.CallEvent("upgrade_failed")
		return
	}
	s.active.Add(1)
	s.activeN.Add(1)
	defer func() {
		s.activeN.Add(-1)
		s.active.Done()
	}()

	s.metrics.CallEvent("ws_connected")
	stream := transport.NewMediaStream(conn, s.metrics, logging.WithComponent("transport"))
	defer stream.Close()

	if err := s.calls.RunCall(s.baseCtx, stream); err != nil {
		s.logger.Warn().Err(err).Str("stream_id", stream.StreamID()).Msg("call ended with error")
	}
	s.metrics.CallEvent("ws_disconnected")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

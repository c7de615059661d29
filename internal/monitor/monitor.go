// Package monitor serves the read-only operational surface: a JSON health
// summary, the Prometheus exposition endpoint and the active-alert
// projection. It reads the hot store and the adapters; it never mutates
// pipeline state.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
	"github.com/omiiii21/crypto-market-microstructure/internal/telemetry"
	"github.com/omiiii21/crypto-market-microstructure/internal/venue"
)

// Config holds server timeouts and the listen address.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8090"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server is the monitor HTTP server.
type Server struct {
	cfg    Config
	router *mux.Router
	srv    *http.Server

	adapters []venue.Adapter
	store    hot.Store
	tel      *telemetry.Registry
	clk      clock.Clock
	started  time.Time
}

// NewServer wires the monitor over the given adapters, hot store and
// telemetry registry.
func NewServer(cfg Config, adapters []venue.Adapter, store hot.Store, tel *telemetry.Registry, clk clock.Clock) *Server {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.System()
	}
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		adapters: adapters,
		store:    store,
		tel:      tel,
		clk:      clk,
		started:  clk.Now(),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.Handle("/metrics", s.tel.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentType)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/alerts/active", s.handleActiveAlerts).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
}

// Start serves until Shutdown. The caller runs it on its own goroutine.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("monitor server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("monitor server shutting down")
	return s.srv.Shutdown(ctx)
}

// healthResponse is the /health document.
type healthResponse struct {
	Status        string                           `json:"status"`
	Timestamp     time.Time                        `json:"timestamp"`
	UptimeSeconds int64                            `json:"uptime_seconds"`
	Venues        map[string]models.HealthSnapshot `json:"venues"`
	Counters      map[string]float64               `json:"counters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.clk.Now().UTC()
	resp := healthResponse{
		Status:        "ok",
		Timestamp:     now,
		UptimeSeconds: int64(s.clk.Since(s.started).Seconds()),
		Venues:        make(map[string]models.HealthSnapshot, len(s.adapters)),
	}

	for _, a := range s.adapters {
		h := a.Health()
		resp.Venues[h.Venue] = h
		if !h.IsUsable() {
			resp.Status = "down"
		} else if !h.IsHealthy() && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	if s.tel != nil {
		counters, err := s.tel.Totals()
		if err != nil {
			log.Warn().Err(err).Msg("gathering counters for health failed")
		} else {
			resp.Counters = counters
		}
	}

	code := http.StatusOK
	if resp.Status == "down" {
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// activeAlertsResponse is the /alerts/active document.
type activeAlertsResponse struct {
	Count  int             `json:"count"`
	Alerts []*models.Alert `json:"alerts"`
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.LoadActiveAlerts(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("loading active alerts failed")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "hot store unavailable"})
		return
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
	_ = json.NewEncoder(w).Encode(activeAlertsResponse{Count: len(alerts), Alerts: alerts})
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("took", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("monitor request")
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

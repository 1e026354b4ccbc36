package control

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/jsonx"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/worker"
)

// MetricsSource supplies the persistence counters for the admin endpoint.
type MetricsSource func() map[string]persistence.OpStats

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Addr          string
	JWTSecret     string
	ResultTimeout time.Duration
}

// DefaultServerConfig listens on :8089 with a 30s result wait.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: ":8089", ResultTimeout: 30 * time.Second}
}

// Server exposes the ingress over HTTP.
type Server struct {
	cfg     ServerConfig
	ingress *Ingress
	metrics MetricsSource
	logger  *zap.Logger
}

// NewServer wires the ingress and an optional metrics source. A nil metrics
// source leaves the admin endpoint returning an empty object.
func NewServer(cfg ServerConfig, ingress *Ingress, metrics MetricsSource, logger *zap.Logger) *Server {
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, ingress: ingress, metrics: metrics, logger: logger.Named("http")}
}

// Handler builds the routed handler with recovery and request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/tasks", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/v1/tasks/{id}/result", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/v1/admin/metrics", s.requireJWT(http.HandlerFunc(s.handleMetrics))).Methods(http.MethodGet)

	var h http.Handler = r
	h = s.logRequests(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
	return h
}

// ListenAndServe runs the server until it fails.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("control api listening", zap.String("addr", s.cfg.Addr))
	return srv.ListenAndServe()
}

type ingestRequest struct {
	Flow    string                 `json:"flow"`
	Payload map[string]interface{} `json:"payload"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := jsonx.Unmarshal(raw, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Flow == "" {
		s.writeError(w, http.StatusBadRequest, "missing flow")
		return
	}
	taskID, err := s.ingress.Ingest(r.Context(), req.Flow, req.Payload)
	if err != nil {
		s.logger.Error("ingest failed", zap.String("flow", req.Flow), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "task publish failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"task_id": taskID})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	wait := s.cfg.ResultTimeout
	if r.URL.Query().Get("wait") == "false" {
		wait = 0
	}

	var (
		res worker.Result
		err error
	)
	if wait > 0 {
		res, err = s.ingress.AwaitResult(r.Context(), taskID, wait)
	} else {
		res, err = s.ingress.Result(r.Context(), taskID)
	}
	if err != nil {
		if errors.Is(err, ErrResultNotReady) {
			s.writeError(w, http.StatusNotFound, "result not ready")
			return
		}
		s.logger.Error("result lookup failed", zap.String("task_id", taskID), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "result lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ingress.Health(r.Context())
	if err != nil {
		s.logger.Warn("health check degraded", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded",
			"error":  "backend unavailable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "streams": snap})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := map[string]persistence.OpStats{}
	if s.metrics != nil {
		stats = s.metrics()
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// requireJWT admits only requests bearing a token signed with the configured
// secret. An empty secret disables the endpoint entirely.
func (s *Server) requireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecret == "" {
			s.writeError(w, http.StatusForbidden, "admin api disabled")
			return
		}
		auth := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || raw == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	raw, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{"error": msg})
}

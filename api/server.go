package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"mexc-quoter/infrastructure/logger"
	"mexc-quoter/internal/session"
	"mexc-quoter/monitor"
)

// Server exposes the bot control surface over HTTP.
type Server struct {
	ctrl    *session.Controller
	mon     *monitor.Monitor
	log     *logger.Logger
	router  *mux.Router
	origins []string
}

// NewServer wires routes for session control, status and metrics.
func NewServer(ctrl *session.Controller, mon *monitor.Monitor, log *logger.Logger, allowedOrigins []string) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		ctrl:    ctrl,
		mon:     mon,
		log:     log,
		router:  mux.NewRouter(),
		origins: allowedOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/start-bot", s.handleStart).Methods(http.MethodPost)
	s.router.HandleFunc("/api/stop-bot", s.handleStop).Methods(http.MethodPost)
	s.router.HandleFunc("/api/bot-status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	if s.mon != nil {
		s.router.Handle("/metrics", s.mon.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the CORS-wrapped root handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	s.log.Info("control api listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

type resultResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var cfg session.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := s.ctrl.Start(cfg); err != nil {
		s.log.Error("start session failed", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		respondJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, resultResponse{
		Status:  "success",
		Message: "trading bot started for " + cfg.Symbol,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	respondJSON(w, http.StatusOK, resultResponse{
		Status:  "success",
		Message: "trading bot stopped",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

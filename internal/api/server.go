// Package api provides the admin HTTP surface of the trade-safety service:
// emergency stop control, circuit breaker inspection, per-user ledger stats,
// order submission through the risk gate and a live status stream.
//
// The API carries no authentication layer; bind it to a private interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tradeguard/internal/execution"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

// Submitter runs a trade through the risk gate and onto the exchange.
type Submitter interface {
	Submit(ctx context.Context, req risk.TradeRequest, balance float64, positions []risk.Position) (*execution.Outcome, error)
}

// Status is the service-wide view returned by /api/v1/status and streamed
// over /ws/status.
type Status struct {
	Timestamp     time.Time                 `json:"timestamp"`
	CanTrade      bool                      `json:"canTrade"`
	EmergencyStop risk.EmergencyStatus      `json:"emergencyStop"`
	OpenBreakers  []string                  `json:"openBreakers"`
	Breakers      []resilience.BreakerStats `json:"breakers"`
	Limits        risk.Limits               `json:"limits"`
}

// Server serves the admin routes.
type Server struct {
	engine    *risk.Engine
	registry  *resilience.Registry
	submitter Submitter

	router         *mux.Router
	server         *http.Server
	upgrader       websocket.Upgrader
	statusInterval time.Duration

	mu        sync.Mutex
	isRunning bool
	stopped   bool
	stop      chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithSubmitter enables POST /api/v1/orders.
func WithSubmitter(s Submitter) Option {
	return func(srv *Server) { srv.submitter = s }
}

// WithStatusInterval sets how often /ws/status pushes a Status.
func WithStatusInterval(d time.Duration) Option {
	return func(srv *Server) { srv.statusInterval = d }
}

// NewServer creates a server listening on port once started.
func NewServer(engine *risk.Engine, registry *resilience.Registry, port int, opts ...Option) *Server {
	s := &Server{
		engine:         engine,
		registry:       registry,
		upgrader:       websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		statusInterval: time.Second,
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws/status", s.handleStatusStream).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/emergency-stop", s.handleEmergencyStop(true)).Methods("POST")
	v1.HandleFunc("/emergency-stop", s.handleEmergencyStop(false)).Methods("DELETE")
	v1.HandleFunc("/breakers", s.handleBreakers).Methods("GET")
	v1.HandleFunc("/breakers/{name}/reset", s.handleBreakerReset).Methods("POST")
	v1.HandleFunc("/users/{id}/stats", s.handleUserStats).Methods("GET")
	v1.HandleFunc("/trades/{orderId}/result", s.handleTradeResult).Methods("POST")
	if s.submitter != nil {
		v1.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	}
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("admin API server is already running")
	}
	if s.stopped {
		return fmt.Errorf("admin API server was stopped and cannot be restarted")
	}

	go func() {
		log.Info().Str("address", s.server.Addr).Msg("Starting admin API server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin API server failed")
		}
	}()

	s.isRunning = true
	return nil
}

// Stop shuts the server down, closing status streams first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	close(s.stop)

	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown admin API server")
		return err
	}

	s.isRunning = false
	s.stopped = true
	log.Info().Msg("Admin API server stopped")
	return nil
}

func (s *Server) status() Status {
	emergency := s.engine.EmergencyStatus()
	open := s.registry.OpenBreakers()
	if open == nil {
		open = []string{}
	}
	return Status{
		Timestamp:     time.Now().UTC(),
		CanTrade:      !emergency.Active,
		EmergencyStop: emergency,
		OpenBreakers:  open,
		Breakers:      s.registry.Stats(),
		Limits:        s.engine.Limits(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(activate bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reasonBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		reason := strings.TrimSpace(body.Reason)
		if reason == "" {
			writeError(w, http.StatusBadRequest, "reason is required")
			return
		}

		if activate {
			s.engine.ActivateEmergencyStop(reason)
		} else {
			s.engine.DeactivateEmergencyStop(reason)
		}
		writeJSON(w, http.StatusOK, s.engine.EmergencyStatus())
	}
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.registry.Reset(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown circuit breaker %q", name))
		return
	}
	log.Info().Str("breaker", name).Msg("circuit breaker reset via admin API")

	cb, _ := s.registry.Get(name)
	writeJSON(w, http.StatusOK, cb.Stats())
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats(mux.Vars(r)["id"]))
}

type tradeResultBody struct {
	UserID  string   `json:"userId"`
	PnL     *float64 `json:"pnl"`
	Balance float64  `json:"balance"`
}

// handleTradeResult books the realized PnL of an order placed earlier. The
// order already counted toward the trade limits when it was placed.
func (s *Server) handleTradeResult(w http.ResponseWriter, r *http.Request) {
	var body tradeResultBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(body.UserID)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if body.PnL == nil {
		writeError(w, http.StatusBadRequest, "pnl is required")
		return
	}

	s.engine.SettleTrade(userID, risk.TradeResult{
		OrderID: mux.Vars(r)["orderId"],
		PnL:     *body.PnL,
		Balance: body.Balance,
	})
	writeJSON(w, http.StatusOK, s.engine.Stats(userID))
}

type orderBody struct {
	Request   risk.TradeRequest `json:"request"`
	Balance   float64           `json:"balance"`
	Positions []risk.Position   `json:"positions"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body orderBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Request.Timestamp.IsZero() {
		body.Request.Timestamp = time.Now().UTC()
	}

	out, err := s.submitter.Submit(r.Context(), body.Request, body.Balance, body.Positions)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, out)
	case errors.Is(err, execution.ErrTradeBlocked):
		writeJSON(w, http.StatusForbidden, out)
	case errors.Is(err, resilience.ErrCircuitOpen):
		writeJSON(w, http.StatusServiceUnavailable, out)
	default:
		log.Warn().Err(err).Str("user", body.Request.UserID).Msg("order submission failed")
		writeJSON(w, http.StatusBadGateway, out)
	}
}

// handleStatusStream pushes a Status every statusInterval until the client
// goes away or the server stops.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade status stream connection")
		return
	}
	defer conn.Close()

	// Reader detects client close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(s.status()); err != nil {
			log.Debug().Err(err).Msg("status stream write failed")
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.stop:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-r.Context().Done():
			return
		}
	}
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

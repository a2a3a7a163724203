package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"arbion-trader-go/internal/errs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIServer provides the HTTP interface for strategy/command collaborators
// and the external scheduler.
type APIServer struct {
	server   *http.Server
	service  *Service
	sentinel *Sentinel
	logger   *zap.Logger
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(service *Service, sentinel *Sentinel, logger *zap.Logger) *APIServer {
	addr := fmt.Sprintf(":%d", service.cfg.Trading.ApiPort)

	s := &APIServer{
		service:  service,
		sentinel: sentinel,
		logger:   logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/orders", s.ordersHandler)
	mux.HandleFunc("/api/orders/cancel", s.cancelHandler)
	mux.HandleFunc("/api/monitor/tick", s.tickHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

// ordersHandler submits a new order (POST) or returns a trade snapshot (GET).
func (s *APIServer) ordersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var sub OrderSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		trade, err := s.service.SubmitOrder(r.Context(), sub)
		if err != nil && trade == nil {
			s.writeError(w, err)
			return
		}
		// Denied and failed trades are returned with their recorded reason;
		// the status code still reflects the error class.
		if err != nil {
			s.writeJSON(w, statusFor(err), trade)
			return
		}
		s.writeJSON(w, http.StatusCreated, trade)

	case http.MethodGet:
		id, ok := tradeIDParam(w, r)
		if !ok {
			return
		}
		trade, err := s.service.GetTrade(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, trade)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *APIServer) cancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}
	trade, err := s.service.CancelOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trade)
}

// tickHandler lets the external scheduler drive a sweep.
func (s *APIServer) tickHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.sentinel.MonitorTick(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		verr *errs.ValidationError
		rerr *errs.RiskError
		berr *errs.BrokerError
		iv   *errs.InvariantViolation
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &rerr):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.As(err, &berr):
		return http.StatusBadGateway
	case errors.As(err, &iv):
		return http.StatusInternalServerError
	case errors.Is(err, errs.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func tradeIDParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := r.URL.Query().Get("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "missing or invalid trade id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

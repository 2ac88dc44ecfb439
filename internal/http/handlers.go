package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rides"
)

// Server exposes the ride lifecycle over HTTP. Identity resolution is
// the auth collaborator's job upstream; we read its verdict from the
// X-User-ID / X-User-Role headers and trust it.
type Server struct {
	cfg      config.ServerConfig
	rides    *rides.Service
	presence *presence.Registry
	geo      geo.Index
	kafka    *ingest.KafkaProducer
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(cfg config.ServerConfig, rideSvc *rides.Service, reg *presence.Registry, geoIdx geo.Index, kafka *ingest.KafkaProducer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		rides:    rideSvc,
		presence: reg,
		geo:      geoIdx,
		kafka:    kafka,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/status", s.handleUpdateStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")

	s.mux.HandleFunc("/api/v1/rides/{ride_id}/join", s.handleJoinRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/passengers/{customer_id}/approve", s.handleApproveJoin).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/passengers/{customer_id}/decline", s.handleDeclineJoin).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/passengers/{customer_id}", s.handleRemovePassenger).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accepting-passengers", s.handleToggleAccepting).Methods("PUT")

	s.mux.HandleFunc("/api/v1/rides/{ride_id}/early-stop", s.handleRequestEarlyStop).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/early-stop/response", s.handleRespondEarlyStop).Methods("POST")

	s.mux.HandleFunc("/api/v1/drivers/duty", s.handleDriverDuty).Methods("PUT")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearbyDrivers).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actorFrom reads the upstream auth verdict. Empty headers mean the
// request never passed the gateway.
func actorFrom(r *http.Request) (models.Actor, bool) {
	id := r.Header.Get("X-User-ID")
	role := models.Role(r.Header.Get("X-User-Role"))
	switch role {
	case models.RoleCustomer, models.RoleDriver, models.RoleOperator:
	default:
		return models.Actor{}, false
	}
	if id == "" {
		return models.Actor{}, false
	}
	return models.Actor{ID: id, Role: role}, true
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.rides.CreateRide(r.Context(), actor, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	ride, err := s.rides.AcceptRide(r.Context(), actor, mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var body struct {
		Status models.RideStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.rides.UpdateRideStatus(r.Context(), actor, mux.Vars(r)["ride_id"], body.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	ride, err := s.rides.CancelRide(r.Context(), actor, mux.Vars(r)["ride_id"], "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleJoinRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	ride, err := s.rides.JoinRide(r.Context(), actor, mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleApproveJoin(w http.ResponseWriter, r *http.Request) {
	s.resolveJoin(w, r, true)
}

func (s *Server) handleDeclineJoin(w http.ResponseWriter, r *http.Request) {
	s.resolveJoin(w, r, false)
}

func (s *Server) resolveJoin(w http.ResponseWriter, r *http.Request, approve bool) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	var (
		ride *models.Ride
		err  error
	)
	if approve {
		ride, err = s.rides.ApproveJoinRequest(r.Context(), actor, vars["ride_id"], vars["customer_id"])
	} else {
		ride, err = s.rides.DeclineJoinRequest(r.Context(), actor, vars["ride_id"], vars["customer_id"], "")
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRemovePassenger(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	vars := mux.Vars(r)
	ride, err := s.rides.RemovePassenger(r.Context(), actor, vars["ride_id"], vars["customer_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleToggleAccepting(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var body struct {
		Accepting bool `json:"accepting"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.rides.ToggleAcceptingPassengers(r.Context(), actor, mux.Vars(r)["ride_id"], body.Accepting)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRequestEarlyStop(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var body struct {
		Drop models.Location `json:"drop"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.rides.RequestEarlyStop(r.Context(), actor, mux.Vars(r)["ride_id"], body.Drop)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRespondEarlyStop(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var body struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.rides.RespondToEarlyStop(r.Context(), actor, mux.Vars(r)["ride_id"], body.Accept)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDriverDuty(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok || actor.Role != models.RoleDriver {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var body struct {
		OnDuty      bool               `json:"on_duty"`
		VehicleType models.VehicleType `json:"vehicle_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.OnDuty && !body.VehicleType.Valid() {
		http.Error(w, "invalid vehicle_type", http.StatusBadRequest)
		return
	}
	if err := s.presence.SetOnDuty(actor.ID, body.VehicleType, body.OnDuty); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}
	if s.geo != nil {
		s.geo.Upsert(d)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if s.geo == nil {
		writeJSON(w, http.StatusOK, []models.Driver{})
		return
	}
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon required", http.StatusBadRequest)
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.geo.Nearby(lat, lon, limit))
}

var upgrader = websocket.Upgrader{}

// handleWS attaches the caller's real-time channel. A reconnect replaces
// the previous channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if actor.ID != mux.Vars(r)["user_id"] {
		http.Error(w, "identity mismatch", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := presence.NewWSChannel(conn)
	s.presence.Connect(actor.ID, actor.Role, ch)
	go s.readUntilClose(actor.ID, ch, conn)
}

// readUntilClose drains inbound frames so pings work, and unregisters
// the session when the socket dies. The unregister is scoped to this
// goroutine's own channel: when the socket died because a reconnect
// replaced it, the new session stays.
func (s *Server) readUntilClose(userID string, ch presence.Channel, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.presence.DisconnectChannel(userID, ch)
			return
		}
	}
}

// writeError maps the service taxonomy onto HTTP statuses. Conflict-ish
// outcomes share 409 with a machine-readable code so clients can decide
// whether re-reading and retrying makes sense.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	var code string
	switch {
	case errors.Is(err, rides.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, rides.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, rides.ErrAlreadyTaken):
		status, code = http.StatusConflict, "already_taken"
	case errors.Is(err, rides.ErrStaleWrite):
		status, code = http.StatusConflict, "stale_write"
	case errors.Is(err, rides.ErrCapacityExceeded):
		status, code = http.StatusConflict, "capacity_exceeded"
	case errors.Is(err, rides.ErrNotJoinable):
		status, code = http.StatusConflict, "not_joinable"
	case errors.Is(err, rides.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, rides.ErrInvalidState), errors.Is(err, presence.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	default:
		s.logger.Error("internal error", "error", err)
		status, code = http.StatusInternalServerError, "internal"
	}
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-dispatch/internal/commands"
	"github.com/example/campus-dispatch/internal/funds"
	"github.com/example/campus-dispatch/internal/geo"
	"github.com/example/campus-dispatch/internal/models"
	"github.com/example/campus-dispatch/internal/notify"
	"github.com/example/campus-dispatch/internal/storage"
)

// Server is the HTTP intake surface. It persists request records, places
// fare holds, and feeds the command channel; all matching decisions live
// in the dispatcher process.
type Server struct {
	Geo    geo.Index
	Store  storage.RequestStore
	Bus    commands.Bus
	Funds  funds.Coordinator
	WSReg  *notify.WSRegistry
	logger *slog.Logger

	RequestBudget    time.Duration
	DefaultFareCents int64

	mux *mux.Router
}

func NewServer(g geo.Index, store storage.RequestStore, bus commands.Bus, fc funds.Coordinator, ws *notify.WSRegistry, logger *slog.Logger, budget time.Duration, defaultFare int64) *Server {
	s := &Server{
		Geo:              g,
		Store:            store,
		Bus:              bus,
		Funds:            fc,
		WSReg:            ws,
		logger:           logger,
		RequestBudget:    budget,
		DefaultFareCents: defaultFare,
		mux:              mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/response", s.handleDriverResponse).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/claim", s.handleDriverClaim).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	RiderID           string             `json:"rider_id"`
	RiderName         string             `json:"rider_name"`
	Kind              models.RequestKind `json:"kind"`
	Origin            models.Coord       `json:"origin"`
	Destination       models.Coord       `json:"destination"`
	PickupLabel       string             `json:"pickup_label"`
	DropoffLabel      string             `json:"dropoff_label"`
	RequestedPickupAt time.Time          `json:"requested_pickup_at"`
	TargetRideID      string             `json:"target_ride_id"`
	FareCents         int64              `json:"fare_cents"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.RiderID == "" {
		http.Error(w, "rider_id required", http.StatusBadRequest)
		return
	}
	if body.Kind == "" {
		body.Kind = models.KindBooking
	}
	if body.Kind == models.KindJoinRide && body.TargetRideID == "" {
		http.Error(w, "target_ride_id required for join requests", http.StatusBadRequest)
		return
	}
	fare := body.FareCents
	if fare <= 0 {
		fare = s.DefaultFareCents
	}
	now := time.Now()
	req := &models.RideRequest{
		ID:                uuid.NewString(),
		RiderID:           body.RiderID,
		RiderName:         body.RiderName,
		Kind:              body.Kind,
		Origin:            body.Origin,
		Destination:       body.Destination,
		PickupLabel:       body.PickupLabel,
		DropoffLabel:      body.DropoffLabel,
		RequestedPickupAt: body.RequestedPickupAt,
		TargetRideID:      body.TargetRideID,
		Status:            models.RequestPending,
		FareCents:         fare,
		Deadline:          now.Add(s.RequestBudget),
		CreatedAt:         now,
	}

	holdID, err := s.Funds.PlaceHold(r.Context(), req.RiderID, req.FareCents, "usd")
	if err != nil {
		s.logger.Error("fare hold failed", "rider_id", req.RiderID, "error", err)
		http.Error(w, "payment hold failed", http.StatusPaymentRequired)
		return
	}
	req.FareHoldID = holdID

	if err := s.Store.SaveRequest(req); err != nil {
		s.logger.Error("request save failed", "request_id", req.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	created := commands.New(req.ID, commands.TypeRequestCreated)
	created.CreatedAt = req.CreatedAt
	if err := s.Bus.Publish(r.Context(), created); err != nil {
		s.logger.Error("creation event publish failed", "request_id", req.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"request_id": req.ID, "deadline": req.Deadline})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cmd := commands.New(id, commands.TypeCancelMatching)
	if err := s.Bus.Publish(r.Context(), cmd); err != nil {
		s.logger.Error("cancel publish failed", "request_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type driverResponseBody struct {
	DriverID  string `json:"driver_id"`
	RideID    string `json:"ride_id"`
	Accepted  bool   `json:"accepted"`
	Broadcast bool   `json:"broadcast"`
}

func (s *Server) handleDriverResponse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body driverResponseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	cmd := commands.New(id, commands.TypeDriverResponse)
	cmd.DriverID = body.DriverID
	cmd.RideID = body.RideID
	cmd.Accepted = body.Accepted
	cmd.Broadcast = body.Broadcast
	if err := s.Bus.Publish(r.Context(), cmd); err != nil {
		s.logger.Error("response publish failed", "request_id", id, "driver_id", body.DriverID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type driverClaimBody struct {
	DriverID string `json:"driver_id"`
}

// handleDriverClaim lets a driver register interest in a broadcasting
// request discovered through the feed; validation happens in the
// dispatcher where phase is known.
func (s *Server) handleDriverClaim(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body driverClaimBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	cmd := commands.New(id, commands.TypeDriverInterest)
	cmd.DriverID = body.DriverID
	if err := s.Bus.Publish(r.Context(), cmd); err != nil {
		s.logger.Error("claim publish failed", "request_id", id, "driver_id", body.DriverID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.Online = true
	s.Geo.Upsert(d)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func newID() string { return uuid.NewString() }

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-hailing/internal/bus"
	"github.com/example/ride-hailing/internal/cell"
	"github.com/example/ride-hailing/internal/dispatch"
	"github.com/example/ride-hailing/internal/events"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/observability"
	"github.com/example/ride-hailing/internal/surge"
)

const tenantHeader = "X-Tenant-ID"

type Server struct {
	engine    *dispatch.Engine
	surge     *surge.Calculator
	geo       geo.Index
	publisher bus.Publisher
	wsreg     *dispatch.WSRegistry
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(engine *dispatch.Engine, calc *surge.Calculator, geoIndex geo.Index,
	publisher bus.Publisher, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		engine:    engine,
		surge:     calc,
		geo:       geoIndex,
		publisher: publisher,
		wsreg:     wsreg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/rides/{rideId}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/rides/{rideId}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/rides/{rideId}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/rides/{rideId}/driver-arrived", s.handleDriverArrived).Methods("POST")
	s.mux.HandleFunc("/rides/{rideId}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/rides/{rideId}/cancel", s.handleCancel).Methods("POST")

	s.mux.HandleFunc("/surge/{cellId}", s.handleSurgeByCell).Methods("GET")
	s.mux.HandleFunc("/surge", s.handleSurgeByLatLng).Methods("GET").Queries("lat", "{lat}", "lng", "{lng}")

	s.mux.HandleFunc("/internal/drivers/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/drivers/{driverId}", s.handleWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// --- dispatch surface ---

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "unreadable body")
		return
	}
	var req dispatch.RideRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	// Re-encoding the decoded request gives a canonical form, so whitespace
	// and key order do not change the idempotency hash.
	canonical, _ := json.Marshal(req)
	if tenant := r.Header.Get(tenantHeader); tenant != "" {
		req.TenantID = tenant
	}
	idemKey := r.Header.Get("Idempotency-Key")

	summary, err := s.engine.CreateRide(r.Context(), req, idemKey, dispatch.BodyHash(canonical))
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rideID, ok := s.rideID(w, r)
	if !ok {
		return
	}
	summary, err := s.engine.GetRide(r.Context(), rideID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.engine.Accept)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.engine.Decline)
}

func (s *Server) handleDriverArrived(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.engine.DriverArrived)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.driverAction(w, r, s.engine.Start)
}

func (s *Server) driverAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, rideID uuid.UUID, driverID string) (*dispatch.RideSummary, error)) {
	rideID, ok := s.rideID(w, r)
	if !ok {
		return
	}
	driverID, ok := s.driverID(w, r)
	if !ok {
		return
	}
	summary, err := action(r.Context(), rideID, driverID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID, ok := s.rideID(w, r)
	if !ok {
		return
	}
	requesterID := r.URL.Query().Get("requesterId")
	if requesterID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "requesterId is required")
		return
	}
	summary, err := s.engine.Cancel(r.Context(), rideID, requesterID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- surge surface ---

func (s *Server) handleSurgeByCell(w http.ResponseWriter, r *http.Request) {
	cellID := mux.Vars(r)["cellId"]
	s.writeSurge(w, r, cellID)
}

func (s *Server) handleSurgeByLatLng(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "lat and lng must be numbers")
		return
	}
	s.writeSurge(w, r, cell.SurgeCell(lat, lng))
}

func (s *Server) writeSurge(w http.ResponseWriter, r *http.Request, cellID string) {
	tenantID := r.Header.Get(tenantHeader)
	multiplier, err := s.surge.Get(r.Context(), tenantID, cellID)
	if err != nil {
		s.logger.Error("surge lookup failed", "cell", cellID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "surge lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"geoCell":         cellID,
		"surgeMultiplier": multiplier,
	})
}

// --- driver location write path (local/dev feed for the geo index) ---

type locationUpdate struct {
	DriverID    string              `json:"driverId"`
	Latitude    float64             `json:"latitude"`
	Longitude   float64             `json:"longitude"`
	RegionID    string              `json:"regionId"`
	Status      models.DriverStatus `json:"status"`
	Tier        models.VehicleTier  `json:"tier"`
	Rating      float64             `json:"rating"`
	DeclineRate float64             `json:"declineRate"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var upd locationUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	if upd.DriverID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "driverId is required")
		return
	}
	if upd.RegionID == "" {
		upd.RegionID = "default"
	}
	if upd.Status == "" {
		upd.Status = models.DriverIdle
	}
	meta := models.DriverMeta{
		DriverID:    upd.DriverID,
		Status:      upd.Status,
		Tier:        upd.Tier,
		Rating:      upd.Rating,
		DeclineRate: upd.DeclineRate,
		RegionID:    upd.RegionID,
		Location:    models.Coord{Lat: upd.Latitude, Lng: upd.Longitude},
	}
	if err := s.geo.Upsert(r.Context(), meta); err != nil {
		s.logger.Error("geo upsert failed", "driver_id", upd.DriverID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "geo index update failed")
		return
	}
	if s.publisher != nil {
		evt := events.DriverLocationUpdated{
			DriverID:  upd.DriverID,
			Latitude:  upd.Latitude,
			Longitude: upd.Longitude,
			RegionID:  upd.RegionID,
			Status:    upd.Status,
			Tier:      upd.Tier,
			Rating:    upd.Rating,
		}
		if err := s.publisher.Publish(r.Context(), events.TopicDriverLocationUpdated, upd.DriverID, evt); err != nil {
			s.logger.Warn("location event publish failed", "driver_id", upd.DriverID, "error", err)
		}
	}
	observability.DriversOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// --- websocket ---

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driverId"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "upgrade failed")
		return
	}
	s.wsreg.Add(driverID, conn)
}

// --- helpers ---

func (s *Server) rideID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["rideId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "rideId must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) driverID(w http.ResponseWriter, r *http.Request) (string, bool) {
	driverID := r.URL.Query().Get("driverId")
	if driverID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "driverId is required")
		return "", false
	}
	return driverID, true
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var derr *dispatch.Error
	if errors.As(err, &derr) {
		writeError(w, statusForCode(derr.Code), derr.Code, derr.Message)
		return
	}
	s.logger.Error("internal error", "error", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func statusForCode(code string) int {
	switch code {
	case dispatch.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case dispatch.CodeRideNotFound:
		return http.StatusNotFound
	case dispatch.CodeIdempotencyConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/ride-hailing/internal/bus"
	"github.com/example/ride-hailing/internal/dispatch"
	"github.com/example/ride-hailing/internal/flags"
	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/locks"
	"github.com/example/ride-hailing/internal/models"
	"github.com/example/ride-hailing/internal/storage"
	"github.com/example/ride-hailing/internal/surge"
)

type apiRig struct {
	server *Server
	flags  *flags.MemoryStore
	bus    *bus.MemoryBus
}

func newAPIRig() *apiRig {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	geoIndex := geo.NewMemoryIndex()
	flagStore := flags.NewMemoryStore()
	memBus := bus.NewMemoryBus()
	locker := locks.NewMemoryLocker()

	engine := dispatch.NewEngine(store, geoIndex, locker, flagStore, memBus, logger, dispatch.DefaultConfig())
	engine.SetIdempotencyCache(dispatch.NewMemoryIdempotencyCache())
	wsreg := dispatch.NewWSRegistry(logger)
	engine.SetNotifier(wsreg)
	calc := surge.NewCalculator(surge.NewMemoryWindow(), store, flagStore, logger)

	return &apiRig{
		server: NewServer(engine, calc, geoIndex, memBus, wsreg, logger),
		flags:  flagStore,
		bus:    memBus,
	}
}

func (r *apiRig) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.server.ServeHTTP(rr, req)
	return rr
}

const rideBody = `{"riderId":"usr_101","pickup":{"lat":12.9716,"lng":77.5946},` +
	`"destination":{"lat":12.9352,"lng":77.6245},"tier":"ECONOMY",` +
	`"paymentMethod":"CARD","regionId":"ap-south-1"}`

func (r *apiRig) seedDriver(t *testing.T) {
	t.Helper()
	body := `{"driverId":"drv_001","latitude":12.9716,"longitude":77.5946,` +
		`"regionId":"ap-south-1","status":"IDLE","tier":"ECONOMY","rating":4.9,"declineRate":0.05}`
	rr := r.do(t, http.MethodPost, "/internal/drivers/locations", body, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("location update failed: %d %s", rr.Code, rr.Body.String())
	}
}

func TestCreateRideReturns201Dispatching(t *testing.T) {
	r := newAPIRig()
	r.seedDriver(t)

	rr := r.do(t, http.MethodPost, "/rides", rideBody, map[string]string{"Idempotency-Key": "ik-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var summary dispatch.RideSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Status != models.RideDispatching {
		t.Fatalf("expected DISPATCHING, got %s", summary.Status)
	}

	// GET returns the same ride.
	get := r.do(t, http.MethodGet, "/rides/"+summary.RideID.String(), "", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}
}

func TestGetUnknownRideIs404(t *testing.T) {
	r := newAPIRig()
	rr := r.do(t, http.MethodGet, "/rides/2f0c0f1e-0000-4000-8000-000000000000", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestKillSwitchReturns503(t *testing.T) {
	r := newAPIRig()
	r.seedDriver(t)
	_ = r.flags.Set(context.Background(), "tenant-T", flags.DispatchKillSwitch, true)

	rr := r.do(t, http.MethodPost, "/rides", rideBody, map[string]string{
		"Idempotency-Key": "ik-1",
		"X-Tenant-ID":     "tenant-T",
	})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var errBody map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &errBody)
	if errBody["code"] != dispatch.CodeServiceUnavailable {
		t.Fatalf("expected SERVICE_UNAVAILABLE code, got %v", errBody)
	}
}

func TestAcceptConflictSurfacesCleanly(t *testing.T) {
	r := newAPIRig()
	r.seedDriver(t)

	rr := r.do(t, http.MethodPost, "/rides", rideBody, map[string]string{"Idempotency-Key": "ik-1"})
	var summary dispatch.RideSummary
	_ = json.Unmarshal(rr.Body.Bytes(), &summary)
	base := "/rides/" + summary.RideID.String()

	win := r.do(t, http.MethodPost, base+"/accept?driverId=drv_001", "", nil)
	if win.Code != http.StatusOK {
		t.Fatalf("first accept should win: %d %s", win.Code, win.Body.String())
	}
	lose := r.do(t, http.MethodPost, base+"/accept?driverId=drv_002", "", nil)
	if lose.Code != http.StatusBadRequest {
		t.Fatalf("second accept should get 400, got %d", lose.Code)
	}
	var errBody map[string]string
	_ = json.Unmarshal(lose.Body.Bytes(), &errBody)
	if errBody["code"] != dispatch.CodeRideAlreadyAccepted {
		t.Fatalf("expected RIDE_ALREADY_ACCEPTED, got %v", errBody)
	}
}

func TestIdempotencyConflictIs409(t *testing.T) {
	r := newAPIRig()
	r.seedDriver(t)

	first := r.do(t, http.MethodPost, "/rides", rideBody, map[string]string{"Idempotency-Key": "ik-9"})
	if first.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", first.Code)
	}
	mutated := strings.Replace(rideBody, "usr_101", "usr_999", 1)
	second := r.do(t, http.MethodPost, "/rides", mutated, map[string]string{"Idempotency-Key": "ik-9"})
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 on hash mismatch, got %d", second.Code)
	}
}

func TestSurgeEndpointsReturnMultiplier(t *testing.T) {
	r := newAPIRig()

	rr := r.do(t, http.MethodGet, "/surge/8860145d0bfffff", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["surgeMultiplier"].(float64) != 1.0 {
		t.Fatalf("unknown cell should be 1.0: %v", resp)
	}

	byLoc := r.do(t, http.MethodGet, "/surge?lat=12.9716&lng=77.5946", "", nil)
	if byLoc.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", byLoc.Code)
	}
	_ = json.Unmarshal(byLoc.Body.Bytes(), &resp)
	if resp["geoCell"] == "" {
		t.Fatal("lat/lng lookup must resolve a cell id")
	}
}

func TestCancelInProgressIs400(t *testing.T) {
	r := newAPIRig()
	r.seedDriver(t)

	rr := r.do(t, http.MethodPost, "/rides", rideBody, map[string]string{"Idempotency-Key": "ik-1"})
	var summary dispatch.RideSummary
	_ = json.Unmarshal(rr.Body.Bytes(), &summary)
	base := "/rides/" + summary.RideID.String()

	r.do(t, http.MethodPost, base+"/accept?driverId=drv_001", "", nil)
	r.do(t, http.MethodPost, base+"/driver-arrived?driverId=drv_001", "", nil)
	r.do(t, http.MethodPost, base+"/start?driverId=drv_001", "", nil)

	cancel := r.do(t, http.MethodPost, base+"/cancel?requesterId=usr_101", "", nil)
	if cancel.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 CANNOT_CANCEL, got %d", cancel.Code)
	}
	var errBody map[string]string
	_ = json.Unmarshal(cancel.Body.Bytes(), &errBody)
	if errBody["code"] != dispatch.CodeCannotCancel {
		t.Fatalf("expected CANNOT_CANCEL, got %v", errBody)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"fermentation-monitor-backend/config"
	"fermentation-monitor-backend/internal/db"
	"fermentation-monitor-backend/internal/ingest"
	"fermentation-monitor-backend/internal/liveness"
	"fermentation-monitor-backend/internal/metrics"
	"fermentation-monitor-backend/internal/model"
	"fermentation-monitor-backend/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	store  store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := store.NewGormStore(gormDB)
	svc := ingest.NewService(st, zap.NewNop(), ingest.WithMetrics(m))
	mon := liveness.NewMonitor(st, config.LivenessConfig{Timeout: 10 * time.Second}, zap.NewNop(), m)
	h := NewHandler(st, svc, mon, &webpush.Options{VAPIDPublicKey: "test-public-key"}, zap.NewNop())

	cfg := config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 1}
	return &testServer{router: NewRouter(h, cfg, reg), store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) device(t *testing.T, code string) model.Device {
	t.Helper()
	d, err := s.store.ResolveOrRegisterDevice(context.Background(), code)
	require.NoError(t, err)
	return d
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPostTelemetry(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantError string
	}{
		{"direct payload", `{"device_code":"0001","ph":6.99,"temp_c":27.4,"water_level":85.5,"mode":"auto"}`, http.StatusOK, ""},
		{"broker envelope", `{"topic":"farm/0002/sensors","payload":"{\"ph\":6.9,\"temp_c\":27,\"water_level\":80}"}`, http.StatusOK, ""},
		{"missing device code", `{"ph":6.99,"temp_c":27.4,"water_level":85.5}`, http.StatusBadRequest, "missing_device_identifier"},
		{"malformed json", `{"device_code":`, http.StatusBadRequest, "invalid_payload"},
		{"out of range ph", `{"device_code":"0001","ph":15,"temp_c":27.4,"water_level":85.5}`, http.StatusBadRequest, "invalid_payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w := s.do(t, http.MethodPost, "/api/ingest/telemetry", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())

			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decode[map[string]any](t, w)["error"])
				return
			}
			res := decode[ingest.Result](t, w)
			assert.NotZero(t, res.DeviceID)
			assert.NotZero(t, res.TelemetryID)
			assert.Nil(t, res.RunID)
		})
	}
}

func TestRunLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	d := s.device(t, "0001")
	base := "/api/devices/" + itoa(d.ID)

	w := s.do(t, http.MethodGet, base+"/runs/active", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"no_active_run"}`, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/runs/start", map[string]any{"mode": "auto", "target_ph": 4.5})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	run := decode[model.FermentationRun](t, w)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.InDelta(t, 4.5, run.TargetPH, 1e-9)

	w = s.do(t, http.MethodPost, base+"/runs/start", map[string]any{"mode": "auto"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"already_running"}`, w.Body.String())

	w = s.do(t, http.MethodGet, base+"/runs/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, run.ID, decode[model.FermentationRun](t, w).ID)

	// Readings during the run become snapshots.
	start := time.Now().UTC().Add(-time.Minute)
	for i, ph := range []float64{5.2, 4.9} {
		w = s.do(t, http.MethodPost, "/api/ingest/telemetry", map[string]any{
			"device_code": "0001", "ph": ph, "temp_c": 26, "water_level": 80,
			"timestamp": start.Add(time.Duration(i) * time.Second).Format(time.RFC3339Nano),
		})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w = s.do(t, http.MethodGet, "/api/runs/"+itoa(run.ID)+"/snapshots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snaps := decode[snapshotsResponse](t, w)
	require.NotNil(t, snaps.First)
	require.NotNil(t, snaps.Last)
	assert.InDelta(t, 5.2, snaps.First.PH, 1e-9)
	assert.InDelta(t, 4.9, snaps.Last.PH, 1e-9)

	w = s.do(t, http.MethodPost, base+"/runs/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stopped := decode[model.FermentationRun](t, w)
	assert.Equal(t, model.RunStatusDone, stopped.Status)
	assert.NotNil(t, stopped.EndedAt)

	w = s.do(t, http.MethodPost, base+"/runs/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"stopped":false}`, w.Body.String())
}

func TestStartRun_Validation(t *testing.T) {
	s := newTestServer(t)
	d := s.device(t, "0001")

	tests := []struct {
		name     string
		path     string
		body     any
		wantCode int
	}{
		{"unknown device", "/api/devices/999/runs/start", map[string]any{"mode": "auto"}, http.StatusNotFound},
		{"bad device id", "/api/devices/abc/runs/start", map[string]any{"mode": "auto"}, http.StatusBadRequest},
		{"bad mode", "/api/devices/" + itoa(d.ID) + "/runs/start", map[string]any{"mode": "turbo"}, http.StatusBadRequest},
		{"bad target", "/api/devices/" + itoa(d.ID) + "/runs/start", map[string]any{"mode": "auto", "target_ph": 0}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestStartRun_DefaultsToSettingsTarget(t *testing.T) {
	s := newTestServer(t)
	d := s.device(t, "0001")
	base := "/api/devices/" + itoa(d.ID)

	w := s.do(t, http.MethodGet, base+"/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings := decode[model.DeviceSettings](t, w)
	assert.InDelta(t, store.DefaultTargetPH, settings.TargetPH, 1e-9)
	assert.True(t, settings.AutoDrainPreference)

	w = s.do(t, http.MethodPut, base+"/settings", map[string]any{"target_ph": 4.2, "auto_drain_preference": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/runs/start", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	run := decode[model.FermentationRun](t, w)
	assert.Equal(t, model.RunModeAuto, run.Mode)
	assert.InDelta(t, 4.2, run.TargetPH, 1e-9)

	w = s.do(t, http.MethodPut, base+"/settings", map[string]any{"target_ph": 4.2})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, "/api/devices/999/settings", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTelemetry(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		w := s.do(t, http.MethodPost, "/api/ingest/telemetry", map[string]any{
			"device_code": "0001", "ph": 5.0 + float64(i)/10, "temp_c": 26, "water_level": 80,
			"timestamp": time.Now().UTC().Add(time.Duration(i-3) * time.Second).Format(time.RFC3339Nano),
		})
		require.Equal(t, http.StatusOK, w.Code)
	}
	d := s.device(t, "0001")
	base := "/api/devices/" + itoa(d.ID) + "/telemetry"

	w := s.do(t, http.MethodGet, base+"?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	readings := decode[[]model.Telemetry](t, w)
	require.Len(t, readings, 2)
	assert.InDelta(t, 5.2, readings[0].PH, 1e-9, "newest first")

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base+"?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, base+"?limit=501", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/devices/999/telemetry", nil).Code)
}

func TestPostSweep(t *testing.T) {
	s := newTestServer(t)
	d := s.device(t, "0001")
	require.NoError(t, s.store.MarkSeen(context.Background(), d.ID, time.Now().UTC().Add(-time.Minute)))

	w := s.do(t, http.MethodPost, "/api/liveness/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[liveness.SweepResult](t, w)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, []int64{d.ID}, res.DeviceIDs)

	w = s.do(t, http.MethodPost, "/api/liveness/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":0,"device_ids":[]}`, w.Body.String())
}

func TestCommandEndpoints(t *testing.T) {
	s := newTestServer(t)
	d := s.device(t, "0001")

	w := s.do(t, http.MethodPost, "/api/devices/"+itoa(d.ID)+"/commands", map[string]any{
		"kind": "SET_MODE", "payload": map[string]any{"mode": "manual"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	cmd := decode[model.DeviceCommand](t, w)
	assert.Equal(t, model.CommandStatusQueued, cmd.Status)
	assert.Nil(t, cmd.RunID)
	assert.Contains(t, cmd.Payload, `"correlation_id"`)

	w = s.do(t, http.MethodPost, "/api/devices/"+itoa(d.ID)+"/commands", map[string]any{"kind": "SET_MODE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/api/devices/"+itoa(d.ID)+"/commands", map[string]any{"kind": "SELF_DESTRUCT"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/commands?status=queued", nil)
	require.Equal(t, http.StatusOK, w.Code)
	queued := decode[[]model.DeviceCommand](t, w)
	require.Len(t, queued, 1)
	assert.Equal(t, cmd.ID, queued[0].ID)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/commands?status=failed", nil).Code)

	ack := "/api/commands/" + itoa(cmd.ID) + "/ack"
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, ack, map[string]any{"status": "queued"}).Code)

	w = s.do(t, http.MethodPost, ack, map[string]any{"status": "delivered"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	acked := decode[model.DeviceCommand](t, w)
	assert.Equal(t, model.CommandStatusDelivered, acked.Status)
	assert.Equal(t, 1, acked.Attempts)

	w = s.do(t, http.MethodPost, ack, map[string]any{"status": "failed", "error": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = s.do(t, http.MethodPost, "/api/commands/999/ack", map[string]any{"status": "delivered"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/commands", nil)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestSubscriptionEndpoints(t *testing.T) {
	s := newTestServer(t)
	d1 := s.device(t, "0001")
	d2 := s.device(t, "0002")

	w := s.do(t, http.MethodPut, "/api/subscriptions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())

	w = s.do(t, http.MethodPut, "/api/subscriptions", map[string]any{
		"endpoint": "https://push.example.com/abc", "p256dh": "key", "auth": "secret",
		"subscribed_devices": []int64{d1.ID, d2.ID},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/subscriptions?endpoint=https://push.example.com/abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string][]int64](t, w)
	assert.ElementsMatch(t, []int64{d1.ID, d2.ID}, got["subscribed_devices"])

	w = s.do(t, http.MethodPut, "/api/subscriptions", map[string]any{
		"endpoint": "https://push.example.com/abc", "p256dh": "key2", "auth": "secret",
		"subscribed_devices": []int64{d2.ID},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(t, http.MethodGet, "/api/subscriptions?endpoint=https://push.example.com/abc", nil)
	assert.JSONEq(t, `{"subscribed_devices":[`+itoa(d2.ID)+`]}`, w.Body.String())

	w = s.do(t, http.MethodDelete, "/api/subscriptions", map[string]any{"endpoint": "https://push.example.com/abc"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/api/subscriptions?endpoint=https://push.example.com/abc", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/subscriptions", nil).Code)
}

func TestVAPIDAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/vapid_public_key", nil)
	assert.JSONEq(t, `{"public_key":"test-public-key"}`, w.Body.String())

	s.do(t, http.MethodPost, "/api/ingest/telemetry", `{"ph":1}`)
	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fermentd_readings_ingested_total{outcome="missing_device_identifier"} 1`)
}

func TestGetVAPIDPublicKey_NotConfigured(t *testing.T) {
	r := gin.New()
	h := NewHandler(nil, nil, nil, nil, zap.NewNop())
	r.GET("/api/vapid_public_key", h.GetVAPIDPublicKey)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/vapid_public_key", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

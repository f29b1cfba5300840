package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hivcare/clinic/internal/config"
	"github.com/hivcare/clinic/internal/domain/scheduling"
	"github.com/hivcare/clinic/internal/platform/notification"
	"github.com/hivcare/clinic/internal/platform/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                 "development",
		StoreDriver:         config.DriverMemory,
		FacilityTimezone:    "Africa/Kampala",
		DefaultSlotMinutes:  20,
		DefaultPageSize:     10,
		MaxPageSize:         50,
		MaxAvailabilityDays: 14,
		RequestTimeout:      5 * time.Second,
		BodyLimit:           "64K",
		RateLimitRPS:        100,
		RateLimitBurst:      100,
		NotifyTimeout:       time.Second,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	be, err := openBackend(context.Background(), cfg, zerolog.Nop(), false)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	t.Cleanup(be.close)
	svc := scheduling.NewService(be.store, schedulingConfig(cfg), notification.NopSink{}, zerolog.Nop())
	t.Cleanup(svc.Wait)
	return newServer(cfg, svc, websocket.NewHub(zerolog.Nop()), be.health, zerolog.Nop())
}

func serve(e *echo.Echo, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_PublicEndpoints(t *testing.T) {
	e := newTestServer(t, testConfig())

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		if rec := serve(e, http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}
	rec := serve(e, http.MethodGet, "/health", "", nil)
	if rec.Header().Get("X-Request-ID") == "" || rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected request id and security headers on every response")
	}
}

func TestServer_DevAuthBookingFlow(t *testing.T) {
	e := newTestServer(t, testConfig())

	rec := serve(e, http.MethodPost, "/api/v1/doctors", `{"name":"Dr. Nansubuga","specialty":"HIV care"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create doctor: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var doctor scheduling.Doctor
	if err := json.Unmarshal(rec.Body.Bytes(), &doctor); err != nil {
		t.Fatalf("decode doctor: %v", err)
	}
	if !doctor.IsAvailable {
		t.Error("expected new doctor to be available")
	}

	rec = serve(e, http.MethodGet, "/api/v1/doctors/"+doctor.ID.String(), "", map[string]string{"X-Dev-Roles": "patient"})
	if rec.Code != http.StatusOK {
		t.Errorf("patient reading a doctor: expected 200, got %d", rec.Code)
	}

	rec = serve(e, http.MethodPost, "/api/v1/doctors", `{"name":"Dr. X"}`, map[string]string{"X-Dev-Roles": "patient"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("patient creating a doctor: expected 403, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/api/v1/events", "", map[string]string{"X-Dev-Roles": "patient"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("patient opening the event feed: expected 403, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/api/v1/no-such-route", "", map[string]string{"X-Dev-Roles": "patient"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("patient on an unknown path: expected 404, got %d", rec.Code)
	}
}

func TestServer_JWTRequired(t *testing.T) {
	cfg := testConfig()
	cfg.AuthSigningKey = "0123456789abcdef0123456789abcdef"
	e := newTestServer(t, cfg)

	if rec := serve(e, http.MethodGet, "/api/v1/doctors", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", rec.Code)
	}
}

func TestServer_BodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.BodyLimit = "16"
	e := newTestServer(t, cfg)

	rec := serve(e, http.MethodPost, "/api/v1/doctors", `{"name":"Dr. With A Long Name"}`, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestSchedulingConfig(t *testing.T) {
	sc := schedulingConfig(testConfig())
	if sc.DefaultSlotDuration != 20*time.Minute {
		t.Errorf("expected 20m slots, got %s", sc.DefaultSlotDuration)
	}
	if sc.MaxPageSize != 50 || sc.MaxAvailabilityDays != 14 || sc.NotifyTimeout != time.Second {
		t.Errorf("unexpected config %+v", sc)
	}
	if sc.Location.String() != "Africa/Kampala" {
		t.Errorf("expected facility timezone, got %s", sc.Location)
	}
}

func TestNewSink(t *testing.T) {
	cfg := testConfig()
	sink, err := newSink(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newSink: %v", err)
	}
	if m, ok := sink.(notification.Multi); !ok || len(m) != 1 {
		t.Errorf("expected log sink only, got %#v", sink)
	}

	sink, _ = newSink(cfg, zerolog.Nop(), websocket.NewHub(zerolog.Nop()))
	if m, ok := sink.(notification.Multi); !ok || len(m) != 2 {
		t.Errorf("expected log and hub sinks, got %#v", sink)
	}

	cfg.TelegramBotToken = "123456:test-token"
	cfg.TelegramChatID = -1001
	sink, err = newSink(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newSink with telegram: %v", err)
	}
	if m, ok := sink.(notification.Multi); !ok || len(m) != 2 {
		t.Errorf("expected log and telegram sinks, got %#v", sink)
	}

	cfg.WebhookURLs = []string{"https://reminders.example/in"}
	cfg.WebhookSecret = "whsec"
	sink, err = newSink(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newSink with webhook: %v", err)
	}
	if m, ok := sink.(notification.Multi); !ok || len(m) != 3 {
		t.Errorf("expected three sinks, got %#v", sink)
	}
}

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = config.DriverSQLite
	cfg.SQLitePath = ":memory:"

	be, err := openBackend(context.Background(), cfg, zerolog.Nop(), false)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer be.close()
	if _, _, err := be.store.Doctors.List(context.Background(), 10, 0); err != nil {
		t.Errorf("expected migrated schema, got %v", err)
	}
}

func TestOpenBackend_Unsupported(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "mongo"
	if _, err := openBackend(context.Background(), cfg, zerolog.Nop(), false); err == nil {
		t.Error("expected error for unknown driver")
	}
}

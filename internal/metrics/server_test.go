package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestServer_Health(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	s.RegisterHealthCheck("session", func() Check {
		return Check{Status: "healthy"}
	})

	rr := httptest.NewRecorder()
	s.healthHandler(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("status = %q", status.Status)
	}
	if _, ok := status.Checks["session"]; !ok {
		t.Error("expected session check in response")
	}
}

func TestServer_HealthUnhealthy(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	s.RegisterHealthCheck("stream", func() Check {
		return Check{Status: "unhealthy", Message: "disconnected"}
	})

	rr := httptest.NewRecorder()
	s.healthHandler(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Port = 0 // ephemeral
	s := NewServer(cfg, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if s.Uptime() <= 0 {
		t.Error("expected positive uptime")
	}
}

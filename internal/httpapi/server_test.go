package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealthAllChecksPass(t *testing.T) {
	s := New(":0", nil, nil)
	s.RegisterCheck("connection", func() HealthReport { return HealthReport{Healthy: true} })
	s.RegisterCheck("writer", func() HealthReport { return HealthReport{Healthy: true} })

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got HealthSummary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", got.Status)
	}
	if len(got.Dependencies) != 2 {
		t.Fatalf("expected 2 dependencies, got %d", len(got.Dependencies))
	}
}

func TestHandleHealthUnhealthyDependencyReports503(t *testing.T) {
	s := New(":0", nil, nil)
	s.RegisterCheck("connection", func() HealthReport { return HealthReport{Healthy: false, Detail: "no route to host"} })

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var got HealthSummary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "unhealthy" {
		t.Fatalf("expected unhealthy, got %q", got.Status)
	}
}

func TestHandleHealthDegradedDoesNotFail(t *testing.T) {
	s := New(":0", nil, nil)
	s.RegisterCheck("connection", func() HealthReport { return DegradedDetail("no events received since subscribing") })

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for degraded (not unhealthy), got %d", rec.Code)
	}
	var got HealthSummary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", got.Status)
	}
}

func TestHandleReady(t *testing.T) {
	s := New(":0", nil, nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRunChecks_AllHealthy(t *testing.T) {
	checks := map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	}

	status, results := runChecks(context.Background(), checks)
	if status != http.StatusOK {
		t.Errorf("expected 200, got %d", status)
	}
	if results["postgres"] != "ok" || results["redis"] != "ok" {
		t.Errorf("unexpected results: %v", results)
	}
}

func TestRunChecks_OneFailing(t *testing.T) {
	checks := map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}

	status, results := runChecks(context.Background(), checks)
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
	if results["redis"] != "connection refused" {
		t.Errorf("expected redis error to be reported, got %q", results["redis"])
	}
}

func TestHealthHandler_NoPool(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := HealthHandler(nil, map[string]Check{
		"redis": func(context.Context) error { return errors.New("down") },
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	if _, ok := body["pool"]; ok {
		t.Error("expected no pool stats without a pool")
	}
}

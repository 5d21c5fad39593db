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

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthHandler_Healthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	stats := func() *PoolStats { return &PoolStats{TotalConns: 2, Healthy: true} }
	h := healthHandler(fakePinger{}, stats, Capabilities{ItemMetadata: true})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Status       string       `json:"status"`
		Capabilities Capabilities `json:"capabilities"`
		RuleSources  []string     `json:"rule_sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("expected healthy, got %q", body.Status)
	}
	if !body.Capabilities.ItemMetadata || body.Capabilities.NativeRules {
		t.Errorf("unexpected capabilities: %+v", body.Capabilities)
	}
	if len(body.RuleSources) != 2 || body.RuleSources[1] != "legacy" {
		t.Errorf("unexpected rule sources: %v", body.RuleSources)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	stats := func() *PoolStats { return &PoolStats{Healthy: true} }
	h := healthHandler(fakePinger{err: errors.New("connection refused")}, stats, Capabilities{})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	pool, _ := body["pool"].(map[string]interface{})
	if pool["healthy"] != false {
		t.Errorf("expected pool.healthy=false, got %v", pool["healthy"])
	}
}

func TestCapabilities_RuleSources(t *testing.T) {
	if got := (Capabilities{}).RuleSources(); len(got) != 1 || got[0] != "custom" {
		t.Errorf("no optional tables: %v", got)
	}
	got := Capabilities{ItemMetadata: true, NativeRules: true}.RuleSources()
	if len(got) != 3 || got[2] != "native" {
		t.Errorf("all tables: %v", got)
	}
}

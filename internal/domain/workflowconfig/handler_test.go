package workflowconfig

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/edc/edc/internal/platform/middleware"
)

func newTestHandler() (*Handler, *mockRepo, *echo.Echo) {
	svc, repo, _ := newTestService()
	e := echo.New()
	e.Validator = middleware.NewValidator()
	return NewHandler(svc), repo, e
}

func TestHandler_Get(t *testing.T) {
	h, repo, e := newTestHandler()
	repo.data[configKey{crf: 2}] = &Config{ID: 1, CRFID: 2, RequiresSDV: true, QueryRouteToUsers: []string{"alice"}}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("crfId")
	c.SetParamValues("2")
	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cfg Config
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cfg.RequiresSDV || cfg.QueryRouteToUsers[0] != "alice" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("crfId")
	c.SetParamValues("2")
	err := h.Get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_Get_BadID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("crfId")
	c.SetParamValues("abc")
	err := h.Get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Update(t *testing.T) {
	h, repo, e := newTestHandler()
	body := `{"requiresSignature":true,"queryRouteToUsers":["alice"]}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("crfId")
	c.SetParamValues("6")
	if err := h.Update(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if cfg, ok := repo.data[configKey{crf: 6}]; !ok || !cfg.RequiresSignature {
		t.Errorf("expected stored config, got %+v", repo.data)
	}
}

func TestHandler_Update_InvalidBody(t *testing.T) {
	h, _, e := newTestHandler()
	body := `{"studyId":-1}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("crfId")
	c.SetParamValues("6")
	err := h.Update(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ResolveAssignee(t *testing.T) {
	h, repo, e := newTestHandler()
	repo.data[configKey{crf: 2}] = &Config{CRFID: 2, QueryRouteToUsers: []string{"alice"}}

	req := httptest.NewRequest(http.MethodGet, "/?studyId=7", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("crfId")
	c.SetParamValues("2")
	if err := h.ResolveAssignee(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var a Assignment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.Primary == nil || a.Primary.ID != 11 || a.Source != SourceConfig {
		t.Errorf("unexpected assignment: %+v", a)
	}
	if !strings.Contains(rec.Body.String(), `"additional":[]`) {
		t.Errorf("expected empty additional list, got %s", rec.Body.String())
	}
}

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type recordingSender struct {
	sent []*Notification
	err  error
}

func (r *recordingSender) Send(_ context.Context, n *Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()
	subject, body, err := e.Render(QueryAssigned, map[string]string{
		"query_id":    "17",
		"field":       "age",
		"severity":    "error",
		"form":        "Demographics",
		"subject":     "SS-001",
		"description": "Age must be between 18 and 120",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Query #17 assigned: age" {
		t.Errorf("unexpected subject %q", subject)
	}
	if !strings.Contains(body, "for subject SS-001: Age must be between 18 and 120") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestTemplateEngine_MissingKeysLeftAsIs(t *testing.T) {
	e := NewTemplateEngine()
	subject, _, err := e.Render(QueryTransitioned, map[string]string{"query_id": "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Query #3 is now {{status}}" {
		t.Errorf("unexpected subject %q", subject)
	}
}

func TestTemplateEngine_UnknownTemplate(t *testing.T) {
	if _, _, err := NewTemplateEngine().Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestManager_SendFromTemplate(t *testing.T) {
	sender := &recordingSender{}
	m := NewManager(sender, NewTemplateEngine())

	n, err := m.SendFromTemplate(context.Background(), QueryAssigned, map[string]string{"query_id": "1"}, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != StatusSent || n.SentAt == nil || n.ID == "" {
		t.Errorf("unexpected notification: %+v", n)
	}
	if len(sender.sent) != 1 || sender.sent[0].Recipient != "alice" {
		t.Errorf("expected one delivery to alice, got %+v", sender.sent)
	}
}

func TestManager_FailedDeliveryIsRecorded(t *testing.T) {
	m := NewManager(&recordingSender{err: errors.New("smtp down")}, NewTemplateEngine())

	n, err := m.SendFromTemplate(context.Background(), QueryAssigned, nil, "bob")
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if n.Status != StatusFailed || n.Error != "smtp down" {
		t.Errorf("unexpected notification: %+v", n)
	}
	if got := m.Stats()[StatusFailed]; got != 1 {
		t.Errorf("expected 1 failed, got %d", got)
	}
}

func TestMultiSender_TriesEverySender(t *testing.T) {
	failing := &recordingSender{err: errors.New("inbox down")}
	ok := &recordingSender{}
	m := NewManager(MultiSender(failing, ok), NewTemplateEngine())

	_, err := m.SendFromTemplate(context.Background(), QueryAssigned, nil, "carol")
	if err == nil || err.Error() != "inbox down" {
		t.Fatalf("expected first sender's error, got %v", err)
	}
	if len(failing.sent) != 1 || len(ok.sent) != 1 {
		t.Errorf("expected both senders to be tried, got %d and %d", len(failing.sent), len(ok.sent))
	}
}

func TestManager_ListByRecipient(t *testing.T) {
	m := NewManager(LogSender(zerolog.Nop()), NewTemplateEngine())
	for i := 0; i < 3; i++ {
		_, _ = m.SendFromTemplate(context.Background(), QueryAssigned, nil, "alice")
	}
	_, _ = m.SendFromTemplate(context.Background(), QueryAssigned, nil, "bob")

	if got := len(m.ListByRecipient("alice", 0)); got != 3 {
		t.Errorf("expected 3 for alice, got %d", got)
	}
	if got := len(m.ListByRecipient("alice", 2)); got != 2 {
		t.Errorf("expected limit to apply, got %d", got)
	}
	if got := len(m.ListByRecipient("carol", 10)); got != 0 {
		t.Errorf("expected none for carol, got %d", got)
	}
}

func TestHandler_List(t *testing.T) {
	m := NewManager(LogSender(zerolog.Nop()), NewTemplateEngine())
	_, _ = m.SendFromTemplate(context.Background(), QueryAssigned, map[string]string{"query_id": "9"}, "alice")
	h := NewHandler(m)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/notifications?recipient=alice", nil), rec)
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list []Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Subject != "Query #9 assigned: {{field}}" {
		t.Errorf("unexpected list: %+v", list)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/notifications", nil), httptest.NewRecorder())
	err := h.List(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without recipient, got %v", err)
	}
}

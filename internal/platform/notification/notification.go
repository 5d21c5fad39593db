// Package notification renders and dispatches user notifications, such as the
// message a reviewer receives when a data query is routed to them. Sent
// notifications are kept in memory so they can be listed over HTTP.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Template IDs.
const (
	QueryAssigned     = "query-assigned"
	QueryTransitioned = "query-transitioned"
)

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

type Notification struct {
	ID           string            `json:"id"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"templateId,omitempty"`
	TemplateData map[string]string `json:"templateData,omitempty"`
	Status       Status            `json:"status"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	SentAt       *time.Time        `json:"sentAt,omitempty"`
}

// Sender delivers a rendered notification.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n *Notification) error

func (f SenderFunc) Send(ctx context.Context, n *Notification) error { return f(ctx, n) }

// MultiSender delivers to every sender in order. All senders are tried; the
// first error is returned.
func MultiSender(senders ...Sender) Sender {
	return SenderFunc(func(ctx context.Context, n *Notification) error {
		var first error
		for _, s := range senders {
			if err := s.Send(ctx, n); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// LogSender writes each notification to the structured log. It is the default
// delivery channel when no mail or inbox integration is configured.
func LogSender(logger zerolog.Logger) Sender {
	return SenderFunc(func(_ context.Context, n *Notification) error {
		logger.Info().
			Str("notification_id", n.ID).
			Str("recipient", n.Recipient).
			Str("template", n.TemplateID).
			Str("subject", n.Subject).
			Msg("notification sent")
		return nil
	})
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.Register(Template{
		ID:      QueryAssigned,
		Subject: "Query #{{query_id}} assigned: {{field}}",
		Body:    "A {{severity}} query was raised on {{field}} of form {{form}} for subject {{subject}}: {{description}}",
	})
	e.Register(Template{
		ID:      QueryTransitioned,
		Subject: "Query #{{query_id}} is now {{status}}",
		Body:    "{{user}} moved query #{{query_id}} to {{status}}. Note: {{note}}",
	})
	return e
}

func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render substitutes data into the template. Placeholders without a value are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

type Manager struct {
	sender    Sender
	templates *TemplateEngine

	mu   sync.RWMutex
	sent map[string]*Notification
}

func NewManager(sender Sender, tpl *TemplateEngine) *Manager {
	return &Manager{sender: sender, templates: tpl, sent: make(map[string]*Notification)}
}

// SendFromTemplate renders templateID and delivers it to recipient. The
// notification is recorded whether or not delivery succeeded.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	n := &Notification{
		ID:           uuid.NewString(),
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		CreatedAt:    time.Now().UTC(),
	}

	sendErr := m.sender.Send(ctx, n)
	if sendErr != nil {
		n.Status = StatusFailed
		n.Error = sendErr.Error()
	} else {
		n.Status = StatusSent
		at := time.Now().UTC()
		n.SentAt = &at
	}

	m.mu.Lock()
	m.sent[n.ID] = n
	m.mu.Unlock()
	return n, sendErr
}

// ListByRecipient returns the newest notifications for recipient first.
func (m *Manager) ListByRecipient(recipient string, limit int) []*Notification {
	m.mu.RLock()
	var out []*Notification
	for _, n := range m.sent {
		if n.Recipient == recipient {
			out = append(out, n)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Manager) Stats() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[Status]int)
	for _, n := range m.sent {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.GET("/notifications/stats", h.Stats)
}

func (h *Handler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	list := h.manager.ListByRecipient(recipient, 100)
	if list == nil {
		list = []*Notification{}
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats())
}

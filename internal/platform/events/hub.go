// Package events streams query notifications to connected reviewers over
// WebSockets. Each client is subscribed to its own user topic on connect;
// data managers may also follow other users' topics.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/edc/edc/internal/platform/auth"
	"github.com/edc/edc/internal/platform/notification"
)

const sendBuffer = 64

// Event is one message pushed to subscribers.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// UserTopic is the topic carrying notifications addressed to a user account.
func UserTopic(accountID string) string {
	return "user:" + accountID
}

type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	// mayFollowOthers allows subscribing to user topics other than the
	// client's own.
	mayFollowOthers bool
	own             string
}

// Hub tracks clients by topic. It is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  zerolog.Nop(),
	}
}

func (h *Hub) SetLogger(l zerolog.Logger) { h.logger = l }

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

// Unregister drops every subscription of client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the topics client is allowed to follow and returns the ones
// it was refused.
func (h *Hub) Subscribe(client *Client, topics []string) (refused []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if !client.allowed(topic) {
			refused = append(refused, topic)
			continue
		}
		if h.subscribed(topic, client) {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
	return refused
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]bool, len(topics))
	for _, topic := range topics {
		drop[topic] = true
		h.remove(topic, client)
	}
	kept := client.Topics[:0]
	for _, t := range client.Topics {
		if !drop[t] {
			kept = append(kept, t)
		}
	}
	client.Topics = kept
}

// Publish delivers event to the subscribers of its topic. Clients whose
// buffer is full miss the event.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[event.Topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug().Str("client", client.ID).Str("topic", event.Topic).Msg("event dropped, client buffer full")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// caller holds h.mu
func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *Hub) subscribed(topic string, client *Client) bool {
	_, ok := h.clients[topic][client]
	return ok
}

func (c *Client) allowed(topic string) bool {
	if !strings.HasPrefix(topic, "user:") {
		return false
	}
	return topic == c.own || c.mayFollowOthers
}

// Sender publishes every delivered notification on the recipient's user
// topic. Combine it with another channel via notification.MultiSender.
func Sender(h *Hub) notification.Sender {
	return notification.SenderFunc(func(ctx context.Context, n *notification.Notification) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return h.Publish(ctx, Event{
			Type:  n.TemplateID,
			Topic: UserTopic(n.Recipient),
			Data:  data,
		})
	})
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler upgrades authenticated requests to a WebSocket event stream.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/events/ws", h.Connect)
}

// Connect subscribes the caller to their own user topic and starts the read
// and write pumps. Callers without an account id are rejected.
func (h *Handler) Connect(c echo.Context) error {
	ctx := c.Request().Context()
	accountID := auth.AccountIDFromContext(ctx)
	if accountID == nil {
		return echo.NewHTTPError(http.StatusForbidden, "a user account is required to receive events")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	own := UserTopic(strconv.Itoa(*accountID))
	client := &Client{
		ID:              uuid.NewString(),
		Topics:          []string{own},
		Send:            make(chan []byte, sendBuffer),
		own:             own,
		mayFollowOthers: auth.HasAnyRole(auth.RolesFromContext(ctx), auth.RoleDataManager),
	}
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			if refused := h.hub.Subscribe(client, msg.Topics); len(refused) > 0 {
				h.hub.logger.Debug().Str("client", client.ID).Strs("topics", refused).Msg("subscription refused")
			}
		case "unsubscribe":
			h.hub.Unsubscribe(client, msg.Topics)
		}
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

// Package websocket streams appointment events to connected staff screens,
// such as a reception dashboard that follows one or more doctors' days.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hivcare/clinic/internal/platform/notification"
)

// TopicAll receives every event. Per-doctor topics are "doctor:<uuid>".
const TopicAll = "all"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

func DoctorTopic(id uuid.UUID) string { return "doctor:" + id.String() }

// ClientMessage is sent by clients to change their subscriptions.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type client struct {
	id     string
	topics map[string]bool
	send   chan []byte
}

// Hub tracks connected clients and their topics. It implements
// notification.Sink; slow clients drop events rather than block bookings.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	all     map[*client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		all:     make(map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	h.subscribeLocked(c, topics)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for topic := range c.topics {
		h.removeLocked(c, topic)
	}
	delete(h.all, c)
	close(c.send)
}

func (h *Hub) subscribeLocked(c *client, topics []string) {
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*client]struct{})
		}
		h.clients[topic][c] = struct{}{}
		c.topics[topic] = true
	}
}

func (h *Hub) removeLocked(c *client, topic string) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
	delete(c.topics, topic)
}

func (h *Hub) process(c *client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	switch msg.Action {
	case "subscribe":
		h.subscribeLocked(c, msg.Topics)
	case "unsubscribe":
		for _, t := range msg.Topics {
			h.removeLocked(c, t)
		}
	}
}

// Notify delivers ev to subscribers of its doctor's topic and of TopicAll.
// A client subscribed to both receives it once.
func (h *Hub) Notify(_ context.Context, ev notification.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*client]bool)
	for _, topic := range []string{DoctorTopic(ev.DoctorID), TopicAll} {
		for c := range h.clients[topic] {
			if sent[c] {
				continue
			}
			sent[c] = true
			select {
			case c.send <- data:
			default:
				h.logger.Warn().Str("client_id", c.id).Msg("websocket client too slow, event dropped")
			}
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

// Handler upgrades HTTP requests to websocket connections on the hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections from the given origins. An empty list
// allows same-origin requests only.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h := &Handler{hub: hub}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowed) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin] || allowed["*"]
		}
	}
	return h
}

// Connect handles GET .../events. Initial topics come from repeated
// doctor_id query parameters; with none the client follows TopicAll.
func (h *Handler) Connect(c echo.Context) error {
	var topics []string
	for _, raw := range c.QueryParams()["doctor_id"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
				"error":   "VALIDATION",
				"message": "doctor_id must be a UUID",
			})
		}
		topics = append(topics, DoctorTopic(id))
	}
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}

	cl := &client{
		id:     uuid.NewString(),
		topics: make(map[string]bool),
		send:   make(chan []byte, sendBuffer),
	}
	h.hub.register(cl, topics)
	h.hub.logger.Debug().Str("client_id", cl.id).Strs("topics", topics).Msg("websocket client connected")

	go h.writePump(cl, ws)
	go h.readPump(cl, ws)
	return nil
}

func (h *Handler) readPump(cl *client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.unregister(cl)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.process(cl, msg)
	}
}

func (h *Handler) writePump(cl *client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-cl.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

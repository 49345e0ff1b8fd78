package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/domain/appointment"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Viewer decides whether an actor may watch an appointment.
type Viewer interface {
	Get(ctx context.Context, actor appointment.Actor, id string) (*appointment.Appointment, error)
}

// ActorFunc extracts the authenticated actor from a request.
type ActorFunc func(r *http.Request) (appointment.Actor, bool)

// Handler upgrades authenticated requests to websocket connections.
type Handler struct {
	hub      *Hub
	viewer   Viewer
	actor    ActorFunc
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a websocket handler. Origins lists the allowed browser
// origins; "*" allows any.
func NewHandler(hub *Hub, viewer Viewer, actor ActorFunc, origins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		hub:    hub,
		viewer: viewer,
		actor:  actor,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if _, ok := allowed["*"]; ok {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		ID:    uuid.New().String(),
		Actor: actor,
		Send:  make(chan []byte, sendBuffer),
	}
	h.hub.Register(c)
	h.logger.Debug("realtime client connected",
		zap.String("client_id", c.ID),
		zap.String("user_id", actor.ID),
	)

	go h.writePump(c, ws)
	go h.readPump(context.WithoutCancel(r.Context()), c, ws)
}

// readPump handles subscription requests until the connection closes.
func (h *Handler) readPump(ctx context.Context, c *Client, ws *websocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		h.process(ctx, c, msg)
	}
}

// process applies a client request. Only appointment topics the actor may
// view can be subscribed.
func (h *Handler) process(ctx context.Context, c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		var topics []string
		for _, t := range msg.Topics {
			id, ok := appointmentID(t)
			if !ok {
				continue
			}
			if _, err := h.viewer.Get(ctx, c.Actor, id); err != nil {
				h.logger.Debug("realtime subscription refused",
					zap.String("client_id", c.ID),
					zap.String("topic", t),
					zap.Error(err),
				)
				continue
			}
			topics = append(topics, t)
		}
		h.hub.Subscribe(c, topics)
	case "unsubscribe":
		h.hub.Unsubscribe(c, msg.Topics)
	}
}

// writePump forwards queued messages and keeps the connection alive.
func (h *Handler) writePump(c *Client, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

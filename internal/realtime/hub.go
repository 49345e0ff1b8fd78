// Package realtime pushes appointment change notices to connected websocket
// clients. A notice only tells the client to refetch; it is never the source
// of truth.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/domain/appointment"
)

// EventAppointmentChanged is the only message type sent to clients.
const EventAppointmentChanged = "appointment.changed"

// Message is one frame sent to a client.
type Message struct {
	Type      string             `json:"type"`
	Topic     string             `json:"topic"`
	Timestamp time.Time          `json:"timestamp"`
	Change    appointment.Change `json:"change"`
}

// ClientMessage is an inbound subscribe or unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// UserTopic is the topic every client is subscribed to for its own user.
func UserTopic(userID string) string { return "user:" + userID }

// AppointmentTopic carries changes to a single appointment.
func AppointmentTopic(id string) string { return "appointment:" + id }

// adminTopic receives every change.
const adminTopic = "role:admin"

// Client is one websocket connection.
type Client struct {
	ID     string
	Actor  appointment.Actor
	Topics []string
	Send   chan []byte
}

// Observer receives the connected client count.
type Observer interface {
	SetRealtimeClients(n int)
}

type nopObserver struct{}

func (nopObserver) SetRealtimeClients(int) {}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}

	observer Observer
	logger   *zap.Logger
}

var _ appointment.ChangeFeed = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(observer Observer, logger *zap.Logger) *Hub {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[string]map[*Client]struct{}),
		all:      make(map[*Client]struct{}),
		observer: observer,
		logger:   logger,
	}
}

// Register adds a client and subscribes it to its user topic, plus the admin
// topic for admins.
func (h *Hub) Register(c *Client) {
	topics := []string{UserTopic(c.Actor.ID)}
	if c.Actor.Role == appointment.RoleAdmin {
		topics = append(topics, adminTopic)
	}

	h.mu.Lock()
	h.all[c] = struct{}{}
	h.subscribeLocked(c, topics)
	n := len(h.all)
	h.mu.Unlock()

	h.observer.SetRealtimeClients(n)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.all[c]; !ok {
		h.mu.Unlock()
		return
	}
	h.unsubscribeLocked(c, c.Topics)
	delete(h.all, c)
	close(c.Send)
	n := len(h.all)
	h.mu.Unlock()

	h.observer.SetRealtimeClients(n)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(c, topics)
}

// Unsubscribe removes topics from a registered client. The user topic stays.
func (h *Hub) Unsubscribe(c *Client, topics []string) {
	own := UserTopic(c.Actor.ID)
	keep := topics[:0:0]
	for _, t := range topics {
		if t != own {
			keep = append(keep, t)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, keep)
}

func (h *Hub) subscribeLocked(c *Client, topics []string) {
	for _, topic := range topics {
		subs := h.clients[topic]
		if subs == nil {
			subs = make(map[*Client]struct{})
			h.clients[topic] = subs
		}
		if _, ok := subs[c]; ok {
			continue
		}
		subs[c] = struct{}{}
		c.Topics = append(c.Topics, topic)
	}
}

func (h *Hub) unsubscribeLocked(c *Client, topics []string) {
	remove := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		remove[topic] = struct{}{}
		if subs, ok := h.clients[topic]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(c.Topics))
	for _, t := range c.Topics {
		if _, rm := remove[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	c.Topics = remaining
}

// AppointmentChanged delivers a change to both participants, the
// appointment's own topic and admins. A client on several of those topics
// receives it once. Slow clients are skipped.
func (h *Hub) AppointmentChanged(_ context.Context, change appointment.Change) error {
	topic := AppointmentTopic(change.AppointmentID)
	data, err := json.Marshal(Message{
		Type:      EventAppointmentChanged,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Change:    change,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, t := range []string{
		UserTopic(change.PatientID),
		UserTopic(change.DoctorID),
		topic,
		adminTopic,
	} {
		for c := range h.clients[t] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.Send <- data:
			default:
				h.logger.Debug("realtime client buffer full, dropping change",
					zap.String("client_id", c.ID),
					zap.String("appointment_id", change.AppointmentID),
				)
			}
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func appointmentID(topic string) (string, bool) {
	return strings.CutPrefix(topic, "appointment:")
}

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/domain/notification"
)

const (
	defaultNotificationLimit = 20
	maxNotificationLimit     = 100
)

// NotificationStore reads a user's notifications.
type NotificationStore interface {
	ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*notification.Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
}

// NotificationHandler serves the notification bell
type NotificationHandler struct {
	store  NotificationStore
	logger *zap.Logger
}

// NewNotificationHandler creates a new handler
func NewNotificationHandler(store NotificationStore, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{store: store, logger: logger}
}

// Routes mounts the notification endpoints
func (h *NotificationHandler) Routes(r chi.Router) {
	r.Get("/notifications", h.List)
	r.Post("/notifications/{id}/read", h.MarkRead)
}

// List handles GET /notifications?unread=true&limit=
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if limit == 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	unread := r.URL.Query().Get("unread") == "true"

	list, err := h.store.ListForUser(r.Context(), actor.ID, unread, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*notification.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

// MarkRead handles POST /notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := h.store.MarkRead(r.Context(), chi.URLParam(r, "id"), actor.ID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

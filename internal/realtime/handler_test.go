package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/healthbridge/apptflow/internal/domain/appointment"
)

type fakeViewer struct {
	allowed map[string]bool
}

func (v fakeViewer) Get(_ context.Context, _ appointment.Actor, id string) (*appointment.Appointment, error) {
	if v.allowed[id] {
		return nil, nil
	}
	return nil, appointment.ErrForbidden
}

func headerActor(r *http.Request) (appointment.Actor, bool) {
	id := r.Header.Get("X-User")
	if id == "" {
		return appointment.Actor{}, false
	}
	return appointment.Actor{ID: id, Role: appointment.RolePatient}, true
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("X-User", user)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHandlerRejectsAnonymous(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(NewHandler(hub, fakeViewer{}, headerActor, []string{"*"}, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
}

func TestHandlerDeliversChanges(t *testing.T) {
	hub := NewHub(nil, nil)
	viewer := fakeViewer{allowed: map[string]bool{"appt-1": true}}
	srv := httptest.NewServer(NewHandler(hub, viewer, headerActor, []string{"*"}, nil))
	defer srv.Close()

	ws := dial(t, srv, "p1")
	waitFor(t, func() bool { return hub.TopicCount(UserTopic("p1")) == 1 })

	sub, _ := json.Marshal(ClientMessage{Action: "subscribe", Topics: []string{
		AppointmentTopic("appt-1"),
		AppointmentTopic("appt-2"),
		"role:admin",
	}})
	if err := ws.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return hub.TopicCount(AppointmentTopic("appt-1")) == 1 })
	if hub.TopicCount(AppointmentTopic("appt-2")) != 0 {
		t.Error("subscription to an appointment the actor cannot view must be refused")
	}
	if hub.TopicCount("role:admin") != 0 {
		t.Error("patients must not join the admin topic")
	}

	err := hub.AppointmentChanged(context.Background(), appointment.Change{
		AppointmentID: "appt-9",
		PatientID:     "p1",
		DoctorID:      "d1",
		Status:        appointment.StatusCancelled,
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Change.AppointmentID != "appt-9" || msg.Change.Status != appointment.StatusCancelled {
		t.Errorf("change = %+v", msg.Change)
	}

	ws.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHandlerChecksOrigin(t *testing.T) {
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(NewHandler(hub, fakeViewer{}, headerActor, []string{"https://clinic.example"}, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("X-User", "p1")
	header.Set("Origin", "https://evil.example")
	if _, _, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected foreign origin to be rejected")
	}
}

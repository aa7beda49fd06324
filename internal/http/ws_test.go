package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-session/internal/auth"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/rides"
)

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, typ, reqID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(frame{Type: typ, RequestID: reqID, Payload: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// await reads frames until one matches typ and, when set, reqID.
func await(t *testing.T, conn *websocket.Conn, typ, reqID string) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f.Type == typ && (reqID == "" || f.RequestID == reqID) {
			return f
		}
	}
}

func TestWSRejectsMissingToken(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWSRideFlow(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	captainTok := e.token(t, "cap", auth.RoleCaptain)
	ride := createRide(t, e, captainTok, 3)
	captain := dial(t, ts, captainTok)
	rider := dial(t, ts, e.token(t, "rider1", auth.RoleRider))

	sendFrame(t, rider, msgRouteSearch, "s1", map[string]any{
		"pickup":      map[string]any{"lat": 0, "lng": 0.005},
		"destination": map[string]any{"lat": 0, "lng": 0.015},
		"seats":       2,
	})
	// the first update may overtake the ack
	empty := await(t, rider, "match.empty", "")
	if !strings.Contains(string(empty.Payload), "none_registered") {
		t.Fatalf("unexpected empty reason %s", empty.Payload)
	}

	sendFrame(t, captain, msgActivate, "a1", map[string]any{"rideId": ride.ID})
	await(t, captain, "ack", "a1")
	upd := await(t, rider, "match.update", "")
	if !strings.Contains(string(upd.Payload), ride.ID) {
		t.Fatalf("expected ride among candidates: %s", upd.Payload)
	}

	sendFrame(t, rider, msgBookingRequest, "b1", map[string]any{"rideId": ride.ID, "passengerCount": 2, "pickup": depot, "destination": harbour})
	ack := await(t, rider, "ack", "b1")
	var res models.Reservation
	if err := json.Unmarshal(ack.Payload, &res); err != nil || res.ID == "" {
		t.Fatalf("expected reservation in ack: %s", ack.Payload)
	}
	note := await(t, captain, "notification.push", "")
	if !strings.Contains(string(note.Payload), string(models.NotifyBookingRequested)) {
		t.Fatalf("unexpected notification %s", note.Payload)
	}

	sendFrame(t, captain, msgRespondToRequest, "r1", map[string]any{"reservationId": res.ID, "decision": "accept"})
	await(t, captain, "ack", "r1")
	outcome := await(t, rider, "ride.bookingOutcome", "")
	var bo struct {
		Decision string `json:"decision"`
		Occupied int    `json:"occupied"`
	}
	if err := json.Unmarshal(outcome.Payload, &bo); err != nil || bo.Decision != "accepted" || bo.Occupied != 2 {
		t.Fatalf("unexpected outcome %s", outcome.Payload)
	}

	sendFrame(t, rider, msgSubscribe, "w1", map[string]any{"rideId": ride.ID})
	sub := await(t, rider, "ack", "w1")
	var st rides.State
	if err := json.Unmarshal(sub.Payload, &st); err != nil || st.Phase != models.PhaseActive || st.Occupied != 2 {
		t.Fatalf("unexpected resume state %s", sub.Payload)
	}

	sendFrame(t, captain, msgLocationPush, "l1", map[string]any{"rideId": ride.ID, "lat": 0.0001, "lng": 0.004, "capturedAt": 10})
	await(t, captain, "ack", "l1")
	loc := await(t, rider, "ride.location", "")
	var lf locationFrame
	if err := json.Unmarshal(loc.Payload, &lf); err != nil || lf.CapturedAt != 10 || lf.RideID != ride.ID {
		t.Fatalf("unexpected location frame %s", loc.Payload)
	}

	sendFrame(t, captain, msgLocationPush, "l2", map[string]any{"rideId": ride.ID, "lat": 0.0002, "lng": 0.005, "capturedAt": 5})
	stale := await(t, captain, "error", "l2")
	if !strings.Contains(string(stale.Payload), "StaleLocation") {
		t.Fatalf("expected StaleLocation, got %s", stale.Payload)
	}

	sendFrame(t, captain, msgComplete, "c1", map[string]any{"rideId": ride.ID})
	await(t, captain, "ack", "c1")
	for {
		f := await(t, rider, "ride.state", "")
		if strings.Contains(string(f.Payload), string(models.PhaseCompleted)) {
			break
		}
	}
}

func TestWSErrorFrames(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()
	conn := dial(t, ts, e.token(t, "rider1", auth.RoleRider))

	sendFrame(t, conn, "ride.teleport", "x1", map[string]any{})
	f := await(t, conn, "error", "x1")
	if !strings.Contains(string(f.Payload), "InvalidRequest") {
		t.Fatalf("unexpected error frame %s", f.Payload)
	}

	sendFrame(t, conn, msgSubscribe, "x2", map[string]any{"rideId": "ghost"})
	f = await(t, conn, "error", "x2")
	if !strings.Contains(string(f.Payload), "SessionNotFound") {
		t.Fatalf("unexpected error frame %s", f.Payload)
	}

	sendFrame(t, conn, msgBookingRequest, "x3", map[string]any{"rideId": "ghost"})
	f = await(t, conn, "error", "x3")
	if !strings.Contains(string(f.Payload), "passengerCount") {
		t.Fatalf("expected validation details, got %s", f.Payload)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	await(t, conn, "error", "")
	sendFrame(t, conn, msgRouteCancelSearch, "x4", nil)
	await(t, conn, "ack", "x4")
}

func TestWSReplaysQueuedNotificationsOnConnect(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()
	captainTok := e.token(t, "cap", auth.RoleCaptain)
	ride := createRide(t, e, captainTok, 2)
	e.do(t, e.token(t, "rider1", auth.RoleRider), "POST", "/api/v1/rides/"+ride.ID+"/bookings",
		map[string]any{"passengerCount": 1, "pickup": depot, "destination": harbour})

	captain := dial(t, ts, captainTok)
	f := await(t, captain, "notification.push", "")
	var n models.Notification
	if err := json.Unmarshal(f.Payload, &n); err != nil || n.Type != models.NotifyBookingRequested {
		t.Fatalf("unexpected replay %s", f.Payload)
	}
	sendFrame(t, captain, msgNotificationAck, "n1", map[string]any{"ids": []string{n.ID}})
	await(t, captain, "ack", "n1")

	rec := e.do(t, captainTok, "GET", "/api/v1/notifications", nil)
	if strings.Contains(rec.Body.String(), n.ID) {
		t.Fatalf("acked notification still in inbox: %s", rec.Body.String())
	}
}

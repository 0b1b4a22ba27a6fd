package push

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(func(token string) bool { return token == "valid-token" })

	router := gin.New()
	router.GET("/ws", hub.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := conn.WriteJSON(Event{Event: event, Data: raw}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

// waitForRoom polls until the room reaches the wanted size; joins are
// processed asynchronously by the server's read loop.
func waitForRoom(t *testing.T, hub *Hub, room string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.RoomSize(room) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %q size = %d, want %d", room, hub.RoomSize(room), want)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return ev
}

func TestUserRoomDelivery(t *testing.T) {
	hub, url := newTestHub(t)

	alice := dial(t, url)
	sendEvent(t, alice, EventJoinUser, joinUserData{Username: "alice"})
	waitForRoom(t, hub, UserRoom("alice"), 1)

	hub.EmitToUser("alice", EventRequestApproved, map[string]any{"request_id": 7, "username": "alice"})

	ev := readEvent(t, alice)
	if ev.Event != EventRequestApproved {
		t.Errorf("event = %q, want %q", ev.Event, EventRequestApproved)
	}
	var data map[string]any
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatalf("Unmarshal data: %v", err)
	}
	if data["username"] != "alice" {
		t.Errorf("username = %v, want alice", data["username"])
	}
}

func TestRoomScoping(t *testing.T) {
	hub, url := newTestHub(t)

	alice := dial(t, url)
	bob := dial(t, url)
	sendEvent(t, alice, EventJoinUser, joinUserData{Username: "alice"})
	sendEvent(t, bob, EventJoinUser, joinUserData{Username: "bob"})
	waitForRoom(t, hub, UserRoom("alice"), 1)
	waitForRoom(t, hub, UserRoom("bob"), 1)

	// An approval for alice must never reach bob's agent.
	hub.EmitToUser("alice", EventRequestApproved, map[string]any{"request_id": 1})

	ev := readEvent(t, alice)
	if ev.Event != EventRequestApproved {
		t.Errorf("alice got %q, want %q", ev.Event, EventRequestApproved)
	}

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray Event
	if err := bob.ReadJSON(&stray); err == nil {
		t.Errorf("bob received %q, want nothing", stray.Event)
	}
}

func TestAdminJoinRequiresToken(t *testing.T) {
	hub, url := newTestHub(t)

	intruder := dial(t, url)
	sendEvent(t, intruder, EventJoinAdmin, joinAdminData{Token: "wrong"})

	admin := dial(t, url)
	sendEvent(t, admin, EventJoinAdmin, joinAdminData{Token: "valid-token"})
	waitForRoom(t, hub, AdminRoom, 1)

	hub.EmitToAdmins(EventDeviceRequest, map[string]any{"request_id": 3})

	ev := readEvent(t, admin)
	if ev.Event != EventDeviceRequest {
		t.Errorf("event = %q, want %q", ev.Event, EventDeviceRequest)
	}

	intruder.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray Event
	if err := intruder.ReadJSON(&stray); err == nil {
		t.Errorf("unauthenticated client received %q", stray.Event)
	}
}

func TestEmitToEmptyRoomIsNoop(t *testing.T) {
	hub, _ := newTestHub(t)
	// No client has joined; emitting must not panic or block.
	hub.EmitToUser("ghost", EventRequestDenied, map[string]any{"request_id": 9})
}

func TestDisconnectLeavesRooms(t *testing.T) {
	hub, url := newTestHub(t)

	alice := dial(t, url)
	sendEvent(t, alice, EventJoinUser, joinUserData{Username: "alice"})
	waitForRoom(t, hub, UserRoom("alice"), 1)

	alice.Close()
	waitForRoom(t, hub, UserRoom("alice"), 0)
}

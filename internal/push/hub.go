// Package push implements the WebSocket notification channel between the
// server, the workstation agents, and the admin UI.
//
// Clients connect to a single endpoint and then join rooms by sending join
// events. Agents join their per-user room ("user_<username>"); admin sessions
// join the shared "admin" room after presenting a valid session token. Events
// are only ever delivered to the clients in the addressed room, so one user's
// approval is never visible to another user's agent.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/usbgate/usbgate/internal/safego"
	"github.com/usbgate/usbgate/internal/telemetry"
)

// AdminRoom is the room admin sessions join to receive device_request events.
const AdminRoom = "admin"

// UserRoom returns the room name scoped to a single user.
func UserRoom(username string) string {
	return "user_" + username
}

// Event names delivered over the channel.
const (
	EventJoinUser        = "join_user"
	EventJoinAdmin       = "join_admin"
	EventDeviceRequest   = "device_request"
	EventRequestApproved = "request_approved"
	EventRequestDenied   = "request_denied"
)

// Event is the wire format for every message in both directions.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outEvent is an outbound message with an already-marshalable payload.
type outEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type joinUserData struct {
	Username string `json:"username"`
}

type joinAdminData struct {
	Token string `json:"token"`
}

// AdminAuthFunc validates the session token presented with a join_admin event.
type AdminAuthFunc func(token string) bool

// sendBufferSize bounds the per-client outbound queue. A client that cannot
// drain its queue gets disconnected rather than blocking broadcasts to others.
const sendBufferSize = 16

// Hub tracks connected clients and their room memberships.
type Hub struct {
	upgrader  websocket.Upgrader
	authAdmin AdminAuthFunc

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewHub creates a Hub. authAdmin guards the admin room; a nil func rejects
// every join_admin.
func NewHub(authAdmin AdminAuthFunc) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents connect from workstations, not browsers; the admin UI is
			// served same-origin. Cross-origin browser connections carry no
			// credentials here, so the check stays permissive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		authAdmin: authAdmin,
		rooms:     make(map[string]map[*client]struct{}),
	}
}

type client struct {
	conn  *websocket.Conn
	send  chan outEvent
	rooms map[string]struct{}
}

// HandleConnection upgrades the HTTP request and serves the client until it
// disconnects. Intended to be mounted as a gin handler on GET /ws.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote", c.Request.RemoteAddr)
		return
	}

	cl := &client{
		conn:  conn,
		send:  make(chan outEvent, sendBufferSize),
		rooms: make(map[string]struct{}),
	}
	telemetry.PushClientsConnected.Inc()

	safego.Go(func() { cl.writePump() })
	h.readPump(cl)
}

// readPump consumes join events until the connection closes, then detaches
// the client from every room it joined.
func (h *Hub) readPump(cl *client) {
	defer func() {
		h.detach(cl)
		close(cl.send)
		cl.conn.Close()
		telemetry.PushClientsConnected.Dec()
	}()

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Warn("malformed push event from client", "error", err)
			continue
		}

		switch ev.Event {
		case EventJoinUser:
			var data joinUserData
			if err := json.Unmarshal(ev.Data, &data); err != nil || data.Username == "" {
				slog.Warn("join_user with missing username")
				continue
			}
			h.join(cl, UserRoom(data.Username))
			slog.Info("client joined user room", "username", data.Username)

		case EventJoinAdmin:
			var data joinAdminData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				slog.Warn("malformed join_admin payload", "error", err)
				continue
			}
			if h.authAdmin == nil || !h.authAdmin(data.Token) {
				slog.Warn("join_admin rejected: invalid token")
				continue
			}
			h.join(cl, AdminRoom)
			slog.Info("admin joined notification room")

		default:
			slog.Debug("ignoring unknown push event from client", "event", ev.Event)
		}
	}
}

// writePump drains the client's send queue onto the wire.
func (cl *client) writePump() {
	for ev := range cl.send {
		if err := cl.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (h *Hub) join(cl *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][cl] = struct{}{}
	cl.rooms[room] = struct{}{}
}

func (h *Hub) detach(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range cl.rooms {
		delete(h.rooms[room], cl)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Emit delivers an event to every client in the room. A client whose send
// queue is full is skipped; its connection is already backed up and the write
// pump will tear it down on the next failed write.
func (h *Hub) Emit(room, event string, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomClass := "user"
	if room == AdminRoom {
		roomClass = AdminRoom
	}
	telemetry.PushEventsTotal.WithLabelValues(event, roomClass).Inc()

	for cl := range h.rooms[room] {
		select {
		case cl.send <- outEvent{Event: event, Data: data}:
		default:
			slog.Warn("dropping push event for slow client", "event", event, "room", roomClass)
		}
	}
}

// EmitToUser delivers an event to the room scoped to a single user.
func (h *Hub) EmitToUser(username, event string, data any) {
	h.Emit(UserRoom(username), event, data)
}

// EmitToAdmins delivers an event to the admin room.
func (h *Hub) EmitToAdmins(event string, data any) {
	h.Emit(AdminRoom, event, data)
}

// RoomSize reports how many clients are currently in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

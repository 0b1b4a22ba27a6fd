package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/usbgate/usbgate/internal/config"
)

// RequestEventHandler receives approval outcomes pushed by the server.
// PolicyClient implements it.
type RequestEventHandler interface {
	HandleApproval(requestID int64, username string)
	HandleDenial(requestID int64, username string)
}

// Listener maintains the push connection to the server. On every (re)connect
// it joins the active user's room, then dispatches request outcome events to
// the handler. Connection loss degrades the agent to still-correct but less
// timely behavior; the listener reconnects with a fixed delay forever.
type Listener struct {
	wsURL          string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	resolver       ActiveUserResolver
	handler        RequestEventHandler
}

// NewListener builds a Listener from agent configuration. The server URL is
// the same HTTP base the Client uses; the push endpoint is derived from it.
func NewListener(cfg *config.AgentConfig, resolver ActiveUserResolver, handler RequestEventHandler) *Listener {
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.Server.Timeout,
	}
	if cfg.Server.SkipTLSVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Listener{
		wsURL:          websocketURL(cfg.Server.URL),
		reconnectDelay: cfg.Notify.ReconnectDelay,
		dialer:         dialer,
		resolver:       resolver,
		handler:        handler,
	}
}

// websocketURL rewrites an http(s) base URL into the ws(s) push endpoint.
func websocketURL(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

type pushEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type requestOutcomeData struct {
	RequestID int64  `json:"request_id"`
	Username  string `json:"username"`
}

// Run connects and serves push events until the context is cancelled. Each
// failed connection or dropped session is retried after the reconnect delay.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.serveOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("push connection lost", "url", l.wsURL, "error", err)
		}

		select {
		case <-time.After(l.reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// serveOnce runs one full connection lifetime: dial, join the user room, read
// events until the connection drops or the context is cancelled.
func (l *Listener) serveOnce(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.wsURL, http.Header{})
	if err != nil {
		return err
	}
	defer conn.Close()

	// Closing on context cancellation unblocks the read loop.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if username, ok := l.resolver.ActiveUser(); ok {
		if err := l.joinUser(conn, username); err != nil {
			return err
		}
		slog.Info("push channel connected", "username", username)
	} else {
		// Stay connected; the room join happens once a session appears and
		// the next reconnect cycle re-resolves the user.
		slog.Warn("push channel connected with no active user session")
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.dispatch(raw)
	}
}

func (l *Listener) joinUser(conn *websocket.Conn, username string) error {
	data, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		return err
	}
	return conn.WriteJSON(pushEvent{Event: "join_user", Data: data})
}

func (l *Listener) dispatch(raw []byte) {
	var ev pushEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		slog.Warn("malformed push event", "error", err)
		return
	}

	switch ev.Event {
	case "request_approved", "request_denied":
		var data requestOutcomeData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			slog.Warn("malformed request outcome payload", "event", ev.Event, "error", err)
			return
		}
		if ev.Event == "request_approved" {
			l.handler.HandleApproval(data.RequestID, data.Username)
		} else {
			l.handler.HandleDenial(data.RequestID, data.Username)
		}

	default:
		slog.Debug("ignoring push event", "event", ev.Event)
	}
}

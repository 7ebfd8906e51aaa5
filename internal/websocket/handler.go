package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

// EventSink receives decoded connection events. Implemented by hub.Hub.
type EventSink interface {
	Connect(conn interfaces.Connection, room string) error
	Identify(connectionID string, identity types.Identity) error
	SendMessage(connectionID string, req types.SendRequest, ack types.AckFunc) error
	Disconnect(connectionID string) error
}

// Observer receives transport events. Implemented by the metrics package.
type Observer interface {
	ConnectionOpened(room string)
	ConnectionClosed(room string, lifetime time.Duration)
	FrameReceived(event string)
	HandshakeRejected(reason string)
}

type noopObserver struct{}

func (noopObserver) ConnectionOpened(string)                {}
func (noopObserver) ConnectionClosed(string, time.Duration) {}
func (noopObserver) FrameReceived(string)                   {}
func (noopObserver) HandshakeRejected(string)               {}

// Config holds transport settings.
type Config struct {
	AllowedOrigins   []string
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	SendBuffer       int
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the transport defaults.
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
// detects dead peers well before the OS would
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:   []string{"http://localhost:5173"},
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteTimeout:     DefaultWriteTimeout,
		MaxMessageSize:   64 * 1024,
		SendBuffer:       DefaultSendBuffer,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Handler upgrades /ws requests and pumps frames into the event sink.
type Handler struct {
	sink     EventSink
	config   Config
	upgrader websocket.Upgrader
	observer Observer
	logger   *slog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(sink EventSink, config Config, observer Observer, logger *slog.Logger) *Handler {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sink:     sink,
		config:   config,
		observer: observer,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: config.HandshakeTimeout,
	}
	return h
}

// RoomFromRequest reads the room slug from the handshake query. "subcategory"
// is the name the web client sends; "room" is accepted as an alias.
func RoomFromRequest(r *http.Request) string {
	query := r.URL.Query()
	if room := strings.TrimSpace(query.Get("subcategory")); room != "" {
		return room
	}
	return strings.TrimSpace(query.Get("room"))
}

// ServeHTTP validates the handshake, upgrades and starts the read loop.
// FUNCTIONAL DISCOVERY: A missing room is rejected before the upgrade so the
// client gets a plain HTTP 400 rather than a socket that closes immediately
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := RoomFromRequest(r)
	if room == "" {
		h.observer.HandshakeRejected("missing_room")
		http.Error(w, "Missing required query parameter: subcategory", http.StatusBadRequest)
		return
	}
	if !types.IsValidRoom(room) {
		h.observer.HandshakeRejected("invalid_room")
		http.Error(w, "Invalid subcategory", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.observer.HandshakeRejected("upgrade_failed")
		h.logger.Warn("ws.upgrade_failed", "room", room, "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, room, h.config.SendBuffer, h.config.WriteTimeout)
	if err := h.sink.Connect(conn, room); err != nil {
		h.logger.Error("ws.connect_failed", "connection_id", conn.ID(), "room", room, "error", err)
		_ = conn.Close()
		return
	}

	h.observer.ConnectionOpened(room)
	h.logger.Info("ws.connected", "connection_id", conn.ID(), "room", room, "remote", r.RemoteAddr)

	go h.handleConnection(ws, conn)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	if lo.Contains(h.config.AllowedOrigins, "*") || lo.Contains(h.config.AllowedOrigins, origin) {
		return true
	}
	// same-origin requests are always allowed
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// handleConnection owns the socket's read side until it fails, then queues
// the disconnect.
func (h *Handler) handleConnection(ws *websocket.Conn, conn *Connection) {
	opened := time.Now()
	defer func() {
		if err := h.sink.Disconnect(conn.ID()); err != nil {
			h.logger.Warn("ws.disconnect_not_queued", "connection_id", conn.ID(), "error", err)
		}
		_ = conn.Close()
		h.observer.ConnectionClosed(conn.Room(), time.Since(opened))
		h.logger.Info("ws.disconnected", "connection_id", conn.ID(), "room", conn.Room())
	}()

	ws.SetReadLimit(h.config.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.config.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws.read_failed", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatch(conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(h.config.WriteTimeout); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// dispatch decodes one frame and forwards it to the sink.
func (h *Handler) dispatch(conn *Connection, data []byte) {
	var envelope types.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
		h.observer.FrameReceived("malformed")
		h.sendError(conn, "malformed frame")
		return
	}
	h.observer.FrameReceived(envelope.Event)

	switch envelope.Event {
	case types.EventUserConnected:
		var identity types.Identity
		if len(envelope.Data) > 0 {
			// an undecodable payload stays zero and fails validation downstream
			_ = json.Unmarshal(envelope.Data, &identity)
		}
		if err := h.sink.Identify(conn.ID(), identity); err != nil {
			h.sendError(conn, err.Error())
		}

	case types.EventSendMessage:
		ack := h.ackFunc(conn, envelope.Ack)
		var req types.SendRequest
		if err := json.Unmarshal(envelope.Data, &req); err != nil {
			ack(types.ErrorAck(fmt.Errorf("%w: %v", types.ErrInvalidMessage, err)))
			return
		}
		if err := h.sink.SendMessage(conn.ID(), req, ack); err != nil {
			ack(types.ErrorAck(err))
		}

	default:
		h.sendError(conn, fmt.Sprintf("unknown event %q", envelope.Event))
	}
}

// ackFunc replies to an ack id. Without an id the ack is dropped, as is an
// ack for a connection that has gone away.
func (h *Handler) ackFunc(conn *Connection, ackID string) types.AckFunc {
	return func(ack types.Ack) {
		if ackID == "" {
			return
		}
		err := conn.WriteJSON(types.OutboundEnvelope{Event: types.EventAck, Ack: ackID, Data: ack})
		if err != nil && !errors.Is(err, ErrConnectionClosed) {
			h.logger.Debug("ws.ack_dropped", "connection_id", conn.ID(), "error", err)
		}
	}
}

func (h *Handler) sendError(conn *Connection, text string) {
	_ = conn.WriteJSON(types.OutboundEnvelope{Event: types.EventError, Data: text})
}

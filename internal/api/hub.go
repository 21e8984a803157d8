package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tourplayer/pkg/logging"
	"tourplayer/pkg/mediasession"
	"tourplayer/pkg/player"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientBuffer   = 32
	noticeBuffer   = 128
)

// Outbound message types.
const (
	MsgState         = "state"
	MsgScroll        = "scroll"
	MsgMetadata      = "metadata"
	MsgPlaybackState = "playbackState"
	MsgPositionState = "positionState"
)

// MsgAction is the inbound message type carrying a media-session action.
const MsgAction = "action"

type outMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type inMessage struct {
	Type   string              `json:"type"`
	Action mediasession.Action `json:"action"`
	mediasession.ActionDetails
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub streams session state to websocket clients and is the media-session
// surface of the process: now-playing updates go out to every client and
// transport actions come back in.
type Hub struct {
	sessions atomic.Pointer[Controllers]
	upgrader websocket.Upgrader

	notices chan player.Notice
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	clients  map[*client]struct{}
	handlers map[mediasession.Action]mediasession.ActionHandler
	last     map[string][]byte // latest surface message per type, replayed on connect
}

// NewHub creates a hub. Snapshots are read from the sessions passed to Attach,
// and Run must be started for notices to be delivered.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		notices:  make(chan player.Notice, noticeBuffer),
		done:     make(chan struct{}),
		clients:  make(map[*client]struct{}),
		handlers: make(map[mediasession.Action]mediasession.ActionHandler),
		last:     make(map[string][]byte),
	}
}

// Attach sets where state snapshots come from.
func (h *Hub) Attach(sessions Controllers) {
	h.sessions.Store(&sessions)
}

// Notify queues a controller notice. It never blocks; notices are dropped when
// the queue is full.
func (h *Hub) Notify(n player.Notice) {
	select {
	case h.notices <- n:
	default:
		logging.TraceDefault("Hub: notice dropped", "type", n.Type)
	}
}

// Run delivers queued notices until ctx is done or the hub is closed.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case n := <-h.notices:
			batch := []player.Notice{n}
		drain:
			for {
				select {
				case m := <-h.notices:
					batch = append(batch, m)
				default:
					break drain
				}
			}
			h.deliver(batch)
		}
	}
}

// deliver sends at most one state snapshot per batch, then the scroll requests.
func (h *Hub) deliver(batch []player.Notice) {
	var scrolls []string
	state := false
	for _, n := range batch {
		if n.Type == player.NoticeScroll {
			scrolls = append(scrolls, n.StopID)
			continue
		}
		state = true
	}
	if s := h.sessions.Load(); state && s != nil {
		if c := (*s).Controller(); c != nil {
			h.broadcast(MsgState, c.Snapshot())
		}
	}
	for _, id := range scrolls {
		h.broadcast(MsgScroll, map[string]string{"stopId": id})
	}
}

// SetMetadata implements mediasession.Surface.
func (h *Hub) SetMetadata(m mediasession.Metadata) { h.broadcast(MsgMetadata, m) }

// SetPlaybackState implements mediasession.Surface.
func (h *Hub) SetPlaybackState(s mediasession.PlaybackState) {
	h.broadcast(MsgPlaybackState, s)
}

// SetPositionState implements mediasession.Surface.
func (h *Hub) SetPositionState(p mediasession.PositionState) {
	h.broadcast(MsgPositionState, p)
}

// SetActionHandler implements mediasession.Surface.
func (h *Hub) SetActionHandler(a mediasession.Action, fn mediasession.ActionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[a] = fn
}

func (h *Hub) broadcast(kind string, data any) {
	msg, err := json.Marshal(outMessage{Type: kind, Data: data})
	if err != nil {
		slog.Error("Hub: failed to encode message", "type", kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if kind != MsgState && kind != MsgScroll {
		h.last[kind] = msg
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("Hub: client too slow, disconnecting", "client", c.id)
			h.removeLocked(c)
		}
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Hub: upgrade failed", "error", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	for _, kind := range []string{MsgMetadata, MsgPlaybackState, MsgPositionState} {
		if msg, ok := h.last[kind]; ok {
			c.send <- msg
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Debug("Hub: client connected", "client", c.id, "clients", n)

	h.Notify(player.Notice{Type: player.NoticeState})

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		_ = c.conn.Close()
		slog.Debug("Hub: client disconnected", "client", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Hub: read failed", "client", c.id, "error", err)
			}
			return
		}
		h.handleMessage(c, data)
	}
}

func (h *Hub) handleMessage(c *client, data []byte) {
	var msg inMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("Hub: ignoring malformed message", "client", c.id, "error", err)
		return
	}
	if msg.Type != MsgAction {
		slog.Debug("Hub: ignoring message", "client", c.id, "type", msg.Type)
		return
	}

	h.mu.Lock()
	fn := h.handlers[msg.Action]
	h.mu.Unlock()
	if fn == nil {
		slog.Debug("Hub: no handler for action", "action", msg.Action)
		return
	}
	logging.TraceDefault("Hub: action", "client", c.id, "action", msg.Action)
	fn(msg.ActionDetails)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("Hub: write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and stops Run.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			h.removeLocked(c)
		}
		h.mu.Unlock()
	})
}

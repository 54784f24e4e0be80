package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hkevin01/wifi-radar/internal/types"
)

const (
	liveWriteWait  = 5 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = 50 * time.Second
	liveSendBuffer = 8
)

// LiveMessage is pushed to websocket clients whenever a new frame has been
// processed
type LiveMessage struct {
	Seq       uint64                `json:"seq"`
	Detected  bool                  `json:"detected"`
	UpdatedAt time.Time             `json:"updated_at"`
	Person    *types.PersonMessage  `json:"person"`
	CSI       *types.ConditionedCSI `json:"csi,omitempty"`
}

// LiveHub pushes snapshots to browser clients over websockets
type LiveHub struct {
	instanceID string
	roomID     string
	upgrader   websocket.Upgrader
	onCount    func(int)

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
	lastSeq uint64
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *liveClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewLiveHub creates an empty hub. onCount, if set, is told the client count
// after every change.
func NewLiveHub(instanceID, roomID string, onCount func(int)) *LiveHub {
	return &LiveHub{
		instanceID: instanceID,
		roomID:     roomID,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		onCount: onCount,
		clients: make(map[*liveClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams LiveMessages until the client
// goes away
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &liveClient{conn: conn, send: make(chan []byte, liveSendBuffer)}
	if !h.register(c) {
		conn.Close()
		return
	}
	slog.Info("live client connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	slog.Info("live client disconnected", "remote", r.RemoteAddr)
}

func (h *LiveHub) register(c *liveClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.onCount != nil {
		h.onCount(n)
	}
	return true
}

func (h *LiveHub) unregister(c *liveClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		if h.onCount != nil {
			h.onCount(n)
		}
	}
}

// readPump discards client input and notices disconnects
func (h *LiveHub) readPump(c *liveClient) {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LiveHub) writePump(c *liveClient) {
	ping := time.NewTicker(livePingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected clients
func (h *LiveHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish sends snap to every client if it is newer than the last one sent.
// Slow clients miss messages instead of stalling the hub.
func (h *LiveHub) Publish(snap types.Snapshot) (bool, error) {
	h.mu.Lock()
	if snap.Seq == 0 || snap.Seq == h.lastSeq || len(h.clients) == 0 {
		h.mu.Unlock()
		return false, nil
	}
	h.lastSeq = snap.Seq
	h.mu.Unlock()

	msg := LiveMessage{
		Seq:       snap.Seq,
		Detected:  snap.Detected,
		UpdatedAt: snap.UpdatedAt,
		CSI:       snap.Conditioned,
	}
	if snap.Person != nil {
		pm := snap.Person.Message(h.instanceID, h.roomID)
		msg.Person = &pm
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
	return true, nil
}

// Close disconnects every client and refuses new ones
func (h *LiveHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*liveClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	if h.onCount != nil {
		h.onCount(0)
	}
}

package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/echotools/uospy/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	viewerQueue  = 64
	writeTimeout = 5 * time.Second
)

// upgrader is used to upgrade viewer connections to the WebSocket protocol.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub streams encoded packets to websocket viewers. A viewer whose queue is
// full is disconnected rather than slowing the capture.
type Hub struct {
	logger  *zap.Logger
	encoder *Encoder

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	closed  bool
}

func NewHub(logger *zap.Logger, encoder *Encoder) *Hub {
	return &Hub{
		logger:  logger,
		encoder: encoder,
		viewers: make(map[*viewer]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection as a viewer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Error upgrading to websocket", zap.Error(err))
		return
	}
	v := &viewer{conn: conn, send: make(chan []byte, viewerQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.viewers[v] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("Viewer connected", zap.String("remote", r.RemoteAddr))
	go h.write(v)
	go h.read(v)
}

// write drains the viewer queue until it is closed.
func (h *Hub) write(v *viewer) {
	defer v.conn.Close()
	for msg := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("Viewer write failed", zap.Error(err))
			h.drop(v)
			return
		}
	}
	v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// read discards viewer input and notices disconnects.
func (h *Hub) read(v *viewer) {
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			h.drop(v)
			return
		}
	}
}

func (h *Hub) drop(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; !ok {
		return
	}
	delete(h.viewers, v)
	close(v.send)
}

// Viewers returns the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) Publish(v *protocol.PacketValue) {
	data, err := h.encoder.Marshal(v)
	if err != nil {
		h.logger.Error("Error marshalling packet", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for vw := range h.viewers {
		select {
		case vw.send <- data:
		default:
			h.logger.Warn("Dropping slow viewer", zap.String("remote", vw.conn.RemoteAddr().String()))
			delete(h.viewers, vw)
			close(vw.send)
		}
	}
}

// Close disconnects all viewers and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for vw := range h.viewers {
		delete(h.viewers, vw)
		close(vw.send)
	}
}

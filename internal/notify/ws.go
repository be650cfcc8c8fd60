package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

type wsConn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
}

// Hub broadcasts events to connected WebSocket clients. It is a Sink.
type Hub struct {
	Logger *slog.Logger

	mu    sync.RWMutex
	conns map[*wsConn]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{Logger: logger, conns: map[*wsConn]struct{}{}}
}

func (*Hub) Name() string { return "websocket" }

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{ws: ws, cancel: cancel}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()
	// reads only detect the disconnect
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

func (h *Hub) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			h.Logger.Debug("websocket write failed", "error", err)
			h.remove(c)
		}
	}
	return nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
	}
}

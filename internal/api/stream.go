package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terminal-bench/multisigledger/internal/ledger"
	"github.com/terminal-bench/multisigledger/shared/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamClient is one websocket subscriber. An empty wallet receives every
// event.
type streamClient struct {
	id     uuid.UUID
	wallet string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

func (cl *streamClient) wants(ev events.Event) bool {
	if cl.wallet == "" || ev.Author == cl.wallet {
		return true
	}
	for _, id := range ev.Affected {
		if id == cl.wallet {
			return true
		}
	}
	return false
}

// Hub fans committed events out to websocket clients. Clients that fall
// behind are disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*streamClient
	onCount func(int)
	logger  *zap.Logger
}

// NewHub creates a hub. onCount, if set, is called with the client count
// whenever it changes.
func NewHub(logger *zap.Logger, onCount func(int)) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[uuid.UUID]*streamClient),
		onCount: onCount,
		logger:  logger.With(zap.String("component", "stream")),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit queues ev for every interested client.
func (h *Hub) Emit(_ context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var slow []*streamClient
	h.mu.RLock()
	for _, cl := range h.clients {
		if !cl.wants(ev) {
			continue
		}
		select {
		case cl.send <- payload:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range slow {
		h.logger.Info("dropping slow stream client", zap.String("client", cl.id.String()))
		h.remove(cl)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*streamClient, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()
	for _, cl := range clients {
		h.remove(cl)
	}
}

func (h *Hub) add(cl *streamClient) {
	h.mu.Lock()
	h.clients[cl.id] = cl
	n := len(h.clients)
	h.mu.Unlock()
	h.report(n)
}

func (h *Hub) remove(cl *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[cl.id]
	if ok {
		delete(h.clients, cl.id)
		close(cl.done)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		cl.conn.Close()
		h.report(n)
	}
}

func (h *Hub) report(n int) {
	if h.onCount != nil {
		h.onCount(n)
	}
}

func (h *Hub) serve(c *gin.Context) {
	var wallet ledger.Identity
	if raw := c.Query("wallet"); raw != "" {
		id, err := ledger.ParseIdentity(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		wallet = id
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	cl := &streamClient{
		id:     uuid.New(),
		wallet: string(wallet),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.add(cl)

	go h.writePump(cl)
	go h.readPump(cl)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(cl *streamClient) {
	defer h.remove(cl)

	cl.conn.SetReadLimit(512)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(cl)
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(cl)
				return
			}
		case <-cl.done:
			return
		}
	}
}

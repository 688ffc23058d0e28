package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/store"
)

// hub relays task completion/dead-letter, agent:*, and consensus:* pub/sub traffic (§6 events
// feed) to every connected websocket client. It holds no per-client state
// beyond the outbound channel, so a slow client is dropped rather than
// allowed to back-pressure the store subscription.
type hub struct {
	log *logging.Logger
	st  store.Store

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	out  chan []byte
}

func newHub(log *logging.Logger) *hub {
	return &hub{log: log.WithComponent("events"), clients: make(map[*client]struct{})}
}

// attachStore lets main wire the hub's store after construction, since
// newHub takes only the logger.
func (h *hub) attachStore(st store.Store) { h.st = st }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.NewFields().Error(err))
		return
	}
	c := &client{conn: conn, out: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.out)
	}
}

func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.out <- payload:
		default:
			// Client too slow to keep up; drop the message rather than
			// block the subscription loop for every other client.
		}
	}
}

// run subscribes to the task completed/dead, agent registered/deregistered
// and consensus proposed/approved/rejected/expired channels and relays raw
// payloads to connected clients until ctx is cancelled. The per-class
// task:enqueued channels are not relayed.
func (h *hub) run(ctx context.Context) {
	if h.st == nil {
		return
	}
	sub := h.st.Subscribe(ctx,
		store.ChanTaskCompleted(),
		store.ChanTaskDead(),
		store.ChanAgentRegistered(),
		store.ChanAgentDeregistered(),
		store.ChanConsensus("proposed"),
		store.ChanConsensus("approved"),
		store.ChanConsensus("rejected"),
		store.ChanConsensus("expired"),
	)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			h.broadcast(envelope(msg))
		}
	}
}

type wireEvent struct {
	Channel string `json:"channel"`
	Payload string `json:"payload"`
}

func envelope(msg store.Message) []byte {
	b, err := json.Marshal(wireEvent{Channel: msg.Channel, Payload: msg.Payload})
	if err != nil {
		return []byte(`{"channel":"","payload":""}`)
	}
	return b
}

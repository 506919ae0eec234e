package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pyth-network/express-relay-auction/broadcaster"
)

// WebSocket configuration constants.
const (
	// WSMaxMessageSize is the maximum size of a single WebSocket message (1 MB).
	WSMaxMessageSize = 1 << 20
	// WSPingInterval is the interval between ping frames sent to the client.
	WSPingInterval = 30 * time.Second
	// WSPongTimeout is the deadline for a pong response after a ping.
	WSPongTimeout = 60 * time.Second
	// WSWriteTimeout is the deadline for a write operation.
	WSWriteTimeout = 10 * time.Second
)

// eventEnvelope is the wire shape of a single event pushed to a WS client,
// mirroring spec §6's two event kinds (BidStatusUpdate, SvmChainUpdate).
type eventEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WSConn wraps a single upgraded WebSocket connection, subscribed to both
// topics through the SubscriptionDispatcher.
type WSConn struct {
	id        uint64
	ws        *websocket.Conn
	clientID  string
	bidSub    *DispatchSubscription
	chainSub  *DispatchSubscription
	dispatch  *SubscriptionDispatcher
	closed    atomic.Bool
}

// WSHandler upgrades HTTP connections to WebSocket and, via a
// SubscriptionDispatcher, fans per-client-rate-limited events out to
// every connected client. Completes the gorilla/websocket upgrade the
// prior stub left unimplemented.
type WSHandler struct {
	mu          sync.RWMutex
	dispatch    *SubscriptionDispatcher
	upgrader    websocket.Upgrader
	connections map[uint64]*WSConn
	nextID      atomic.Uint64
	maxConns    int
}

// NewWSHandler creates a WebSocket handler backed by dispatch. Bridge
// forwards events published on events into dispatch so both topics reach
// every dispatcher subscriber (see Bridge).
func NewWSHandler(dispatch *SubscriptionDispatcher, maxConns int) *WSHandler {
	if maxConns <= 0 {
		maxConns = 1000
	}
	return &WSHandler{
		dispatch: dispatch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Intake is a searcher-facing API, not a browser-origin
			// concern; every origin is accepted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[uint64]*WSConn),
		maxConns:    maxConns,
	}
}

// Bridge relays every broadcaster event onto the dispatcher's two topics,
// so dispatcher-side per-client rate limiting and stale-subscription
// cleanup apply uniformly regardless of which component (repository,
// chainview) originated the event. Blocks until stop is closed or the
// broadcaster subscription's event channel closes; run it in its own
// goroutine.
func Bridge(events *broadcaster.Broadcaster, dispatch *SubscriptionDispatcher, stop <-chan struct{}) {
	sub := events.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-stop:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.BidStatus != nil {
				dispatch.Broadcast(TopicBidStatusUpdate, evt.BidStatus)
			}
			if evt.ChainUpdate != nil {
				dispatch.Broadcast(TopicSvmChainUpdate, evt.ChainUpdate)
			}
		}
	}
}

// ConnectionCount returns the number of active WebSocket connections.
func (h *WSHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ServeHTTP upgrades the request and streams dispatcher events to the
// client until it disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if len(h.connections) >= h.maxConns {
		h.mu.Unlock()
		http.Error(w, "maximum websocket connections reached", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := h.nextID.Add(1)
	clientID := strconv.FormatUint(id, 10)

	bidSub, err := h.dispatch.Subscribe(clientID, TopicBidStatusUpdate, nil)
	if err != nil {
		ws.Close()
		return
	}
	chainSub, err := h.dispatch.Subscribe(clientID, TopicSvmChainUpdate, nil)
	if err != nil {
		h.dispatch.Unsubscribe(bidSub.ID)
		ws.Close()
		return
	}

	conn := &WSConn{id: id, ws: ws, clientID: clientID, bidSub: bidSub, chainSub: chainSub, dispatch: h.dispatch}

	h.mu.Lock()
	h.connections[conn.id] = conn
	h.mu.Unlock()

	go h.writePump(conn)
	h.readPump(conn)
}

// readPump consumes (and discards) inbound frames purely to detect
// disconnects and respond to pongs; the event stream is one-directional
// from the server's perspective.
func (h *WSHandler) readPump(conn *WSConn) {
	defer h.removeConnection(conn)

	conn.ws.SetReadLimit(WSMaxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(WSPongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(WSPongTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards the connection's two dispatcher subscriptions to the
// socket, plus periodic pings.
func (h *WSHandler) writePump(conn *WSConn) {
	ticker := time.NewTicker(WSPingInterval)
	defer ticker.Stop()
	defer conn.ws.Close()

	for {
		select {
		case data, ok := <-conn.bidSub.Channel():
			if !ok {
				return
			}
			if !h.send(conn, string(TopicBidStatusUpdate), data) {
				return
			}
		case data, ok := <-conn.chainSub.Channel():
			if !ok {
				return
			}
			if !h.send(conn, string(TopicSvmChainUpdate), data) {
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(WSWriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) send(conn *WSConn, topic string, data interface{}) bool {
	payload, err := json.Marshal(eventEnvelope{Type: topic, Data: data})
	if err != nil {
		return true
	}
	conn.ws.SetWriteDeadline(time.Now().Add(WSWriteTimeout))
	return conn.ws.WriteMessage(websocket.TextMessage, payload) == nil
}

func (h *WSHandler) removeConnection(conn *WSConn) {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}
	h.dispatch.DisconnectClient(conn.clientID)
	h.mu.Lock()
	delete(h.connections, conn.id)
	h.mu.Unlock()
}

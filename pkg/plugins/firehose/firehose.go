// Package firehose provides the WebSocket event stream plugin: every bus
// event is broadcast as JSON to connected local clients (dashboards, debug
// tooling).
package firehose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"
)

const component = "firehose"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin requests have no Origin header
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		logger.WarnCF(component, "Rejected WebSocket from disallowed origin", map[string]interface{}{"origin": origin})
		return false
	},
}

func init() {
	plugin.RegisterFactory("firehose", func(cfg *config.Config, b *bus.Bus) (plugin.Plugin, error) {
		return New(b, cfg.Plugins.Firehose), nil
	})
}

// Plugin is the WebSocket firehose.
type Plugin struct {
	*plugin.Base
	addr string

	hub       *hub
	server    *http.Server
	cancel    context.CancelFunc
	done      chan struct{}
	startTime time.Time
}

// New creates the firehose plugin.
func New(b *bus.Bus, cfg config.FirehoseConfig) *Plugin {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8791"
	}
	return &Plugin{
		Base: plugin.NewBase(plugin.Metadata{
			Name:        "firehose",
			Version:     "1.0.0",
			Description: "WebSocket event stream",
			Author:      "krill",
			Enabled:     true,
		}, b),
		addr: addr,
	}
}

// OnLoad starts the hub and the HTTP listener, then registers the
// broadcasting handler for the whole event taxonomy.
func (p *Plugin) OnLoad(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.addr, err)
	}

	p.hub = newHub()
	hubCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.hub.run(hubCtx)
	}()

	p.startTime = time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", p.hub.handleWebSocket)
	mux.HandleFunc("/status", p.handleStatus)
	mux.HandleFunc("/history", p.handleHistory)
	p.server = &http.Server{Handler: mux}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF(component, "Server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	p.RegisterHandler(bus.NewFuncHandler("firehose-broadcast", events.AllTypes(),
		func(ctx context.Context, event *events.Event) (interface{}, error) {
			p.hub.broadcastEvent(event)
			return nil, nil
		}).WithPriority(events.PriorityLow))

	logger.InfoCF(component, "Firehose listening", map[string]interface{}{"addr": p.addr})
	return nil
}

// OnUnload tears down the handler, the HTTP server, and the hub.
func (p *Plugin) OnUnload(ctx context.Context) error {
	p.UnregisterAll()
	if p.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			logger.WarnCF(component, "Server shutdown", map[string]interface{}{"error": err.Error()})
		}
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	return nil
}

var _ plugin.Plugin = (*Plugin)(nil)

// ---------------------------------------------------------------------------
// HTTP introspection
// ---------------------------------------------------------------------------

func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]interface{}{
		"uptime_seconds": int64(time.Since(p.startTime).Seconds()),
		"event_types":    p.Bus().EventTypes(),
		"handlers":       p.Bus().HandlerCount(),
		"history_size":   p.Bus().HistoryLen(),
		"clients":        p.hub.clientCount(),
	})
}

// handleHistory serves the bus's recent events: GET /history?type=&limit=.
func (p *Plugin) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, map[string]interface{}{
		"events": p.Bus().History(r.URL.Query().Get("type"), limit),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF(component, "Response encode failed", map[string]interface{}{"error": err.Error()})
	}
}

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub manages WebSocket connections and broadcasts events.
type hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	stopped    chan struct{} // closed when run exits
	mu         sync.RWMutex
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			logger.DebugC(component, "Client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			logger.DebugC(component, "Client disconnected")

		case data := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Client too slow, drop
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// add hands a new client to the run loop. It reports false when the hub has
// already shut down, so a late upgrade never blocks on the channel.
func (h *hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

// remove is the shutdown-safe counterpart for readPump teardown.
func (h *hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcastEvent(event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Channel full, drop event
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF(component, "Upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 64)}
	if !h.add(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump drains the connection so close frames are processed.
func (c *client) readPump(h *hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Package websocket streams orchestrator events to connected operator
// consoles.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/framefabric/backend/internal/events"
)

// EventHub fans bus events out to every connected WebSocket client.
type EventHub struct {
	bus        events.Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewEventHub creates a hub subscribed to every event type on the bus.
func NewEventHub(bus events.Bus) *EventHub {
	return &EventHub{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run pumps registrations and bus events until ctx is canceled. Bus
// delivery is decoupled through a buffered channel; when the buffer is
// full the event is dropped rather than stalling the publisher.
func (h *EventHub) Run(ctx context.Context) {
	feed := make(chan *events.Event, 256)
	unsubscribe := h.bus.SubscribeAll(func(_ context.Context, event *events.Event) error {
		select {
		case feed <- event:
		default:
		}
		return nil
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("[EventHub] Client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("[EventHub] Client disconnected", "total", total)

		case event := <-feed:
			h.broadcast(event)
		}
	}
}

func (h *EventHub) broadcast(event *events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if err := client.WriteJSON(event); err != nil {
			slog.Warn("[EventHub] Write failed, dropping client", "error", err)
			client.Close()
			delete(h.clients, client)
		}
	}
}

func (h *EventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// peer goes away. Inbound messages are drained and ignored.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[EventHub] Upgrade failed", "error", err)
		return
	}

	h.register <- conn

	go func() {
		defer func() {
			h.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

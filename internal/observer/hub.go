// Package observer fans device and command status events out to connected admin
// dashboards.
package observer

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/wsconn"
)

// Broadcaster publishes an event to every administrative observer.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// Nop discards broadcasts.
type Nop struct{}

func (Nop) Broadcast(string, interface{}) {}

const defaultQueueSize = 1024

// Hub holds observer connections and a single fan-out loop fed by an async queue, so a
// slow dashboard never blocks the device path.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*wsconn.Client]struct{}
	queue    chan []byte
	upgrader websocket.Upgrader
	cfg      wsconn.Config
	log      zerolog.Logger
}

// NewHub creates a Hub. Call Run to start delivering.
func NewHub(upgrader websocket.Upgrader, cfg wsconn.Config, log zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[*wsconn.Client]struct{}),
		queue:    make(chan []byte, defaultQueueSize),
		upgrader: upgrader,
		cfg:      cfg,
		log:      log.With().Str("component", "observer").Logger(),
	}
}

// Broadcast queues event for every observer. Non-blocking: the event is dropped with a
// warning when the queue is full.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := wsconn.Marshal(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to marshal broadcast")
		return
	}
	select {
	case h.queue <- data:
	default:
		h.log.Warn().Str("event", event).Msg("broadcast queue full, dropping event")
	}
}

// Run delivers queued broadcasts until ctx is done, restarting the loop after a panic.
func (h *Hub) Run(ctx context.Context) error {
	for {
		err := h.runLoop(ctx)
		if ctx.Err() != nil {
			h.closeAll()
			return nil
		}
		h.log.Error().Err(err).Msg("broadcast loop crashed, restarting")
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broadcast panic: %v\n%s", r, debug.Stack())
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-h.queue:
			h.fanOut(data)
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	clients := make([]*wsconn.Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.SendRaw(data)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.Close()
	}
	h.clients = make(map[*wsconn.Client]struct{})
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades authorized requests to observer connections. authorize receives the
// request and returns an error to reject it with 401.
func (h *Hub) Handler(authorize func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authorize(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("observer upgrade failed")
			return
		}

		client := wsconn.New(conn, uuid.NewString(), h.cfg, h.log)
		h.mu.Lock()
		h.clients[client] = struct{}{}
		h.mu.Unlock()
		h.log.Debug().Str("conn_id", client.ID()).Msg("observer connected")

		go client.WritePump()
		client.ReadPump(func(wsconn.Envelope) {})

		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		h.log.Debug().Str("conn_id", client.ID()).Msg("observer disconnected")
	}
}

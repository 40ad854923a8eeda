package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultBufferSize = 16
	writeTimeout      = 5 * time.Second
	pingInterval      = 30 * time.Second
)

// Message is the frame pushed to clients.
type Message struct {
	Event          string    `json:"event"`
	OrganizationID string    `json:"organization_id"`
	Data           any       `json:"data"`
	SentAt         time.Time `json:"sent_at"`
}

type client struct {
	send chan []byte
}

// Hub fans organization-scoped events out to connected websocket clients.
// Slow clients lose messages instead of blocking the sender.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*client]struct{}
	bufferSize int
	logger     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*client]struct{}),
		bufferSize: defaultBufferSize,
		logger:     logger.With().Str("component", "realtime").Logger(),
	}
}

// EmitToOrganization queues event for every connection of the organization.
func (h *Hub) EmitToOrganization(ctx context.Context, organizationID, event string, payload any) error {
	data, err := json.Marshal(Message{
		Event:          event,
		OrganizationID: organizationID,
		Data:           payload,
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", event, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for c := range h.clients[organizationID] {
		select {
		case c.send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().
			Str("organization_id", organizationID).
			Str("event", event).
			Int("dropped", dropped).
			Msg("client buffer full, message dropped")
	}
	return nil
}

// ConnectionCount returns the number of live connections of an organization.
func (h *Hub) ConnectionCount(organizationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[organizationID])
}

func (h *Hub) register(organizationID string) *client {
	c := &client{send: make(chan []byte, h.bufferSize)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[organizationID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[organizationID] = set
	}
	set[c] = struct{}{}
	return c
}

func (h *Hub) unregister(organizationID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[organizationID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, organizationID)
	}
}

// Serve pumps events to conn until the client goes away or ctx ends.
// Inbound frames are discarded.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, organizationID string) error {
	c := h.register(organizationID)
	defer h.unregister(organizationID, c)

	ctx = conn.CloseRead(ctx)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	h.logger.Debug().Str("organization_id", organizationID).Msg("client connected")
	defer h.logger.Debug().Str("organization_id", organizationID).Msg("client disconnected")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return fmt.Errorf("write message: %w", err)
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/shiftly/dispatch/internal/dispatch/events"
)

// Hub manages the websocket event streams of connected actors.
type Hub struct {
	// Connection pools organized by actor ID. One actor may hold several
	// streams (multiple devices).
	actorConns map[uuid.UUID]map[*conn]bool
	mu         sync.RWMutex

	upgrader websocket.Upgrader
	config   HubConfig

	deliverCh chan delivery
}

// conn is one live actor stream.
type conn struct {
	id      string
	actorID uuid.UUID
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub

	connectedAt time.Time
	lastPing    time.Time
}

// HubConfig holds websocket stream settings.
type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// delivery is one envelope bound for a set of actors.
type delivery struct {
	targets []uuid.UUID
	env     events.Envelope
}

// DefaultHubConfig returns default websocket stream settings. The ping
// interval must stay well inside the client read timeout.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewHub creates a websocket hub.
func NewHub(config HubConfig) *Hub {
	return &Hub{
		actorConns: make(map[uuid.UUID]map[*conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:    config,
		deliverCh: make(chan delivery, 1000),
	}
}

// Start begins draining the delivery queue.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("gateway hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway hub shutting down")
			return
		case d := <-h.deliverCh:
			h.handleDelivery(d)
		}
	}
}

// Deliver queues an envelope for every listed actor. Non-blocking; a full
// queue drops the delivery with a warning and clients recover through
// state re-fetch.
func (h *Hub) Deliver(targets []uuid.UUID, env events.Envelope) {
	select {
	case h.deliverCh <- delivery{targets: targets, env: env}:
	default:
		log.Warn().
			Str("event_id", env.EventID).
			Str("job_id", env.JobID).
			Msg("delivery queue full, dropping event")
	}
}

// Upgrade promotes an authenticated HTTP request to an event stream.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, actorID uuid.UUID) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	c := &conn{
		id:          uuid.New().String(),
		actorID:     actorID,
		ws:          ws,
		send:        make(chan []byte, 256),
		hub:         h,
		connectedAt: time.Now(),
		lastPing:    time.Now(),
	}

	h.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("actor_id", actorID.String()).
		Msg("event stream established")

	return nil
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.actorConns[c.actorID] == nil {
		h.actorConns[c.actorID] = make(map[*conn]bool)
	}
	h.actorConns[c.actorID][c] = true

	log.Debug().
		Str("connection_id", c.id).
		Str("actor_id", c.actorID.String()).
		Int("actor_connections", len(h.actorConns[c.actorID])).
		Msg("connection registered")
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, exists := h.actorConns[c.actorID]; exists {
		if _, exists := conns[c]; exists {
			// send is never closed: handleDelivery may hold a snapshot of
			// this conn and still push to it. writePump exits through the
			// socket error after ws.Close instead.
			delete(conns, c)

			if len(conns) == 0 {
				delete(h.actorConns, c.actorID)
			}

			log.Info().
				Str("connection_id", c.id).
				Str("actor_id", c.actorID.String()).
				Msg("connection unregistered")
		}
	}
}

// handleDelivery fans one envelope out to every stream of every target actor.
func (h *Hub) handleDelivery(d delivery) {
	h.mu.RLock()
	var targets []*conn
	for _, actorID := range d.targets {
		for c := range h.actorConns[actorID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(d.env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal envelope for delivery")
		return
	}

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", c.id).
				Str("actor_id", c.actorID.String()).
				Msg("send buffer full, closing connection")
			h.unregister(c)
			c.ws.Close()
		}
	}

	log.Debug().
		Str("event", string(d.env.Type)).
		Str("job_id", d.env.JobID).
		Int("connections", len(targets)).
		Msg("event delivered")
}

// Stats reports active connection counts.
func (h *Hub) Stats() (totalConns int, activeActors int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.actorConns {
		totalConns += len(conns)
	}
	return totalConns, len(h.actorConns)
}

// writePump pushes queued envelopes and pings to the peer.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write to event stream")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
			c.lastPing = time.Now()
		}
	}
}

// readPump drains the peer so control frames are processed; the stream is
// server-to-client only, so inbound data frames are logged and ignored.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		c.lastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected event stream close")
			}
			break
		}

		log.Debug().
			Str("connection_id", c.id).
			Str("actor_id", c.actorID.String()).
			RawJSON("message", message).
			Msg("ignoring inbound client frame")
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

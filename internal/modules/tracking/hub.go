// README: Live fan-out of booking updates to tracking websocket streams, relayed
// across instances through Redis pub/sub.
package tracking

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dispatch/internal/events"
	"dispatch/internal/logging"
	"dispatch/internal/observability"
	"dispatch/internal/types"
)

const (
	channelPrefix = "dispatch:tracking:stream:"
	clientBuffer  = 64
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
)

// Update is the stream message sent to token holders.
type Update struct {
	Type        events.Type  `json:"type"`
	BookingID   types.ID     `json:"booking_id"`
	Status      string       `json:"status,omitempty"`
	Position    *types.Point `json:"position,omitempty"`
	RemainingKm *float64     `json:"remaining_km,omitempty"`
	ETA         *time.Time   `json:"eta,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

type Client struct {
	BookingID types.ID
	Send      chan []byte
}

type Hub struct {
	redis   *redis.Client
	log     logrus.FieldLogger
	mu      sync.RWMutex
	clients map[types.ID]map[*Client]struct{}
}

// NewHub returns a hub; with a nil client delivery stays in-process.
func NewHub(redisClient *redis.Client, log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logging.Discard()
	}
	return &Hub{
		redis:   redisClient,
		log:     log,
		clients: map[types.ID]map[*Client]struct{}{},
	}
}

func (h *Hub) Register(bookingID types.ID) *Client {
	client := &Client{BookingID: bookingID, Send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[bookingID] == nil {
		h.clients[bookingID] = map[*Client]struct{}{}
	}
	h.clients[bookingID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[client.BookingID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.BookingID)
	}
	close(client.Send)
}

// HandleEvent turns booking events into stream updates. It is subscribed to the
// event bus and never fails delivery.
func (h *Hub) HandleEvent(ctx context.Context, e events.Event) error {
	u := Update{
		Type:        e.Type,
		BookingID:   e.BookingID,
		Status:      e.To,
		Position:    e.Position,
		RemainingKm: e.RemainingKm,
		ETA:         e.ETA,
		OccurredAt:  e.OccurredAt,
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	h.Broadcast(ctx, e.BookingID, payload)
	return nil
}

// Broadcast publishes through Redis when configured, so every instance (this one
// included) delivers from its subscription; otherwise it delivers locally.
func (h *Hub) Broadcast(ctx context.Context, bookingID types.ID, payload []byte) {
	if h.redis == nil {
		h.deliver(bookingID, payload)
		return
	}
	if err := h.redis.Publish(ctx, channelPrefix+string(bookingID), payload).Err(); err != nil {
		h.log.WithError(err).WithField("booking_id", bookingID).Warn("tracking relay publish failed, delivering locally")
		h.deliver(bookingID, payload)
	}
}

// deliver drops the message for clients whose buffer is full.
func (h *Hub) deliver(bookingID types.ID, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[bookingID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

// Run relays Redis messages to local clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.redis == nil {
		<-ctx.Done()
		return nil
	}
	pubsub := h.redis.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.deliver(types.ID(strings.TrimPrefix(msg.Channel, channelPrefix)), []byte(msg.Payload))
		}
	}
}

// Serve streams updates for bookingID to conn until the peer leaves or the
// session expires at until.
func (h *Hub) Serve(conn *websocket.Conn, bookingID types.ID, until time.Time) {
	client := h.Register(bookingID)
	observability.TrackingStreams.Inc()
	defer observability.TrackingStreams.Dec()
	defer h.Unregister(client)
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	expiry := time.NewTimer(time.Until(until))
	defer expiry.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-expiry.C:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrExpired.Error()),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		}
	}
}

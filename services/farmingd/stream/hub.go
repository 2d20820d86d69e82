package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"yieldfarm/core/events"
	"yieldfarm/core/types"
	"yieldfarm/observability/metrics"
)

const (
	wsWriteTimeout          = 10 * time.Second
	defaultSubscriberBuffer = 32
)

// Hub broadcasts engine events to websocket subscribers. Each subscriber
// has a bounded buffer; a subscriber whose buffer is full is disconnected
// rather than allowed to stall the engine.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int
	logger *slog.Logger
}

type subscriber struct {
	ch     chan []byte
	closed bool
}

// NewHub creates a hub with per-subscriber buffer size.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[uint64]*subscriber), buffer: buffer, logger: logger}
}

// Subscribe registers a subscriber. The returned channel closes when the
// subscriber is dropped or cancel is called.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	sub := &subscriber{ch: make(chan []byte, h.buffer)}
	h.subs[id] = sub
	return sub.ch, func() { h.remove(id) }
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Emit(evt events.Event) {
	payload, ok := Payload(evt)
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("encode event for subscribers", slog.String("type", evt.EventType()), slog.Any("error", err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			delete(h.subs, id)
			sub.closed = true
			close(sub.ch)
			h.logger.Warn("dropping slow event subscriber", slog.Uint64("subscriber", id))
			metrics.Farming().ObservePublishFailure("websocket")
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or is dropped.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The server's WriteTimeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := h.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := writeEvent(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// DecodeEvent parses one websocket message.
func DecodeEvent(data []byte) (*types.Event, error) {
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

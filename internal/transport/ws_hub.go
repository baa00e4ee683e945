package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/post-trade-engine/internal/metrics"
	"github.com/atmx/post-trade-engine/internal/model"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 5 * time.Second
	// Messages queued per subscriber before it is considered too slow and
	// dropped.
	wsSendBuffer = 64
)

// WSMessage is the JSON frame pushed to subscribers. Type is either
// "lifecycle_event" or "workflow_completed".
type WSMessage struct {
	Type    string `json:"type"`
	TradeID string `json:"trade_id"`
	EventID string `json:"event_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Status  string `json:"status,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// subscriber is one WebSocket client. Only its writer goroutine touches
// the connection for writes.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub streams lifecycle events and workflow completions to subscribers.
// It doubles as an EventBus so the trading agent can publish to it directly.
type WSHub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	frames chan []byte
	join   chan *subscriber
	leave  chan *subscriber
	done   chan struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{
		subs:   make(map[*subscriber]struct{}),
		frames: make(chan []byte, 256),
		join:   make(chan *subscriber),
		leave:  make(chan *subscriber),
		done:   make(chan struct{}),
	}
}

// Run owns the subscriber set until ctx is cancelled, then disconnects
// everyone.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Debug("ws subscriber joined", "subscribers", n)

		case s := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				h.drop(s)
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case frame := <-h.frames:
			h.mu.Lock()
			for s := range h.subs {
				select {
				case s.send <- frame:
				default:
					slog.Warn("ws subscriber too slow, disconnecting")
					h.drop(s)
				}
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// drop removes s and stops its writer. h.mu must be held.
func (h *WSHub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.send)
}

// ClientCount returns the number of connected subscribers.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues msg for every subscriber. A full queue drops the message
// rather than stalling the workflow that produced it.
func (h *WSHub) Broadcast(msg WSMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("ws frame encode failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.frames <- frame:
	default:
	}
}

// PublishLifecycleEvent implements EventBus.
func (h *WSHub) PublishLifecycleEvent(_ context.Context, event model.LifecycleEvent) error {
	h.Broadcast(WSMessage{
		Type:    "lifecycle_event",
		TradeID: event.TradeID,
		EventID: event.ID,
		Kind:    string(event.Kind),
		Payload: event.Payload,
	})
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades the request and subscribes the connection.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, wsSendBuffer)}

	select {
	case h.join <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writeLoop(s)
	go h.readLoop(s)
}

// readLoop discards client frames and notices disconnects.
func (h *WSHub) readLoop(s *subscriber) {
	defer func() {
		select {
		case h.leave <- s:
		case <-h.done:
		}
	}()
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop delivers queued frames and pings until the hub closes s.send.
func (h *WSHub) writeLoop(s *subscriber) {
	ping := time.NewTicker(wsPingInterval)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxReadBytes   = 4 << 10
	wsSendBuffer     = 64
	wsPongWait       = 45 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsWriteWait      = 10 * time.Second
	wsMaxUnacked     = 256
	defaultRedeliver = 2 * time.Second
	defaultAttempts  = 5
)

// PushEvent is the frame broadcast to push subscribers.
type PushEvent struct {
	Type    approval.EventType `json:"type"`
	Seq     int64              `json:"seq"`
	Request *approval.View     `json:"request,omitempty"`
	Count   int64              `json:"count,omitempty"`
	At      time.Time          `json:"at"`
}

// AckFrame is sent by subscribers to confirm delivery of seq.
type AckFrame struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

// SubscriberObserver is notified when the subscriber count changes.
type SubscriberObserver interface {
	SetSubscribers(n int)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRedelivery sets how often unacknowledged events are resent and how many
// sends an event gets in total.
func WithRedelivery(interval time.Duration, attempts int) HubOption {
	return func(h *Hub) {
		if interval > 0 {
			h.redeliverEvery = interval
		}
		if attempts > 0 {
			h.maxAttempts = attempts
		}
	}
}

// WithSubscriberObserver reports subscriber count changes to o.
func WithSubscriberObserver(o SubscriberObserver) HubOption {
	return func(h *Hub) { h.observer = o }
}

// Hub fans queue events out to websocket subscribers. Delivery is
// at-least-once while a subscriber stays connected; subscribers that fall
// behind are disconnected and must resync through list pending.
type Hub struct {
	upgrader       websocket.Upgrader
	redeliverEvery time.Duration
	maxAttempts    int
	observer       SubscriberObserver

	mu          sync.Mutex
	seq         int64
	subscribers map[string]*subscriber
	closed      bool
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 8192,
			// Loopback only; the bearer token guards the route.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		redeliverEvery: defaultRedeliver,
		maxAttempts:    defaultAttempts,
		subscribers:    make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// HandleApprovalEvent implements approval.Listener.
func (h *Hub) HandleApprovalEvent(_ context.Context, event approval.Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.seq++
	frame := PushEvent{Type: event.Type, Seq: h.seq, Count: event.Count, At: event.At}
	if event.Request != nil {
		view := event.Request.View()
		frame.Request = &view
	}
	targets := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("push event encode failed", "type", event.Type, "error", err)
		return
	}
	for _, sub := range targets {
		if !sub.enqueue(outbound{seq: frame.Seq, data: data}) {
			slog.Warn("push subscriber too slow, disconnecting", "subscriber", sub.id)
			sub.cancel()
		}
	}
}

// ServeHTTP upgrades the connection and streams events until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		hub:     h,
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan outbound, wsSendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		unacked: make(map[int64]*inflight),
	}
	if !h.register(sub) {
		cancel()
		_ = conn.Close()
		return
	}
	slog.Debug("push subscriber connected", "subscriber", sub.id, "remote", r.RemoteAddr)
	sub.run()
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}

func (h *Hub) register(sub *subscriber) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.subscribers[sub.id] = sub
	h.observeLocked()
	h.mu.Unlock()
	return true
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub.id)
	h.observeLocked()
	h.mu.Unlock()
}

func (h *Hub) observeLocked() {
	if h.observer != nil {
		h.observer.SetSubscribers(len(h.subscribers))
	}
}

type outbound struct {
	seq  int64
	data []byte
}

type inflight struct {
	data     []byte
	attempts int
	sentAt   time.Time
}

type subscriber struct {
	hub    *Hub
	id     string
	conn   *websocket.Conn
	send   chan outbound
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	unacked map[int64]*inflight
}

func (s *subscriber) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *subscriber) close() {
	s.cancel()
	_ = s.conn.Close()
	s.hub.unregister(s)
	slog.Debug("push subscriber disconnected", "subscriber", s.id)
}

func (s *subscriber) enqueue(msg outbound) bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) ack(seq int64) {
	s.mu.Lock()
	delete(s.unacked, seq)
	s.mu.Unlock()
}

func (s *subscriber) readLoop() {
	s.conn.SetReadLimit(wsMaxReadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		var frame AckFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "ack" {
			continue
		}
		s.ack(frame.Seq)
	}
}

func (s *subscriber) writeLoop() {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	tick := s.hub.redeliverEvery / 2
	if tick <= 0 {
		tick = s.hub.redeliverEvery
	}
	redeliver := time.NewTicker(tick)
	defer redeliver.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			_ = s.conn.Close()
			return
		case msg := <-s.send:
			if !s.track(msg) {
				slog.Warn("push subscriber has too many unacknowledged events, disconnecting", "subscriber", s.id)
				s.cancel()
				continue
			}
			if err := s.write(msg.data); err != nil {
				s.cancel()
				continue
			}
		case <-redeliver.C:
			for _, data := range s.due(time.Now()) {
				if err := s.write(data); err != nil {
					s.cancel()
					break
				}
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
			}
		}
	}
}

func (s *subscriber) write(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *subscriber) track(msg outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unacked) >= wsMaxUnacked {
		return false
	}
	s.unacked[msg.seq] = &inflight{data: msg.data, attempts: 1, sentAt: time.Now()}
	return true
}

// due returns frames whose last send is older than the redelivery interval,
// dropping those that used up their attempts.
func (s *subscriber) due(now time.Time) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte
	for seq, f := range s.unacked {
		if now.Sub(f.sentAt) < s.hub.redeliverEvery {
			continue
		}
		if f.attempts >= s.hub.maxAttempts {
			delete(s.unacked, seq)
			slog.Debug("push event abandoned", "subscriber", s.id, "seq", seq)
			continue
		}
		f.attempts++
		f.sentAt = now
		out = append(out, f.data)
	}
	return out
}

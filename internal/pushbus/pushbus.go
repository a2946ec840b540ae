// Package pushbus implements the PushBus collaborator spec.md §6.3 names:
// fan-out of a StreamMux Frame to any external subscriber — a websocket
// client watching an execution's output, or a project-wide dashboard —
// keyed by topic string rather than StreamMux's own per-execution
// subscriber set. It is adapted from internal/websocket's Hub, re-keyed
// from room-id/user-id semantics to spec.md's `execution/{id}` and
// `project/{id}` topics, and carrying streammux.Frame instead of chat
// Message payloads. The Orchestrator publishes only each execution's
// terminal status frame to its topic, not its stdout/stderr frames.
package pushbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"apex-orchestrator/internal/logging"
	"apex-orchestrator/internal/streammux"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	subscriberSend = 256
)

// wireFrame is the JSON shape a subscriber receives over the wire.
type wireFrame struct {
	Topic     string          `json:"topic"`
	Seq       uint64          `json:"seq"`
	Kind      streammux.Kind  `json:"kind"`
	Status    streammux.Status `json:"status,omitempty"`
	Payload   string          `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscriber is one topic-scoped listener: either a raw Go channel registered
// through Subscribe or a websocket connection registered through
// HandleWebSocket.
type subscriber struct {
	send chan wireFrame
	conn *websocket.Conn
}

// Bus is the in-process publish/subscribe fabric. One Bus instance serves
// the whole orchestrator process; topics are created lazily on first
// subscribe and torn down when their last subscriber leaves.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]bool

	register   chan topicSub
	unregister chan topicSub
	publish    chan topicFrame
	shutdown   chan struct{}
}

type topicSub struct {
	topic string
	sub   *subscriber
}

type topicFrame struct {
	topic string
	frame streammux.Frame
}

// New creates a Bus with its actor loop not yet started; call Run in its
// own goroutine before any Publish/Subscribe traffic arrives.
func New() *Bus {
	return &Bus{
		topics:     make(map[string]map[*subscriber]bool),
		register:   make(chan topicSub),
		unregister: make(chan topicSub),
		publish:    make(chan topicFrame, 256),
		shutdown:   make(chan struct{}),
	}
}

// Run is the Bus's single actor goroutine, serializing every
// register/unregister/publish against the topics map. Mirrors
// internal/websocket.Hub.Run's shutdown-channel pattern.
func (b *Bus) Run() {
	for {
		select {
		case <-b.shutdown:
			b.mu.Lock()
			for _, subs := range b.topics {
				for s := range subs {
					close(s.send)
				}
			}
			b.topics = make(map[string]map[*subscriber]bool)
			b.mu.Unlock()
			return

		case ts := <-b.register:
			b.mu.Lock()
			if b.topics[ts.topic] == nil {
				b.topics[ts.topic] = make(map[*subscriber]bool)
			}
			b.topics[ts.topic][ts.sub] = true
			b.mu.Unlock()

		case ts := <-b.unregister:
			b.mu.Lock()
			if subs := b.topics[ts.topic]; subs != nil {
				if _, ok := subs[ts.sub]; ok {
					delete(subs, ts.sub)
					close(ts.sub.send)
					if len(subs) == 0 {
						delete(b.topics, ts.topic)
					}
				}
			}
			b.mu.Unlock()

		case tf := <-b.publish:
			b.deliver(tf.topic, tf.frame)
		}
	}
}

// Shutdown stops the actor loop and closes every subscriber channel.
func (b *Bus) Shutdown() { close(b.shutdown) }

// Publish implements orchestrator.PushBus: fan a Frame out to every
// subscriber of topic. Never blocks the caller — full subscriber queues
// are dropped rather than stalling the publishing fibre.
func (b *Bus) Publish(topic string, frame streammux.Frame) {
	select {
	case b.publish <- topicFrame{topic: topic, frame: frame}:
	default:
		logging.S().Warnw("pushbus: publish queue full, dropping frame", "topic", topic)
	}
}

func (b *Bus) deliver(topic string, frame streammux.Frame) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	wf := wireFrame{
		Topic:     topic,
		Seq:       frame.Seq,
		Kind:      frame.Kind,
		Status:    frame.Status,
		Timestamp: frame.Timestamp,
	}
	if frame.Kind != streammux.KindStatus {
		wf.Payload = string(frame.Payload)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range subs {
		select {
		case s.send <- wf:
		default:
			logging.S().Warnw("pushbus: subscriber lagging, dropping frame", "topic", topic)
		}
	}
}

// Subscribe registers a plain Go channel against topic, for callers that
// don't speak websocket directly (the package tests; internal/transport's SSE
// fallback reads Orchestrator.Subscribe instead). The returned cancel func
// must be called to unregister.
func (b *Bus) Subscribe(topic string) (<-chan wireFrame, func()) {
	s := &subscriber{send: make(chan wireFrame, subscriberSend)}
	b.register <- topicSub{topic: topic, sub: s}
	cancel := func() { b.unregister <- topicSub{topic: topic, sub: s} }
	return s.send, cancel
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and streams every Frame published to
// topic to the caller until the connection drops. topic is taken verbatim
// from the route (e.g. "execution/"+id or "project/"+id); authorization
// that the caller may watch it is the transport layer's job.
func (b *Bus) HandleWebSocket(c *gin.Context, topic string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.S().Warnw("pushbus: websocket upgrade failed", "topic", topic, "error", err)
		return
	}

	s := &subscriber{send: make(chan wireFrame, subscriberSend), conn: conn}
	b.register <- topicSub{topic: topic, sub: s}

	done := make(chan struct{})
	go b.readLoop(s, topic, done)
	b.writeLoop(s, topic, done)
}

// readLoop only watches for the peer closing the socket; subscribers never
// send application messages upstream, they just receive frames.
func (b *Bus) readLoop(s *subscriber, topic string, done chan struct{}) {
	defer close(done)
	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bus) writeLoop(s *subscriber, topic string, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		b.unregister <- topicSub{topic: topic, sub: s}
	}()

	for {
		select {
		case <-done:
			return

		case wf, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(wf)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

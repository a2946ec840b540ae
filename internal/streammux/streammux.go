// Package streammux fans out stdout/stderr/status frames for one execution
// to many subscribers in publication order (spec.md §4.6). Each execution
// gets its own actor goroutine owning an append-only ring buffer and its
// subscriber set — never a shared map of channels guarded by an external
// lock (spec.md §9's explicit design note).
package streammux

import (
	"context"
	"sync"
	"time"
)

// Kind discriminates a Frame's payload.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindStatus Kind = "status"
)

// Status is the enumerated payload of a KindStatus frame.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusError          Status = "error"
	StatusTimeout        Status = "timeout"
	StatusStopped        Status = "stopped"
	StatusSubscriberLag  Status = "subscriber-lagged"
)

// Frame is one unit of streamed output.
type Frame struct {
	Seq       uint64
	Kind      Kind
	Status    Status // set when Kind == KindStatus
	Payload   []byte // set when Kind is stdout/stderr
	Timestamp time.Time
}

func isTerminalStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusError, StatusTimeout, StatusStopped:
		return true
	default:
		return false
	}
}

// subscriberBufferSize is the default bounded channel depth per subscriber
// before it is dropped with a subscriber-lagged frame (spec.md §4.6).
const subscriberBufferSize = 256

type subscriber struct {
	ch     chan Frame
	lagged bool
}

type subscribeRequest struct {
	fromSeq uint64
	reply   chan *subscription
}

type subscription struct {
	ch      <-chan Frame
	cancel  func()
}

// Mux is the actor for one execution's stream: a single command channel
// serializes Publish/Subscribe/Close against the ring buffer and subscriber
// set, so no mutex is held across a suspension point.
type Mux struct {
	execID string
	ring   []Frame
	cap    int
	nextSeq uint64
	subs    map[int]*subscriber
	nextSub int
	closed  bool

	publishCh   chan Frame
	subscribeCh chan subscribeRequest
	unsubCh     chan int
	doneCh      chan struct{}
	closeOnce   sync.Once
}

// New starts the actor goroutine for one execution and returns its handle.
// ringCap bounds the replay buffer to the configured per-stream output cap.
func New(execID string, ringCap int) *Mux {
	if ringCap <= 0 {
		ringCap = 4096
	}
	m := &Mux{
		execID:      execID,
		cap:         ringCap,
		subs:        make(map[int]*subscriber),
		publishCh:   make(chan Frame, 64),
		subscribeCh: make(chan subscribeRequest),
		unsubCh:     make(chan int),
		doneCh:      make(chan struct{}),
	}
	go m.run()
	return m
}

// Publish appends a frame, assigns it the next sequence number, and fans it
// out to subscribers. Safe to call concurrently; publishers are still
// expected to be a single reader-task pair per stream (spec.md's "single
// publisher per key" discipline) — Publish itself only serializes through
// the actor's command channel.
func (m *Mux) Publish(ctx context.Context, f Frame) {
	select {
	case m.publishCh <- f:
	case <-m.doneCh:
	case <-ctx.Done():
	}
}

// Subscribe returns a finite channel that replays buffered frames with
// sequence ≥ fromSeq, then live frames, then the terminal frame, then
// closes. The returned cancel func unregisters the subscriber early.
func (m *Mux) Subscribe(ctx context.Context, fromSeq uint64) (<-chan Frame, func()) {
	reply := make(chan *subscription, 1)
	select {
	case m.subscribeCh <- subscribeRequest{fromSeq: fromSeq, reply: reply}:
	case <-m.doneCh:
		ch := make(chan Frame)
		close(ch)
		return ch, func() {}
	case <-ctx.Done():
		ch := make(chan Frame)
		close(ch)
		return ch, func() {}
	}
	sub := <-reply
	return sub.ch, sub.cancel
}

// Close stops the actor. Any buffered terminal frame has already been
// delivered to subscribers attached before Close; further Subscribe calls
// get a closed channel.
func (m *Mux) Close() {
	m.closeOnce.Do(func() { close(m.doneCh) })
}

func (m *Mux) run() {
	for {
		select {
		case f := <-m.publishCh:
			m.publish(f)
			if f.Kind == KindStatus && isTerminalStatus(f.Status) {
				m.closeAllSubscribers()
				m.Close()
				return
			}
		case req := <-m.subscribeCh:
			req.reply <- m.subscribe(req.fromSeq)
		case id := <-m.unsubCh:
			if s, ok := m.subs[id]; ok {
				close(s.ch)
				delete(m.subs, id)
			}
		case <-m.doneCh:
			for drained := false; !drained; {
				select {
				case f := <-m.publishCh:
					m.publish(f)
				default:
					drained = true
				}
			}
			m.closeAllSubscribers()
			return
		}
	}
}

func (m *Mux) publish(f Frame) {
	f.Seq = m.nextSeq
	m.nextSeq++
	m.ring = append(m.ring, f)
	if len(m.ring) > m.cap {
		m.ring = m.ring[len(m.ring)-m.cap:]
	}
	for id, s := range m.subs {
		if s.lagged {
			continue
		}
		select {
		case s.ch <- f:
		default:
			s.lagged = true
			lag := Frame{Kind: KindStatus, Status: StatusSubscriberLag, Timestamp: f.Timestamp}
			select {
			case s.ch <- lag:
			default:
			}
			close(s.ch)
			delete(m.subs, id)
		}
	}
}

func (m *Mux) subscribe(fromSeq uint64) *subscription {
	id := m.nextSub
	m.nextSub++
	ch := make(chan Frame, subscriberBufferSize)

	for _, f := range m.ring {
		if f.Seq >= fromSeq {
			select {
			case ch <- f:
			default:
				// ring replay itself overflowed the subscriber buffer; treat
				// as an immediate lag rather than block the actor.
				lag := Frame{Kind: KindStatus, Status: StatusSubscriberLag}
				select {
				case ch <- lag:
				default:
				}
				close(ch)
				return &subscription{ch: ch, cancel: func() {}}
			}
		}
	}

	m.subs[id] = &subscriber{ch: ch}
	cancel := func() {
		select {
		case m.unsubCh <- id:
		case <-m.doneCh:
		}
	}
	return &subscription{ch: ch, cancel: cancel}
}

func (m *Mux) closeAllSubscribers() {
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
}

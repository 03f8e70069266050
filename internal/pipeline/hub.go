package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/facelink/internal/annotate"
	"github.com/ayusman/facelink/internal/detector"
	"github.com/ayusman/facelink/internal/link"
	"github.com/ayusman/facelink/internal/signal"
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventFrame       EventKind = "frame"
	EventSendError   EventKind = "send_error"
	EventCameraError EventKind = "camera_error"
	EventLinkState   EventKind = "link_state"
	EventStarted     EventKind = "started"
	EventStopped     EventKind = "stopped"
)

// Event is delivered to subscribers. Events are shared between
// subscriptions and must be treated as read-only.
type Event struct {
	Kind EventKind `json:"kind"`
	// Seq is assigned by the hub and increases across the hub's lifetime.
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`

	FrameSeq   uint64               `json:"frame_seq,omitempty"`
	Width      int                  `json:"width,omitempty"`
	Height     int                  `json:"height,omitempty"`
	Image      []byte               `json:"-"`
	Format     annotate.Format      `json:"format,omitempty"`
	Detections []detector.Detection `json:"detections,omitempty"`
	Signal     *signal.Signal       `json:"signal,omitempty"`

	Link *link.Status `json:"link,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Hub fans events out to subscriptions without ever blocking the publisher.
type Hub struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[string]*Subscription
	buffer int
	closed bool
}

// NewHub creates a hub whose subscriptions default to buffer slots.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

// Subscription is one observer's bounded event queue.
type Subscription struct {
	ID string
	C  <-chan Event

	ch      chan Event
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a new subscription. buffer <= 0 uses the hub default.
// On a closed hub the returned subscription's channel is already closed.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.buffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{
		ID:  uuid.NewString(),
		C:   ch,
		ch:  ch,
		hub: h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	h.subs[s.ID] = s
	return s
}

// Publish stamps ev with the next sequence number and delivers it to every
// subscription. A full subscription loses its oldest queued event.
func (h *Hub) Publish(ev Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	if h.closed {
		return ev
	}

	for _, s := range h.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	return ev
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s.ID)
	s.once.Do(func() { close(s.ch) })
}

// Dropped returns how many events this subscription lost to overload.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

package store

import (
	"sync"

	"github.com/ayusman/facelink/internal/link"
	"github.com/ayusman/facelink/internal/log"
)

const recorderQueue = 64

// LinkRecorder persists link transitions and remembers devices that
// reached Connected. Register Observe with link.Link.OnStateChange; writes
// happen on the recorder's own goroutine in transition order.
type LinkRecorder struct {
	store     *Store
	transport string

	queue chan link.Status
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewLinkRecorder returns a running recorder tagging devices with
// transport. Close it before closing the store.
func (s *Store) NewLinkRecorder(transport string) *LinkRecorder {
	r := &LinkRecorder{
		store:     s,
		transport: transport,
		queue:     make(chan link.Status, recorderQueue),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

// Observe queues st without blocking. Transitions arriving while the queue
// is full or after Close are dropped.
func (r *LinkRecorder) Observe(st link.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- st:
	default:
		logger := log.Component("store")
		logger.Warn().Str("state", st.State.String()).Msg("link event queue full")
	}
}

// Close writes everything already queued and stops the recorder.
func (r *LinkRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *LinkRecorder) loop() {
	defer close(r.done)
	for st := range r.queue {
		r.record(st)
	}
}

func (r *LinkRecorder) record(st link.Status) {
	logger := log.Component("store")

	ev := &LinkEvent{
		Address:   st.Address,
		Session:   st.Session,
		State:     st.State.String(),
		Reason:    st.Reason,
		CreatedAt: st.Since,
	}
	if err := r.store.Events().Record(ev); err != nil {
		logger.Warn().Err(err).Str("state", ev.State).Msg("record link event")
	}

	if st.State == link.Connected && st.Address != "" {
		if err := r.store.Devices().MarkConnected(st.Address, r.transport, st.Since); err != nil {
			logger.Warn().Err(err).Str("address", st.Address).Msg("remember device")
		}
	}
}

package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHub_SlowSubscriberDropsOldest(t *testing.T) {
	h := NewHub(2)
	slow := h.Subscribe(0)
	fast := h.Subscribe(16)

	for i := 0; i < 5; i++ {
		h.Publish(Event{Kind: EventFrame, FrameSeq: uint64(i + 1)})
	}

	got := drain(slow)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].FrameSeq)
	assert.Equal(t, uint64(5), got[1].FrameSeq)
	assert.Equal(t, uint64(3), slow.Dropped())

	assert.Len(t, drain(fast), 5)
	assert.Zero(t, fast.Dropped())
}

func TestHub_SeqIncreases(t *testing.T) {
	h := NewHub(8)
	sub := h.Subscribe(0)

	a := h.Publish(Event{Kind: EventStarted})
	b := h.Publish(Event{Kind: EventStopped})

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.False(t, a.Time.IsZero())

	got := drain(sub)
	require.Len(t, got, 2)
	assert.Less(t, got[0].Seq, got[1].Seq)
}

func TestHub_ErrorText(t *testing.T) {
	h := NewHub(1)
	ev := h.Publish(Event{Kind: EventCameraError, Err: errors.New("gone")})
	assert.Equal(t, "gone", ev.Error)
}

func TestSubscription_CloseIsIsolated(t *testing.T) {
	h := NewHub(4)
	a := h.Subscribe(0)
	b := h.Subscribe(0)
	assert.NotEqual(t, a.ID, b.ID)

	a.Close()
	a.Close()
	h.Publish(Event{Kind: EventFrame})

	_, ok := <-a.C
	assert.False(t, ok, "closed subscription channel must be closed")
	assert.Len(t, drain(b), 1)
	assert.Equal(t, 1, h.Len())
}

func TestHub_Close(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe(0)

	h.Close()
	h.Publish(Event{Kind: EventFrame})
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	late := h.Subscribe(0)
	_, ok = <-late.C
	assert.False(t, ok)
}

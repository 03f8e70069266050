package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/facelink/internal/link"
)

const recorderAddr = "98:D3:31:F5:2A:11"

func TestLinkRecorder(t *testing.T) {
	s := newTestStore(t)

	dialer := link.NewMockDialer()
	l := link.New(dialer, link.Config{ConnectTimeout: time.Second})
	rec := s.NewLinkRecorder("rfcomm")
	l.OnStateChange(rec.Observe)

	require.NoError(t, l.Connect(context.Background(), recorderAddr))
	require.NoError(t, l.Disconnect())

	dialer.SetError(errors.New("host is down"))
	require.Error(t, l.Connect(context.Background(), recorderAddr))
	rec.Close()

	events, err := s.Events().ListByAddress(recorderAddr, 0)
	require.NoError(t, err)
	var states []string
	for i := len(events) - 1; i >= 0; i-- {
		states = append(states, events[i].State)
	}
	assert.Equal(t, []string{"connecting", "connected", "disconnected", "connecting", "failed"}, states)
	assert.Equal(t, "host is down", events[0].Reason)
	assert.NotEmpty(t, events[0].Session)

	d, err := s.Devices().Get(recorderAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, d.ConnectCount)
	assert.Equal(t, "rfcomm", d.Transport)
}

func TestLinkRecorder_ObserveDoesNotWaitForDatabase(t *testing.T) {
	s := newTestStore(t)
	rec := s.NewLinkRecorder("rfcomm")

	// Hold the write lock so every insert has to wait on busy_timeout.
	tx, err := s.DB().Begin()
	require.NoError(t, err)
	_, err = tx.Exec(`INSERT INTO devices (address, transport, connect_count, last_connected_at)
		VALUES ('00:00:00:00:00:01', 'rfcomm', 1, ?)`, time.Now().UTC())
	require.NoError(t, err)

	start := time.Now()
	rec.Observe(link.Status{State: link.Failed, Address: recorderAddr, Reason: "write: broken pipe", Since: time.Now()})
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, tx.Rollback())
	rec.Close()

	events, err := s.Events().ListByAddress(recorderAddr, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "failed", events[0].State)
}

func TestLinkRecorder_ObserveAfterClose(t *testing.T) {
	s := newTestStore(t)
	rec := s.NewLinkRecorder("serial")
	rec.Close()
	rec.Close()

	rec.Observe(link.Status{State: link.Connected, Address: recorderAddr, Since: time.Now()})

	events, err := s.Events().ListRecent(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

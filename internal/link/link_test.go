package link

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddr = "98:D3:31:F5:2A:11"

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st.State)
}

func (r *recorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestLink(t *testing.T, cfg Config) (*Link, *MockDialer, *recorder) {
	t.Helper()
	d := NewMockDialer()
	l := New(d, cfg)
	rec := &recorder{}
	l.OnStateChange(rec.observe)
	t.Cleanup(func() { l.Disconnect() })
	return l, d, rec
}

func fastConfig() Config {
	return Config{
		ConnectTimeout:  time.Second,
		ConnectAttempts: 1,
		RetryBackoff:    time.Millisecond,
	}
}

func TestConnect_Success(t *testing.T) {
	l, d, rec := newTestLink(t, fastConfig())

	require.NoError(t, l.Connect(context.Background(), testAddr))

	st := l.Status()
	assert.Equal(t, Connected, st.State)
	assert.Equal(t, testAddr, st.Address)
	assert.NotEmpty(t, st.Session)
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, []State{Connecting, Connected}, rec.get())
}

func TestConnect_EmptyAddress(t *testing.T) {
	l, d, rec := newTestLink(t, fastConfig())

	err := l.Connect(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Equal(t, Disconnected, l.State())
	assert.Zero(t, d.Dials())
	assert.Empty(t, rec.get())
}

func TestConnect_UnreachableFails(t *testing.T) {
	l, d, rec := newTestLink(t, fastConfig())
	d.SetError(errors.New("host is down"))

	err := l.Connect(context.Background(), testAddr)

	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, testAddr, cerr.Address)

	st := l.Status()
	assert.Equal(t, Failed, st.State)
	assert.Contains(t, st.Reason, "host is down")
	assert.Equal(t, []State{Connecting, Failed}, rec.get())

	_, err = l.Send([]byte("0.5"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnect_Timeout(t *testing.T) {
	cfg := fastConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	l, d, _ := newTestLink(t, cfg)
	d.SetHang(true)

	start := time.Now()
	err := l.Connect(context.Background(), testAddr)

	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Failed, l.State())
}

func TestConnect_TimeoutWithDialerIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	late := NewMockConn(testAddr)
	d := DialerFunc(func(ctx context.Context, address string) (Conn, error) {
		<-release
		return late, nil
	})
	l := New(d, Config{ConnectTimeout: 20 * time.Millisecond})

	err := l.Connect(context.Background(), testAddr)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, Failed, l.State())

	close(release)
	assert.Eventually(t, late.Closed, time.Second, time.Millisecond, "late connection must be closed")
}

func TestConnect_Retries(t *testing.T) {
	cfg := fastConfig()
	cfg.ConnectAttempts = 3
	l, d, _ := newTestLink(t, cfg)
	d.SetError(errors.New("refused"))

	err := l.Connect(context.Background(), testAddr)
	assert.Error(t, err)
	assert.Equal(t, 3, d.Dials())
	assert.Equal(t, Failed, l.State())
}

func TestConnect_ReplacesSession(t *testing.T) {
	l, d, _ := newTestLink(t, fastConfig())

	require.NoError(t, l.Connect(context.Background(), testAddr))
	first := l.Status()
	firstConn := d.LastConn()

	require.NoError(t, l.Connect(context.Background(), "00:11:22:33:44:55"))
	second := l.Status()

	assert.True(t, firstConn.Closed(), "previous connection must be closed")
	assert.Equal(t, Connected, second.State)
	assert.Equal(t, "00:11:22:33:44:55", second.Address)
	assert.NotEqual(t, first.Session, second.Session)

	_, err := l.Send([]byte("1"))
	require.NoError(t, err)
	assert.Empty(t, firstConn.Written())
	assert.Equal(t, "1\n", d.LastConn().Written())
}

func TestConnect_SupersedesPendingDial(t *testing.T) {
	l, d, _ := newTestLink(t, fastConfig())
	d.SetHang(true)

	firstErr := make(chan error, 1)
	go func() { firstErr <- l.Connect(context.Background(), testAddr) }()
	require.Eventually(t, func() bool { return d.Dials() == 1 }, time.Second, time.Millisecond)

	d.SetHang(false)
	require.NoError(t, l.Connect(context.Background(), "00:11:22:33:44:55"))

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrConnectAborted)
	case <-time.After(time.Second):
		t.Fatal("superseded Connect did not return")
	}
	st := l.Status()
	assert.Equal(t, Connected, st.State)
	assert.Equal(t, "00:11:22:33:44:55", st.Address)
}

func TestConnect_SupersedesQueuedConnect(t *testing.T) {
	cfg := fastConfig()
	cfg.ConnectTimeout = 10 * time.Second
	l, d, _ := newTestLink(t, cfg)
	d.SetHang(true)

	first := make(chan error, 1)
	go func() { first <- l.Connect(context.Background(), testAddr) }()
	require.Eventually(t, func() bool { return d.Dials() == 1 }, time.Second, time.Millisecond)

	// The second Connect cancels the first and then owns the pending slot.
	second := make(chan error, 1)
	go func() { second <- l.Connect(context.Background(), "00:11:22:33:44:55") }()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrConnectAborted)
	case <-time.After(time.Second):
		t.Fatal("first Connect was not cancelled")
	}
	require.Eventually(t, func() bool { return d.Dials() == 2 }, time.Second, time.Millisecond)

	d.SetHang(false)
	start := time.Now()
	require.NoError(t, l.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"))
	assert.Less(t, time.Since(start), 2*time.Second, "newest Connect must not wait out an older dial")

	select {
	case err := <-second:
		assert.ErrorIs(t, err, ErrConnectAborted)
	case <-time.After(time.Second):
		t.Fatal("second Connect did not return")
	}

	st := l.Status()
	assert.Equal(t, Connected, st.State)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", st.Address)
	conns := d.Conns()
	for _, c := range conns[:len(conns)-1] {
		assert.True(t, c.Closed(), "superseded connection %s left open", c.Address)
	}
}

func TestDisconnect_FromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, l *Link, d *MockDialer)
	}{
		{"disconnected", func(t *testing.T, l *Link, d *MockDialer) {}},
		{"connected", func(t *testing.T, l *Link, d *MockDialer) {
			require.NoError(t, l.Connect(context.Background(), testAddr))
		}},
		{"failed", func(t *testing.T, l *Link, d *MockDialer) {
			d.SetError(errors.New("nope"))
			require.Error(t, l.Connect(context.Background(), testAddr))
		}},
		{"connecting", func(t *testing.T, l *Link, d *MockDialer) {
			d.SetHang(true)
			go l.Connect(context.Background(), testAddr)
			require.Eventually(t, func() bool { return l.State() == Connecting }, time.Second, time.Millisecond)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, d, _ := newTestLink(t, fastConfig())
			tt.setup(t, l, d)

			assert.NoError(t, l.Disconnect())
			assert.Equal(t, Disconnected, l.State())

			assert.NoError(t, l.Disconnect())
			assert.Equal(t, Disconnected, l.State())

			for _, c := range d.Conns() {
				assert.True(t, c.Closed())
			}
		})
	}
}

func TestDisconnect_DuringConnectAbortsIt(t *testing.T) {
	l, d, rec := newTestLink(t, fastConfig())
	d.SetHang(true)

	done := make(chan error, 1)
	go func() { done <- l.Connect(context.Background(), testAddr) }()
	require.Eventually(t, func() bool { return l.State() == Connecting }, time.Second, time.Millisecond)

	require.NoError(t, l.Disconnect())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectAborted)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, Disconnected, l.State())
	assert.Equal(t, []State{Connecting, Disconnected}, rec.get())
}

func TestSend_RequiresConnected(t *testing.T) {
	l, d, _ := newTestLink(t, fastConfig())

	_, err := l.Send([]byte("0.1"))
	assert.ErrorIs(t, err, ErrNotConnected)

	d.SetHang(true)
	go l.Connect(context.Background(), testAddr)
	require.Eventually(t, func() bool { return l.State() == Connecting }, time.Second, time.Millisecond)

	_, err = l.Send([]byte("0.1"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, d.Conns(), "no transport may exist before Connected")
	assert.Zero(t, l.Status().Sent)
}

func TestSend_WritesTerminatedPayload(t *testing.T) {
	l, d, _ := newTestLink(t, fastConfig())
	require.NoError(t, l.Connect(context.Background(), testAddr))

	m1, err := l.Send([]byte("100"))
	require.NoError(t, err)
	m2, err := l.Send([]byte("0.5000\n"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), m1.Seq)
	assert.Equal(t, uint64(2), m2.Seq)
	assert.Equal(t, "100\n0.5000\n", d.LastConn().Written())
	assert.Equal(t, uint64(2), l.Status().Sent)
}

func TestSend_WriteFailureMovesToFailed(t *testing.T) {
	l, d, rec := newTestLink(t, fastConfig())
	require.NoError(t, l.Connect(context.Background(), testAddr))
	conn := d.LastConn()
	conn.SetWriteError(errors.New("broken pipe"))

	_, err := l.Send([]byte("1"))

	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, uint64(1), serr.Seq)
	assert.Equal(t, Failed, l.State())
	assert.True(t, conn.Closed())
	assert.Equal(t, []State{Connecting, Connected, Failed}, rec.get())

	_, err = l.Send([]byte("2"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, conn.Writes(), "failed message must not be retried")
}

func TestDisconnect_FailsInFlightWrite(t *testing.T) {
	l, d, _ := newTestLink(t, fastConfig())
	require.NoError(t, l.Connect(context.Background(), testAddr))
	conn := d.LastConn()
	conn.BlockWrites()

	done := make(chan error, 1)
	go func() {
		_, err := l.Send([]byte("1"))
		done <- err
	}()
	<-conn.WriteStarted()

	require.NoError(t, l.Disconnect())

	select {
	case err := <-done:
		var serr *SendError
		assert.ErrorAs(t, err, &serr)
	case <-time.After(time.Second):
		t.Fatal("in-flight write did not fail after Disconnect")
	}
	assert.Equal(t, Disconnected, l.State(), "a write failing after Disconnect must not mark the link Failed")
}

func TestStatus_VersionAdvances(t *testing.T) {
	l, _, _ := newTestLink(t, fastConfig())
	v0 := l.Status().Version

	require.NoError(t, l.Connect(context.Background(), testAddr))
	v1 := l.Status().Version
	require.NoError(t, l.Disconnect())
	v2 := l.Status().Version

	assert.Greater(t, v1, v0)
	assert.Greater(t, v2, v1)
}

func TestState_JSON(t *testing.T) {
	data, err := json.Marshal(Status{State: Connecting})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"connecting"`)
	assert.Equal(t, "state(9)", State(9).String())
}

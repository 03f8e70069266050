// Package link owns the serial connection to the actuator and enforces its
// connect/send/disconnect state machine.
//
// States move Disconnected -> Connecting -> Connected, and Connecting or
// Connected -> Failed. Disconnect returns any state to Disconnected. Connect
// is accepted in every state and replaces the previous session.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/facelink/internal/log"
)

var (
	// ErrNotConnected is returned by Send when the link is not Connected.
	ErrNotConnected = errors.New("link not connected")

	// ErrInvalidAddress is returned for an empty or malformed device address.
	ErrInvalidAddress = errors.New("invalid device address")

	// ErrConnectAborted is returned by a Connect that was superseded by a
	// Disconnect or a newer Connect.
	ErrConnectAborted = errors.New("connect aborted")

	// ErrConnectTimeout marks a dial that exceeded Config.ConnectTimeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrUnsupported is returned by transports not available on this platform.
	ErrUnsupported = errors.New("transport not supported on this platform")
)

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError reports a failed transport write. The message is not retried.
type SendError struct {
	Seq uint64
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send #%d: %v", e.Seq, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Config holds link timing and retry policy.
type Config struct {
	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration
	// ConnectAttempts is the number of dials per Connect. 1 means no retry.
	ConnectAttempts int
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
	// WriteTimeout bounds a single write when the transport supports
	// deadlines. Zero disables it.
	WriteTimeout time.Duration
}

// DefaultConfig returns a single 10s connect attempt and a 2s write timeout.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  10 * time.Second,
		ConnectAttempts: 1,
		RetryBackoff:    time.Second,
		WriteTimeout:    2 * time.Second,
	}
}

// Link is a single actuator connection.
type Link struct {
	dialer Dialer
	config Config

	connectMu sync.Mutex // serializes Connect
	writeMu   sync.Mutex // serializes transport writes

	mu         sync.Mutex // guards everything below
	state      State
	reason     string
	address    string
	session    string
	since      time.Time
	conn       Conn
	gen        uint64
	cancelDial context.CancelFunc
	sent       uint64
	version    uint64

	obsMu     sync.RWMutex
	observers []func(Status)
}

// New creates a disconnected Link that dials through d.
func New(d Dialer, config Config) *Link {
	def := DefaultConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.ConnectAttempts <= 0 {
		config.ConnectAttempts = def.ConnectAttempts
	}
	if config.RetryBackoff < 0 {
		config.RetryBackoff = 0
	}
	return &Link{
		dialer: d,
		config: config,
		state:  Disconnected,
		since:  time.Now(),
	}
}

// OnStateChange registers fn to be called after every transition. fn runs
// outside the link's lock and must not block for long.
func (l *Link) OnStateChange(fn func(Status)) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, fn)
}

func (l *Link) notify(st Status) {
	l.obsMu.RLock()
	observers := l.observers
	l.obsMu.RUnlock()

	for _, fn := range observers {
		fn(st)
	}
}

// setStateLocked records a transition and returns the new snapshot.
// l.mu must be held.
func (l *Link) setStateLocked(s State, reason string) Status {
	l.state = s
	l.reason = reason
	l.since = time.Now()
	l.version++
	return l.statusLocked()
}

func (l *Link) statusLocked() Status {
	return Status{
		State:   l.state,
		Reason:  l.reason,
		Address: l.address,
		Session: l.session,
		Since:   l.since,
		Sent:    l.sent,
		Version: l.version,
	}
}

// Status returns the current link snapshot.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connect tears down any existing session and dials address. It returns nil
// once Connected, a *ConnectError when the dial fails (state Failed), or
// ErrConnectAborted if a Disconnect or newer Connect took over meanwhile.
func (l *Link) Connect(ctx context.Context, address string) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return ErrInvalidAddress
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A newer Connect wins: claim a generation and abort whichever Connect
	// held the previous one, whether it is dialing or still queued.
	l.mu.Lock()
	if l.cancelDial != nil {
		l.cancelDial()
	}
	l.gen++
	gen := l.gen
	l.cancelDial = cancel
	l.mu.Unlock()

	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return ErrConnectAborted
	}
	old := l.conn
	l.conn = nil
	l.address = address
	l.session = uuid.NewString()
	st := l.setStateLocked(Connecting, "")
	l.mu.Unlock()

	if old != nil {
		old.Close()
	}
	l.notify(st)

	logger := log.Component("link")
	logger.Info().Str("address", address).Str("session", st.Session).Msg("connecting")

	conn, err := l.dial(dialCtx, address)

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrConnectAborted
	}
	l.cancelDial = nil
	if err != nil {
		st = l.setStateLocked(Failed, err.Error())
		l.mu.Unlock()
		logger.Warn().Str("address", address).Err(err).Msg("connect failed")
		l.notify(st)
		return &ConnectError{Address: address, Err: err}
	}
	l.conn = conn
	st = l.setStateLocked(Connected, "")
	l.mu.Unlock()

	logger.Info().Str("address", address).Msg("connected")
	l.notify(st)
	return nil
}

type dialResult struct {
	conn Conn
	err  error
}

// dial runs up to ConnectAttempts dials, each bounded by ConnectTimeout even
// if the Dialer ignores its context.
func (l *Link) dial(ctx context.Context, address string) (Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= l.config.ConnectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.config.RetryBackoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, l.config.ConnectTimeout)
		ch := make(chan dialResult, 1)
		go func() {
			conn, err := l.dialer.Dial(attemptCtx, address)
			ch <- dialResult{conn, err}
		}()

		var res dialResult
		select {
		case res = <-ch:
		case <-attemptCtx.Done():
			// Reap a connection that completes after we gave up on it.
			go func() {
				if late := <-ch; late.conn != nil {
					late.conn.Close()
				}
			}()
			res.err = attemptCtx.Err()
		}
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if res.err == nil {
			return res.conn, nil
		}
		if timedOut {
			res.err = fmt.Errorf("%w after %s", ErrConnectTimeout, l.config.ConnectTimeout)
		}
		lastErr = res.err
		if ctx.Err() != nil || errors.Is(res.err, ErrInvalidAddress) {
			break
		}
	}
	return nil, lastErr
}

// Disconnect closes the connection and aborts any dial in progress. It is
// valid in every state and always leaves the link Disconnected.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.cancelDial != nil {
		l.cancelDial()
		l.cancelDial = nil
	}
	l.gen++
	conn := l.conn
	l.conn = nil
	changed := l.state != Disconnected
	var st Status
	if changed {
		st = l.setStateLocked(Disconnected, "")
	}
	l.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if changed {
		logger := log.Component("link")
		logger.Info().Str("address", st.Address).Msg("disconnected")
		l.notify(st)
	}
	return err
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Send writes payload, newline-terminated, to the actuator. It fails with
// ErrNotConnected without any I/O unless the link is Connected. A failed
// write moves the link to Failed and returns a *SendError; the message is
// dropped.
func (l *Link) Send(payload []byte) (Message, error) {
	l.mu.Lock()
	if l.state != Connected || l.conn == nil {
		l.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	conn, gen := l.conn, l.gen
	l.sent++
	msg := Message{Seq: l.sent, Payload: terminate(payload)}
	l.mu.Unlock()

	// The write runs outside l.mu so Disconnect can close conn under it.
	l.writeMu.Lock()
	err := l.write(conn, msg.Payload)
	l.writeMu.Unlock()
	if err == nil {
		return msg, nil
	}

	l.mu.Lock()
	failed := l.gen == gen && l.conn == conn
	var st Status
	if failed {
		l.conn = nil
		st = l.setStateLocked(Failed, err.Error())
	}
	l.mu.Unlock()

	if failed {
		conn.Close()
		logger := log.Component("link")
		logger.Warn().Uint64("seq", msg.Seq).Err(err).Msg("send failed")
		l.notify(st)
	}
	return msg, &SendError{Seq: msg.Seq, Err: err}
}

func (l *Link) write(conn Conn, p []byte) error {
	if l.config.WriteTimeout > 0 {
		if d, ok := conn.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(l.config.WriteTimeout))
		}
	}
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func terminate(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	if len(out) == 0 || out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out
}

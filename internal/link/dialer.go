package link

import (
	"context"
	"io"
)

// Conn is an open byte stream to the actuator.
type Conn interface {
	io.Writer
	io.Closer
}

// Dialer opens a Conn to a device address. Implementations should return
// when ctx is done.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

//go:build !linux

package link

import (
	"context"
	"fmt"
)

const DefaultRFCOMMChannel = 1

// RFCOMMDialer is only implemented on Linux. Elsewhere pair the device and
// use SerialDialer on the virtual port the OS creates.
type RFCOMMDialer struct {
	Channel uint8
}

func NewRFCOMMDialer() *RFCOMMDialer {
	return &RFCOMMDialer{Channel: DefaultRFCOMMChannel}
}

func (d *RFCOMMDialer) Dial(ctx context.Context, address string) (Conn, error) {
	return nil, fmt.Errorf("rfcomm: %w", ErrUnsupported)
}

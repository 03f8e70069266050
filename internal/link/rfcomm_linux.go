//go:build linux

package link

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// DefaultRFCOMMChannel is the serial port profile channel used by HC-05
// style modules.
const DefaultRFCOMMChannel = 1

const pollSliceMillis = 100

// RFCOMMDialer opens a Bluetooth RFCOMM stream socket.
type RFCOMMDialer struct {
	Channel uint8
}

// NewRFCOMMDialer returns a dialer on DefaultRFCOMMChannel.
func NewRFCOMMDialer() *RFCOMMDialer {
	return &RFCOMMDialer{Channel: DefaultRFCOMMChannel}
}

func (d *RFCOMMDialer) Dial(ctx context.Context, address string) (Conn, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	channel := d.Channel
	if channel == 0 {
		channel = DefaultRFCOMMChannel
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	sa := &unix.SockaddrRFCOMM{Addr: addr.bdaddr(), Channel: channel}
	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect: %w", err)
	}

	if err := waitWritable(ctx, fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = syscall.Errno(soErr)
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect: %w", err)
	}

	// os.NewFile registers the non-blocking fd with the runtime poller, so
	// Close unblocks a pending Write and write deadlines work.
	return os.NewFile(uintptr(fd), "rfcomm:"+addr.String()), nil
}

// waitWritable polls fd until the pending connect completes or ctx is done.
func waitWritable(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollSliceMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("rfcomm poll: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}

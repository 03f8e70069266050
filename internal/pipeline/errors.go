package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies command failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindCameraUnavailable
	KindDetector
	KindLinkConnect
	KindLinkSend
	KindNotConnected
	KindInvalidAddress
	KindInvalidImage
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindCameraUnavailable: "camera_unavailable",
	KindDetector:          "detector",
	KindLinkConnect:       "link_connect",
	KindLinkSend:          "link_send",
	KindNotConnected:      "not_connected",
	KindInvalidAddress:    "invalid_address",
	KindInvalidImage:      "invalid_image",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by pipeline commands.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of a pipeline error, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

package link

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a Bluetooth device address in display order, most significant
// byte first.
type Address [6]byte

// ParseAddress parses "XX:XX:XX:XX:XX:XX".
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		a[i] = b[0]
	}
	return a, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// bdaddr returns the address in the little-endian order the kernel expects.
func (a Address) bdaddr() [6]uint8 {
	var out [6]uint8
	for i := range a {
		out[i] = a[len(a)-1-i]
	}
	return out
}

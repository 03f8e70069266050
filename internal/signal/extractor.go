// Package signal turns a tick's detections into a single control signal for
// the actuator.
package signal

import (
	"fmt"
	"strconv"

	"github.com/ayusman/facelink/internal/detector"
)

// Mapping selects the reference point of the primary box.
type Mapping int

const (
	// MapLeftEdge uses the box's top-left corner: value = x / width.
	MapLeftEdge Mapping = iota
	// MapCenter uses the box centre: value = (x + w/2) / width.
	MapCenter
)

// Format selects how a Signal is written to the link.
type Format string

const (
	// FormatPixel sends the primary box's x coordinate in pixels, which is
	// what existing receivers expect.
	FormatPixel Format = "pixel"
	// FormatNormalized sends Value with four decimals.
	FormatNormalized Format = "normalized"
)

// Signal is the control value derived from one frame.
type Signal struct {
	// Value is the normalized horizontal position in [0, 1].
	Value float64 `json:"value"`
	// X and Y are the reference point normalized by frame width and height.
	X float64 `json:"x"`
	Y float64 `json:"y"`

	Box    detector.Detection `json:"box"`
	Seq    uint64             `json:"seq"`
	Width  int                `json:"width"`
	Height int                `json:"height"`
}

// Encode renders the signal as a newline-terminated ASCII message.
func (s Signal) Encode(format Format) []byte {
	switch format {
	case FormatNormalized:
		return []byte(strconv.FormatFloat(s.Value, 'f', 4, 64) + "\n")
	default:
		return []byte(strconv.Itoa(s.Box.X) + "\n")
	}
}

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatPixel, FormatNormalized:
		return Format(name), nil
	default:
		return "", fmt.Errorf("unknown signal format %q", name)
	}
}

// ParseMapping validates a mapping name ("left" or "center").
func ParseMapping(name string) (Mapping, error) {
	switch name {
	case "left", "":
		return MapLeftEdge, nil
	case "center":
		return MapCenter, nil
	default:
		return 0, fmt.Errorf("unknown signal mapping %q", name)
	}
}

// Extractor selects the primary face and maps it to a Signal.
//
// The primary face is the leftmost box (smallest X). Boxes sharing the
// smallest X are resolved by their index in the detector output, lowest
// first. The rule depends only on the detections, never on history.
type Extractor struct {
	Mapping Mapping
}

// NewExtractor returns an Extractor using the given mapping.
func NewExtractor(m Mapping) *Extractor {
	return &Extractor{Mapping: m}
}

// Primary returns the index of the primary detection, or -1 when there is none.
func Primary(dets []detector.Detection) int {
	best := -1
	for i, d := range dets {
		if best < 0 || d.X < dets[best].X {
			best = i
		}
	}
	return best
}

// SelectPrimary picks the primary detection and maps it onto the frame of
// the given dimensions. It reports false when there are no detections or the
// frame size is unknown.
func (e *Extractor) SelectPrimary(dets []detector.Detection, width, height int, seq uint64) (Signal, bool) {
	idx := Primary(dets)
	if idx < 0 || width <= 0 || height <= 0 {
		return Signal{}, false
	}
	box := dets[idx]

	px, py := float64(box.X), float64(box.Y)
	if e.Mapping == MapCenter {
		px += float64(box.W) / 2
		py += float64(box.H) / 2
	}

	x := clamp01(px / float64(width))
	return Signal{
		Value:  x,
		X:      x,
		Y:      clamp01(py / float64(height)),
		Box:    box,
		Seq:    seq,
		Width:  width,
		Height: height,
	}, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

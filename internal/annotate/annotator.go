// Package annotate draws detection overlays on frames and encodes them for
// transport to observers.
package annotate

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"gocv.io/x/gocv"

	"github.com/ayusman/facelink/internal/capture"
	"github.com/ayusman/facelink/internal/detector"
)

// Format is an image transport encoding.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// ErrEmptyFrame is returned when there is nothing to annotate or encode.
var ErrEmptyFrame = errors.New("empty frame")

// MimeType returns the content type for the format.
func (f Format) MimeType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

func (f Format) ext() gocv.FileExt {
	if f == FormatPNG {
		return gocv.PNGFileExt
	}
	return gocv.JPEGFileExt
}

// Config controls overlay styling and encoding.
type Config struct {
	BoxColor     color.RGBA
	PrimaryColor color.RGBA
	Thickness    int
	// JPEGQuality is 1-100.
	JPEGQuality int
	// Labels draws the confidence above boxes that carry one.
	Labels bool
}

// DefaultConfig returns green boxes with the primary face in red.
func DefaultConfig() Config {
	return Config{
		BoxColor:     color.RGBA{G: 255, A: 255},
		PrimaryColor: color.RGBA{R: 255, A: 255},
		Thickness:    2,
		JPEGQuality:  80,
		Labels:       true,
	}
}

// Annotator draws detection boxes and encodes frames.
type Annotator struct {
	config Config
}

// New creates an Annotator.
func New(config Config) *Annotator {
	if config.Thickness <= 0 {
		config.Thickness = 2
	}
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = 80
	}
	return &Annotator{config: config}
}

// Annotate returns a new frame with the detections drawn on it. primary is
// the index of the primary detection or -1. The input frame is not modified.
func (a *Annotator) Annotate(frame *capture.Frame, dets []detector.Detection, primary int) (*capture.Frame, error) {
	if frame == nil || frame.Mat.Empty() {
		return nil, ErrEmptyFrame
	}

	out := frame.Mat.Clone()
	for i, d := range dets {
		c := a.config.BoxColor
		if i == primary {
			c = a.config.PrimaryColor
		}
		gocv.Rectangle(&out, d.Rect(), c, a.config.Thickness)

		if a.config.Labels && d.HasScore {
			label := fmt.Sprintf("%.2f", d.Score)
			org := image.Pt(d.X, max(d.Y-6, 12))
			gocv.PutText(&out, label, org, gocv.FontHersheySimplex, 0.5, c, 1)
		}
	}

	return &capture.Frame{
		Mat:       out,
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
	}, nil
}

// Encode compresses the frame to the given format.
func (a *Annotator) Encode(frame *capture.Frame, format Format) ([]byte, error) {
	if frame == nil || frame.Mat.Empty() {
		return nil, ErrEmptyFrame
	}

	var params []int
	if format != FormatPNG {
		params = []int{int(gocv.IMWriteJpegQuality), a.config.JPEGQuality}
	}

	buf, err := gocv.IMEncodeWithParams(format.ext(), frame.Mat, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	defer buf.Close()

	// GetBytes is backed by native memory released by Close.
	return bytes.Clone(buf.GetBytes()), nil
}

// DataURL wraps encoded image bytes in a base64 data URL.
func DataURL(data []byte, format Format) string {
	return "data:" + format.MimeType() + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ErrBadDataURL is returned for payloads that are not base64 data URLs.
var ErrBadDataURL = errors.New("not a base64 data URL")

// ParseDataURL decodes the payload of a base64 data URL. A bare base64
// string without the data: header is accepted as well.
func ParseDataURL(s string) ([]byte, error) {
	payload := s
	if strings.HasPrefix(s, "data:") {
		header, rest, ok := strings.Cut(s, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, ErrBadDataURL
		}
		payload = rest
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDataURL, err)
	}
	return data, nil
}

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatJPEG, "jpg", "":
		return FormatJPEG, nil
	case FormatPNG:
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("unknown image format %q", name)
	}
}

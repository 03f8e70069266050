// Package detector provides face detection strategies behind a common interface.
package detector

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

var (
	// ErrDetector is the class of errors raised while building a detector.
	ErrDetector = errors.New("detector error")

	// ErrModelNotLoaded is returned by constructors when the model could not
	// be loaded. It is never returned from Detect.
	ErrModelNotLoaded = fmt.Errorf("%w: model not loaded", ErrDetector)
)

// Detection is a face bounding box in pixel coordinates.
type Detection struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`

	// Score is the backend confidence, valid only when HasScore is set.
	Score    float64 `json:"score,omitempty"`
	HasScore bool    `json:"-"`
}

// Rect returns the detection as an image.Rectangle.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.X, d.Y, d.X+d.W, d.Y+d.H)
}

// Area returns the area of the bounding box in pixels.
func (d Detection) Area() int {
	return d.W * d.H
}

// Detector defines the interface for face detection implementations.
type Detector interface {
	// Detect analyzes a video frame and returns the detected faces in
	// backend-native order. Returns an empty slice if no faces are found.
	Detect(frame gocv.Mat) ([]Detection, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Kind names a detection strategy.
type Kind string

const (
	KindCascade Kind = "cascade"
	KindYuNet   Kind = "yunet"
	KindMock    Kind = "mock"
)

// Config holds configuration options for face detection.
type Config struct {
	Kind Kind

	// ModelPath is the cascade XML or ONNX model file.
	ModelPath string

	// ScaleFactor and MinNeighbors tune the cascade's multi-scale search.
	ScaleFactor  float64
	MinNeighbors int
	// MinSize is the smallest face edge in pixels the cascade reports.
	MinSize int

	// MinConfidence is the minimum detection confidence threshold (0.0-1.0)
	// for neural detectors.
	MinConfidence float64
	// NMSThreshold is the non-maximum suppression overlap threshold.
	NMSThreshold float64
}

// DefaultConfig returns a Config with the cascade detector and the tuning the
// legacy Haar pipeline used.
func DefaultConfig() Config {
	return Config{
		Kind:          KindCascade,
		ModelPath:     "models/haarcascade_frontalface_default.xml",
		ScaleFactor:   1.3,
		MinNeighbors:  5,
		MinSize:       30,
		MinConfidence: 0.5,
		NMSThreshold:  0.3,
	}
}

// New builds the detector selected by cfg.Kind. Any error wraps ErrDetector.
func New(cfg Config) (Detector, error) {
	switch cfg.Kind {
	case KindCascade, "":
		return NewCascadeDetector(cfg)
	case KindYuNet:
		return NewYuNetDetector(cfg)
	case KindMock:
		return NewMockDetector(), nil
	default:
		return nil, fmt.Errorf("%w: unknown detector kind %q", ErrDetector, cfg.Kind)
	}
}

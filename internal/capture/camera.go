// Package capture provides camera capture functionality using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/facelink/internal/log"
)

// Default camera settings
const (
	DefaultDeviceID   = 0
	DefaultFallbackID = 1
	DefaultWidth      = 640
	DefaultHeight     = 480
)

var (
	// ErrCameraUnavailable is returned when no device could be opened, the
	// camera is closed, or a read fails mid-stream.
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrEndOfStream is returned when the source has no more frames.
	ErrEndOfStream = errors.New("end of stream")
)

// Frame is a captured video frame. The receiver of a Frame owns it and must
// call Close when done.
type Frame struct {
	Mat       gocv.Mat
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
}

// Close releases the frame's pixel buffer.
func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	return f.Mat.Close()
}

// Camera defines the interface for camera capture implementations.
type Camera interface {
	Open() error
	Close() error
	ReadFrame() (*Frame, error)
	IsOpen() bool
	// DeviceID returns the index that is currently open, or -1.
	DeviceID() int
}

// Config holds camera settings.
type Config struct {
	// DeviceID is the preferred device index.
	DeviceID int
	// FallbackID is tried once when DeviceID cannot be opened. A negative
	// value disables the fallback.
	FallbackID int
	Width      int
	Height     int
}

// DefaultConfig returns a Config that prefers device 0 and falls back to 1.
func DefaultConfig() Config {
	return Config{
		DeviceID:   DefaultDeviceID,
		FallbackID: DefaultFallbackID,
		Width:      DefaultWidth,
		Height:     DefaultHeight,
	}
}

// cameraImpl manages video capture from a camera device using GoCV.
type cameraImpl struct {
	config  Config
	capture *gocv.VideoCapture
	mu      sync.Mutex
	running bool
	active  int
	seq     uint64
}

// NewCamera creates a new Camera with the given configuration.
func NewCamera(config Config) Camera {
	if config.Width <= 0 {
		config.Width = DefaultWidth
	}
	if config.Height <= 0 {
		config.Height = DefaultHeight
	}
	return &cameraImpl{
		config: config,
		active: -1,
	}
}

// platformCaptureAPI picks the native capture backend for the running OS.
func platformCaptureAPI() gocv.VideoCaptureAPI {
	switch runtime.GOOS {
	case "linux":
		return gocv.VideoCaptureV4L2
	case "darwin":
		return gocv.VideoCaptureAVFoundation
	case "windows":
		return gocv.VideoCaptureDshow
	default:
		return gocv.VideoCaptureAny
	}
}

// candidates returns the device indices to try, in order.
func (c *cameraImpl) candidates() []int {
	ids := []int{c.config.DeviceID}
	if c.config.FallbackID >= 0 && c.config.FallbackID != c.config.DeviceID {
		ids = append(ids, c.config.FallbackID)
	}
	return ids
}

// Open opens the camera for capturing frames. It tries the preferred device
// first and then the fallback device. Open on a running camera is a no-op.
func (c *cameraImpl) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	logger := log.Component("capture")
	api := platformCaptureAPI()

	var lastErr error
	for _, id := range c.candidates() {
		capture, err := gocv.OpenVideoCaptureWithAPI(id, api)
		if err == nil && !capture.IsOpened() {
			err = fmt.Errorf("device %d did not open", id)
		}
		if err != nil {
			if capture != nil {
				capture.Close()
			}
			logger.Warn().Int("device", id).Err(err).Msg("camera device unavailable")
			lastErr = err
			continue
		}

		capture.Set(gocv.VideoCaptureFrameWidth, float64(c.config.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(c.config.Height))

		c.capture = capture
		c.running = true
		c.active = id
		logger.Info().Int("device", id).Msg("camera opened")
		return nil
	}

	return fmt.Errorf("%w: %v", ErrCameraUnavailable, lastErr)
}

// Close closes the camera and releases resources. It blocks until any
// in-flight ReadFrame returns.
func (c *cameraImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		c.running = false
		return nil
	}

	err := c.capture.Close()
	c.capture = nil
	c.running = false
	c.active = -1

	return err
}

// ReadFrame reads a single frame from the camera.
// The caller is responsible for closing the returned Frame.
func (c *cameraImpl) ReadFrame() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.capture == nil {
		return nil, fmt.Errorf("%w: camera is not open", ErrCameraUnavailable)
	}

	mat := gocv.NewMat()
	if ok := c.capture.Read(&mat); !ok {
		mat.Close()
		return nil, fmt.Errorf("%w: failed to read frame from camera", ErrCameraUnavailable)
	}

	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("%w: captured frame is empty", ErrEndOfStream)
	}

	c.seq++
	return &Frame{
		Mat:       mat,
		Seq:       c.seq,
		Timestamp: time.Now(),
		Width:     mat.Cols(),
		Height:    mat.Rows(),
	}, nil
}

// IsOpen returns true if the camera is currently open and running.
func (c *cameraImpl) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.running
}

// DeviceID returns the device index in use, or -1 when closed.
func (c *cameraImpl) DeviceID() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active
}

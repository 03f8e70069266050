package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// MockCamera plays back synthetic or pre-recorded frames for testing and
// for running without a physical device.
type MockCamera struct {
	frames  []*gocv.Mat
	width   int
	height  int
	index   int
	loop    bool
	latency time.Duration
	failAt  uint64
	openErr error

	mu      sync.Mutex
	running bool
	// seq numbers frames for the camera's lifetime; served counts reads
	// since the last Open.
	seq    uint64
	served uint64

	opens  atomic.Int64
	closes atomic.Int64
	reads  atomic.Int64
}

// NewMockCamera creates a MockCamera that plays back the given frames.
// With no frames it produces blank width x height frames forever.
func NewMockCamera(frames []*gocv.Mat, loop bool) *MockCamera {
	return &MockCamera{
		frames: frames,
		loop:   loop,
		width:  DefaultWidth,
		height: DefaultHeight,
	}
}

// NewSyntheticCamera creates a MockCamera producing blank frames of the
// given size.
func NewSyntheticCamera(width, height int) *MockCamera {
	return &MockCamera{width: width, height: height, loop: true}
}

// SetReadLatency makes every ReadFrame block for d.
func (c *MockCamera) SetReadLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

// FailAt makes the n-th read (1-based, counted since Open) fail with
// ErrCameraUnavailable. Zero disables failure injection.
func (c *MockCamera) FailAt(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAt = n
}

// SetOpenError makes Open fail with err.
func (c *MockCamera) SetOpenError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

func (c *MockCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if c.openErr != nil {
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, c.openErr)
	}
	c.running = true
	c.index = 0
	c.served = 0
	c.opens.Add(1)
	return nil
}

func (c *MockCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.closes.Add(1)
	return nil
}

func (c *MockCamera) ReadFrame() (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads.Add(1)

	if !c.running {
		return nil, fmt.Errorf("%w: camera not open", ErrCameraUnavailable)
	}

	if c.latency > 0 {
		time.Sleep(c.latency)
	}

	if c.failAt > 0 && c.served+1 >= c.failAt {
		return nil, fmt.Errorf("%w: injected read failure", ErrCameraUnavailable)
	}

	var mat gocv.Mat
	if len(c.frames) == 0 {
		mat = gocv.NewMatWithSize(c.height, c.width, gocv.MatTypeCV8UC3)
	} else {
		if c.index >= len(c.frames) {
			if !c.loop {
				return nil, fmt.Errorf("%w: no more frames", ErrEndOfStream)
			}
			c.index = 0
		}
		// Clone the frame so the original isn't modified
		mat = c.frames[c.index].Clone()
		c.index++
	}

	c.seq++
	c.served++
	return &Frame{
		Mat:       mat,
		Seq:       c.seq,
		Timestamp: time.Now(),
		Width:     mat.Cols(),
		Height:    mat.Rows(),
	}, nil
}

func (c *MockCamera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *MockCamera) DeviceID() int {
	if c.IsOpen() {
		return 0
	}
	return -1
}

// Opens returns how many times the device was actually opened.
func (c *MockCamera) Opens() int64 { return c.opens.Load() }

// Closes returns how many times the device was actually released.
func (c *MockCamera) Closes() int64 { return c.closes.Load() }

// Reads returns the number of ReadFrame calls.
func (c *MockCamera) Reads() int64 { return c.reads.Load() }

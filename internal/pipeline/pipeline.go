// Package pipeline drives the camera, detector and actuator link on a fixed
// cadence and fans annotated frames out to subscribers.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/facelink/internal/annotate"
	"github.com/ayusman/facelink/internal/capture"
	"github.com/ayusman/facelink/internal/detector"
	"github.com/ayusman/facelink/internal/link"
	"github.com/ayusman/facelink/internal/log"
	"github.com/ayusman/facelink/internal/signal"
)

// Config holds pipeline options.
type Config struct {
	// TickInterval is the cycle period. Zero reads frames back to back.
	TickInterval time.Duration
	// SignalFormat is the wire encoding of automatic sends.
	SignalFormat signal.Format
	Mapping      signal.Mapping
	// ImageFormat is the encoding of published frames.
	ImageFormat annotate.Format
	Annotate    annotate.Config
	// SubscriberBuffer is the default queue length per subscription.
	SubscriberBuffer int
	// AutoSend sends the primary face position on every tick while the
	// link is connected.
	AutoSend bool
}

// DefaultConfig returns a 10 Hz pipeline sending pixel positions.
func DefaultConfig() Config {
	return Config{
		TickInterval:     100 * time.Millisecond,
		SignalFormat:     signal.FormatPixel,
		Mapping:          signal.MapLeftEdge,
		ImageFormat:      annotate.FormatJPEG,
		Annotate:         annotate.DefaultConfig(),
		SubscriberBuffer: 4,
		AutoSend:         true,
	}
}

// Stats are cumulative loop counters.
type Stats struct {
	Ticks        uint64 `json:"ticks"`
	Skipped      uint64 `json:"skipped"`
	Published    uint64 `json:"published"`
	DetectErrors uint64 `json:"detect_errors"`
	SendErrors   uint64 `json:"send_errors"`
	MaxInFlight  int32  `json:"max_in_flight"`
}

// Status is a snapshot of the pipeline.
type Status struct {
	Running     bool        `json:"running"`
	CameraID    int         `json:"camera_id"`
	Link        link.Status `json:"link"`
	Stats       Stats       `json:"stats"`
	Subscribers int         `json:"subscribers"`
}

// Pipeline owns one camera, one detector and one link.
type Pipeline struct {
	config    Config
	camera    capture.Camera
	detector  detector.Detector
	extractor *signal.Extractor
	annotator *annotate.Annotator
	link      *link.Link
	hub       *Hub

	mu      sync.Mutex // serializes Start and Stop
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	detectMu sync.Mutex // detectors are not safe for concurrent use
	latest   atomic.Pointer[signal.Signal]
	uploads  atomic.Uint64

	ticks        atomic.Uint64
	skipped      atomic.Uint64
	published    atomic.Uint64
	detectErrors atomic.Uint64
	sendErrors   atomic.Uint64
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
}

// New wires a pipeline. A nil link gets an RFCOMM link with default
// settings. Link state changes are published as EventLinkState.
func New(cam capture.Camera, det detector.Detector, l *link.Link, config Config) (*Pipeline, error) {
	if cam == nil {
		return nil, &Error{Op: "new", Kind: KindCameraUnavailable, Err: capture.ErrCameraUnavailable}
	}
	if det == nil {
		return nil, &Error{Op: "new", Kind: KindDetector, Err: detector.ErrModelNotLoaded}
	}
	if l == nil {
		l = link.New(link.NewRFCOMMDialer(), link.DefaultConfig())
	}
	if config.TickInterval < 0 {
		config.TickInterval = 0
	}
	if config.SignalFormat == "" {
		config.SignalFormat = signal.FormatPixel
	}
	if config.ImageFormat == "" {
		config.ImageFormat = annotate.FormatJPEG
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}

	p := &Pipeline{
		config:    config,
		camera:    cam,
		detector:  det,
		extractor: signal.NewExtractor(config.Mapping),
		annotator: annotate.New(config.Annotate),
		link:      l,
		hub:       NewHub(config.SubscriberBuffer),
	}
	l.OnStateChange(func(st link.Status) {
		p.hub.Publish(Event{Kind: EventLinkState, Link: &st})
	})
	return p, nil
}

// Start opens the camera and launches the loop. Starting a running pipeline
// is a no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reapLocked()
	if p.running {
		return nil
	}

	if err := p.camera.Open(); err != nil {
		return &Error{Op: "start", Kind: KindCameraUnavailable, Err: err}
	}

	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.running = true
	go p.run(p.stopCh, p.done)

	logger := log.Component("pipeline")
	logger.Info().Int("camera", p.camera.DeviceID()).Dur("tick", p.config.TickInterval).Msg("pipeline started")
	p.hub.Publish(Event{Kind: EventStarted})
	return nil
}

// Stop signals the loop, waits for it to exit and closes the camera.
// Stopping a stopped pipeline is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reapLocked() || !p.running {
		return nil
	}

	close(p.stopCh)
	<-p.done
	p.running = false
	p.stopCh, p.done = nil, nil

	err := p.camera.Close()

	logger := log.Component("pipeline")
	logger.Info().Msg("pipeline stopped")
	p.hub.Publish(Event{Kind: EventStopped})
	if err != nil {
		return &Error{Op: "stop", Kind: KindCameraUnavailable, Err: err}
	}
	return nil
}

// reapLocked finalizes a loop that exited on its own. It reports whether
// there was one. p.mu must be held.
func (p *Pipeline) reapLocked() bool {
	if !p.running {
		return false
	}
	select {
	case <-p.done:
	default:
		return false
	}
	p.running = false
	p.stopCh, p.done = nil, nil
	if err := p.camera.Close(); err != nil {
		logger := log.Component("pipeline")
		logger.Warn().Err(err).Msg("close camera")
	}
	p.hub.Publish(Event{Kind: EventStopped})
	return true
}

// autoStop runs after the loop for session done exited on a read failure.
func (p *Pipeline) autoStop(done chan struct{}, cause error) {
	p.mu.Lock()
	if p.done == done {
		p.reapLocked()
	}
	p.mu.Unlock()

	logger := log.Component("pipeline")
	logger.Error().Err(cause).Msg("camera read failed, pipeline stopped")
	p.hub.Publish(Event{Kind: EventCameraError, Err: cause})
}

// Running reports whether the loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reapLocked()
	return p.running
}

// Connect dials the actuator, replacing any existing session.
func (p *Pipeline) Connect(ctx context.Context, address string) error {
	err := p.link.Connect(ctx, address)
	if err == nil {
		return nil
	}
	kind := KindLinkConnect
	if errors.Is(err, link.ErrInvalidAddress) {
		kind = KindInvalidAddress
	}
	return &Error{Op: "connect", Kind: kind, Err: err}
}

// Disconnect closes the actuator link. The link always ends Disconnected.
func (p *Pipeline) Disconnect() error {
	if err := p.link.Disconnect(); err != nil {
		return &Error{Op: "disconnect", Kind: KindLinkConnect, Err: err}
	}
	return nil
}

// Send writes a manual message to the actuator.
func (p *Pipeline) Send(message string) (link.Message, error) {
	msg, err := p.link.Send([]byte(message))
	if err == nil {
		return msg, nil
	}
	kind := KindLinkSend
	if errors.Is(err, link.ErrNotConnected) {
		kind = KindNotConnected
	}
	return msg, &Error{Op: "send", Kind: kind, Err: err}
}

// Subscribe returns a new event subscription. buffer <= 0 uses the configured
// default. Subscriptions outlive Stop and Start.
func (p *Pipeline) Subscribe(buffer int) *Subscription {
	return p.hub.Subscribe(buffer)
}

// LatestSignal returns the primary face from the most recent frame.
func (p *Pipeline) LatestSignal() (signal.Signal, bool) {
	s := p.latest.Load()
	if s == nil {
		return signal.Signal{}, false
	}
	return *s, true
}

func (p *Pipeline) LinkStatus() link.Status {
	return p.link.Status()
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Ticks:        p.ticks.Load(),
		Skipped:      p.skipped.Load(),
		Published:    p.published.Load(),
		DetectErrors: p.detectErrors.Load(),
		SendErrors:   p.sendErrors.Load(),
		MaxInFlight:  p.maxInFlight.Load(),
	}
}

func (p *Pipeline) Status() Status {
	return Status{
		Running:     p.Running(),
		CameraID:    p.camera.DeviceID(),
		Link:        p.link.Status(),
		Stats:       p.Stats(),
		Subscribers: p.hub.Len(),
	}
}

// Close stops the loop, drops the link, releases the detector and closes
// every subscription.
func (p *Pipeline) Close() error {
	err := p.Stop()
	p.link.Disconnect()
	if derr := p.detector.Close(); derr != nil && err == nil {
		err = &Error{Op: "close", Kind: KindDetector, Err: derr}
	}
	p.hub.Close()
	return err
}

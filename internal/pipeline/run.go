package pipeline

import (
	"errors"
	"time"

	"github.com/ayusman/facelink/internal/capture"
	"github.com/ayusman/facelink/internal/detector"
	"github.com/ayusman/facelink/internal/link"
	"github.com/ayusman/facelink/internal/log"
	"github.com/ayusman/facelink/internal/signal"
)

// run is the loop for one Start/Stop session. It closes done on exit; a read
// failure additionally tears the session down through autoStop.
func (p *Pipeline) run(stopCh <-chan struct{}, done chan struct{}) {
	var failure error
	defer func() {
		close(done)
		if failure != nil {
			p.autoStop(done, failure)
		}
	}()

	interval := p.config.TickInterval
	if interval <= 0 {
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			if failure = p.tick(); failure != nil {
				return
			}
		}
	}

	// The ticker channel holds one tick; ticks due while a cycle runs are
	// dropped rather than queued.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last time.Time
	for {
		select {
		case <-stopCh:
			return
		case t := <-ticker.C:
			if !last.IsZero() {
				if n := (t.Sub(last) + interval/2) / interval; n > 1 {
					p.skipped.Add(uint64(n - 1))
				}
			}
			last = t
			if failure = p.tick(); failure != nil {
				return
			}
		}
	}
}

// tick runs one cycle. It returns an error only when the camera read fails.
func (p *Pipeline) tick() error {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.maxInFlight.Load()
		if n <= m || p.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	p.ticks.Add(1)

	frame, err := p.camera.ReadFrame()
	if err != nil {
		return err
	}
	defer frame.Close()

	logger := log.Component("pipeline")

	dets, err := p.detect(frame.Mat)
	if err != nil {
		p.detectErrors.Add(1)
		logger.Warn().Err(err).Uint64("frame", frame.Seq).Msg("detect failed")
		dets = nil
	}

	var sig *signal.Signal
	if s, ok := p.extractor.SelectPrimary(dets, frame.Width, frame.Height, frame.Seq); ok {
		sig = &s
		if p.config.AutoSend {
			p.sendSignal(s)
		}
	}
	p.latest.Store(sig)

	ev := Event{
		Kind:       EventFrame,
		FrameSeq:   frame.Seq,
		Width:      frame.Width,
		Height:     frame.Height,
		Detections: dets,
		Signal:     sig,
	}
	if img, err := p.render(frame, dets); err != nil {
		logger.Warn().Err(err).Uint64("frame", frame.Seq).Msg("annotate failed")
	} else {
		ev.Image = img
		ev.Format = p.config.ImageFormat
	}

	p.hub.Publish(ev)
	p.published.Add(1)
	return nil
}

func (p *Pipeline) sendSignal(s signal.Signal) {
	if p.link.State() != link.Connected {
		return
	}
	_, err := p.link.Send(s.Encode(p.config.SignalFormat))
	if err == nil || errors.Is(err, link.ErrNotConnected) {
		return
	}
	p.sendErrors.Add(1)
	p.hub.Publish(Event{
		Kind:     EventSendError,
		FrameSeq: s.Seq,
		Signal:   &s,
		Err:      &Error{Op: "send", Kind: KindLinkSend, Err: err},
	})
}

func (p *Pipeline) render(frame *capture.Frame, dets []detector.Detection) ([]byte, error) {
	annotated, err := p.annotator.Annotate(frame, dets, signal.Primary(dets))
	if err != nil {
		return nil, err
	}
	defer annotated.Close()
	return p.annotator.Encode(annotated, p.config.ImageFormat)
}

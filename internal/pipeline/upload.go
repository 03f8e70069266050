package pipeline

import (
	"errors"

	"gocv.io/x/gocv"

	"github.com/ayusman/facelink/internal/detector"
	"github.com/ayusman/facelink/internal/log"
	"github.com/ayusman/facelink/internal/signal"
)

// ErrEmptyImage is returned when an uploaded image does not decode.
var ErrEmptyImage = errors.New("image did not decode")

// Result is the outcome of detecting faces on an uploaded image.
type Result struct {
	Width      int                  `json:"width"`
	Height     int                  `json:"height"`
	Detections []detector.Detection `json:"detections"`
	Signal     *signal.Signal       `json:"signal,omitempty"`
}

// DetectImage runs the detector on an encoded JPEG or PNG supplied by a
// client instead of the camera. The primary face becomes the latest signal
// and, with AutoSend, is sent to a connected actuator. Uploads are numbered
// separately from camera frames and are not published to subscribers.
func (p *Pipeline) DetectImage(data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, &Error{Op: "detect_image", Kind: KindInvalidImage, Err: ErrEmptyImage}
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return Result{}, &Error{Op: "detect_image", Kind: KindInvalidImage, Err: err}
	}
	defer mat.Close()
	if mat.Empty() {
		return Result{}, &Error{Op: "detect_image", Kind: KindInvalidImage, Err: ErrEmptyImage}
	}

	res := Result{Width: mat.Cols(), Height: mat.Rows()}
	dets, err := p.detect(mat)
	if err != nil {
		p.detectErrors.Add(1)
		return res, &Error{Op: "detect_image", Kind: KindDetector, Err: err}
	}
	res.Detections = dets

	seq := p.uploads.Add(1)
	if s, ok := p.extractor.SelectPrimary(dets, res.Width, res.Height, seq); ok {
		res.Signal = &s
		p.latest.Store(&s)
		if p.config.AutoSend {
			p.sendSignal(s)
		}
	}

	logger := log.Component("pipeline")
	logger.Debug().Uint64("upload", seq).Int("faces", len(dets)).Msg("detected uploaded image")
	return res, nil
}

func (p *Pipeline) detect(mat gocv.Mat) ([]detector.Detection, error) {
	p.detectMu.Lock()
	defer p.detectMu.Unlock()
	return p.detector.Detect(mat)
}

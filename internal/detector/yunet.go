package detector

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// YuNet output columns: x, y, w, h, five landmark pairs, score.
const (
	yunetColumns  = 15
	yunetScoreCol = 14
	yunetTopK     = 5000
)

// YuNetDetector uses OpenCV's FaceDetectorYN for face detection.
type YuNetDetector struct {
	detector gocv.FaceDetectorYN
	config   Config
	mu       sync.Mutex // Protects inference
}

// NewYuNetDetector creates a YuNet face detector from the ONNX model at
// cfg.ModelPath.
func NewYuNetDetector(cfg Config) (*YuNetDetector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: yunet model %s: %v", ErrModelNotLoaded, cfg.ModelPath, err)
	}

	// Input size is updated per frame in Detect.
	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(320, 320),
		float32(cfg.MinConfidence),
		float32(cfg.NMSThreshold),
		yunetTopK,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)

	return &YuNetDetector{
		detector: detector,
		config:   cfg,
	}, nil
}

// Detect finds faces in the frame. Boxes are returned in pixels.
func (d *YuNetDetector) Detect(frame gocv.Mat) ([]Detection, error) {
	if frame.Empty() {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.detector.SetInputSize(image.Pt(frame.Cols(), frame.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()

	d.detector.Detect(frame, &faces)

	if faces.Rows() > 0 && faces.Cols() < yunetColumns {
		return nil, fmt.Errorf("unexpected yunet output shape %dx%d", faces.Rows(), faces.Cols())
	}

	detections := make([]Detection, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		detections = append(detections, Detection{
			X:        int(faces.GetFloatAt(r, 0)),
			Y:        int(faces.GetFloatAt(r, 1)),
			W:        int(faces.GetFloatAt(r, 2)),
			H:        int(faces.GetFloatAt(r, 3)),
			Score:    float64(faces.GetFloatAt(r, yunetScoreCol)),
			HasScore: true,
		})
	}

	return detections, nil
}

// Close releases the detector resources
func (d *YuNetDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}

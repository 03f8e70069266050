package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/ayusman/facelink/internal/annotate"
	"github.com/ayusman/facelink/internal/capture"
	"github.com/ayusman/facelink/internal/detector"
)

func encodeImage(t *testing.T, w, h int) []byte {
	t.Helper()
	frame := &capture.Frame{Mat: gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3), Width: w, Height: h}
	defer frame.Close()
	data, err := annotate.New(annotate.DefaultConfig()).Encode(frame, annotate.FormatJPEG)
	require.NoError(t, err)
	return data
}

func TestDetectImage_SendsPrimaryFace(t *testing.T) {
	h := newHarness(t, nil)
	h.det.SetFaces([]detector.Detection{
		{X: 200, Y: 10, W: 40, H: 40},
		{X: 120, Y: 50, W: 40, H: 60},
	})
	require.NoError(t, h.p.Connect(context.Background(), testAddr))

	res, err := h.p.DetectImage(encodeImage(t, 320, 240))
	require.NoError(t, err)

	assert.Equal(t, 320, res.Width)
	assert.Equal(t, 240, res.Height)
	assert.Len(t, res.Detections, 2)
	require.NotNil(t, res.Signal)
	assert.Equal(t, 120, res.Signal.Box.X)
	assert.Equal(t, uint64(1), res.Signal.Seq)

	assert.Equal(t, "120\n", h.dialer.LastConn().Written())
	latest, ok := h.p.LatestSignal()
	require.True(t, ok)
	assert.Equal(t, res.Signal.Box, latest.Box)
	assert.False(t, h.p.Running(), "uploads do not start the camera")
}

func TestDetectImage_NoFaces(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.p.DetectImage(encodeImage(t, 64, 48))
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
	assert.Nil(t, res.Signal)
}

func TestDetectImage_Errors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.p.DetectImage(nil)
	assert.Equal(t, KindInvalidImage, KindOf(err))

	_, err = h.p.DetectImage([]byte("definitely not a jpeg"))
	assert.Equal(t, KindInvalidImage, KindOf(err))

	h.det.SetError(errors.New("inference failed"))
	_, err = h.p.DetectImage(encodeImage(t, 64, 48))
	assert.Equal(t, KindDetector, KindOf(err))
	assert.Equal(t, uint64(1), h.p.Stats().DetectErrors)
}

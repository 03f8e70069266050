package server

import (
	"fmt"
	"net/http"

	"github.com/ayusman/facelink/internal/pipeline"
)

// Subscriber is the part of the pipeline the stream handlers need.
type Subscriber interface {
	Subscribe(buffer int) *pipeline.Subscription
}

// StreamHandler serves annotated frames as an MJPEG multipart stream.
type StreamHandler struct {
	source Subscriber
	buffer int
}

// NewStreamHandler creates a StreamHandler reading from source.
func NewStreamHandler(source Subscriber, buffer int) *StreamHandler {
	return &StreamHandler{source: source, buffer: buffer}
}

// ServeHTTP streams frames until the client goes away or the pipeline
// closes the subscription.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := h.source.Subscribe(h.buffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Kind != pipeline.EventFrame || len(ev.Image) == 0 {
				continue
			}
			if err := writePart(w, ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writePart(w http.ResponseWriter, ev pipeline.Event) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		ev.Format.MimeType(), len(ev.Image)); err != nil {
		return err
	}
	if _, err := w.Write(ev.Image); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayusman/facelink/internal/annotate"
	"github.com/ayusman/facelink/internal/log"
	"github.com/ayusman/facelink/internal/pipeline"
)

const (
	wsWriteWait  = 5 * time.Second
	wsMaxMessage = 8 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: allowOrigin,
}

// allowOrigin accepts clients without an Origin header, pages served by
// this server and pages on a loopback host.
func allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ImageDetector runs detection on frames pushed by a client.
type ImageDetector interface {
	DetectImage(data []byte) (pipeline.Result, error)
}

// EventsHandler streams pipeline events as JSON over a WebSocket. Add
// ?frames=1 to receive each annotated frame as a data URL. Clients may push
// their own frames as {"type":"frame","image":"data:image/jpeg;base64,..."}
// and get back a "result" message.
type EventsHandler struct {
	source   Subscriber
	detector ImageDetector
	buffer   int
}

// NewEventsHandler returns a handler fed by source. A nil detector ignores
// client frames.
func NewEventsHandler(source Subscriber, detector ImageDetector, buffer int) *EventsHandler {
	return &EventsHandler{source: source, detector: detector, buffer: buffer}
}

// wsMessage is the JSON shape sent to clients.
type wsMessage struct {
	pipeline.Event
	Frame string `json:"frame,omitempty"`
}

// wsRequest is a client message.
type wsRequest struct {
	Type  string `json:"type"`
	Image string `json:"image"`
}

// wsResult answers a client frame.
type wsResult struct {
	Kind string `json:"kind"`
	pipeline.Result
	Error string `json:"error,omitempty"`
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.Component("server")
	withFrames := r.URL.Query().Get("frames") == "1"

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	sub := h.source.Subscribe(h.buffer)
	defer sub.Close()

	// Only the loop below writes; the reader hands replies to it.
	gone := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	replies := make(chan wsResult, 1)
	go func() {
		defer close(gone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			reply, ok := h.handleRequest(data)
			if !ok {
				continue
			}
			select {
			case replies <- reply:
			case <-quit:
				return
			}
		}
	}()

	for {
		var msg any
		select {
		case <-gone:
			return
		case reply := <-replies:
			msg = reply
		case ev, ok := <-sub.C:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "pipeline closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			m := wsMessage{Event: ev}
			if withFrames && len(ev.Image) > 0 {
				m.Frame = annotate.DataURL(ev.Image, ev.Format)
			}
			msg = m
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug().Err(err).Msg("websocket write")
			return
		}
	}
}

// handleRequest runs a client frame through the detector. Messages other
// than frames are ignored.
func (h *EventsHandler) handleRequest(data []byte) (wsResult, bool) {
	if h.detector == nil {
		return wsResult{}, false
	}
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Type != "frame" {
		return wsResult{}, false
	}

	reply := wsResult{Kind: "result"}
	img, err := annotate.ParseDataURL(req.Image)
	if err != nil {
		reply.Error = err.Error()
		return reply, true
	}
	res, err := h.detector.DetectImage(img)
	reply.Result = res
	if err != nil {
		reply.Error = err.Error()
	}
	return reply, true
}

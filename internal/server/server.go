// Package server exposes the pipeline over HTTP: commands, status, an MJPEG
// stream and a WebSocket event feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayusman/facelink/internal/link"
	"github.com/ayusman/facelink/internal/log"
	"github.com/ayusman/facelink/internal/pipeline"
	"github.com/ayusman/facelink/internal/server/api"
	"github.com/ayusman/facelink/internal/signal"
	"github.com/ayusman/facelink/internal/store"
)

// Controller is the pipeline surface the server drives.
type Controller interface {
	Start() error
	Stop() error
	Connect(ctx context.Context, address string) error
	Disconnect() error
	Send(message string) (link.Message, error)
	Subscribe(buffer int) *pipeline.Subscription
	Status() pipeline.Status
	LinkStatus() link.Status
	LatestSignal() (signal.Signal, bool)
	DetectImage(data []byte) (pipeline.Result, error)
}

// Config holds the server configuration.
type Config struct {
	StaticDir  string
	Store      *store.Store
	Controller Controller
	// StreamBuffer is the subscription length for stream and WebSocket
	// clients. Slow clients lose their oldest frames.
	StreamBuffer int
}

// Server is the HTTP front end.
type Server struct {
	config Config
	router *mux.Router
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = 2
	}
	s := &Server{
		config: config,
		router: mux.NewRouter(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	if c := s.config.Controller; c != nil {
		r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
		r.HandleFunc("/api/camera/start", s.handleCameraStart).Methods(http.MethodPost)
		r.HandleFunc("/api/camera/stop", s.handleCameraStop).Methods(http.MethodPost)
		r.HandleFunc("/api/face", s.handleFace).Methods(http.MethodGet)
		r.HandleFunc("/api/link", s.handleLinkStatus).Methods(http.MethodGet)
		r.HandleFunc("/api/link/connect", s.handleConnect).Methods(http.MethodPost)
		r.HandleFunc("/api/link/disconnect", s.handleDisconnect).Methods(http.MethodPost)
		r.HandleFunc("/api/link/send", s.handleSend).Methods(http.MethodPost)
		r.Handle("/api/stream", NewStreamHandler(c, s.config.StreamBuffer)).Methods(http.MethodGet)
		r.Handle("/api/ws", NewEventsHandler(c, c, s.config.StreamBuffer)).Methods(http.MethodGet)
	}

	if s.config.Store != nil {
		api.NewDeviceHandler(s.config.Store).Register(r)
		api.NewLinkEventHandler(s.config.Store).Register(r)
	}

	if s.config.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.config.StaticDir)))
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.config.Controller.Status())
}

func (s *Server) handleCameraStart(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Controller.Start(); err != nil {
		writeCommandError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.config.Controller.Status())
}

func (s *Server) handleCameraStop(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Controller.Stop(); err != nil {
		writeCommandError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.config.Controller.Status())
}

type faceResponse struct {
	Face *signal.Signal `json:"face"`
}

// handleFace returns the primary face of the latest frame, or null.
func (s *Server) handleFace(w http.ResponseWriter, r *http.Request) {
	var resp faceResponse
	if sig, ok := s.config.Controller.LatestSignal(); ok {
		resp.Face = &sig
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLinkStatus(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.config.Controller.LinkStatus())
}

type connectRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.config.Controller.Connect(r.Context(), req.Address); err != nil {
		writeCommandError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.config.Controller.LinkStatus())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Controller.Disconnect(); err != nil {
		logger := log.Component("server")
		logger.Warn().Err(err).Msg("disconnect")
	}
	api.WriteJSON(w, http.StatusOK, s.config.Controller.LinkStatus())
}

type sendRequest struct {
	Message string `json:"message"`
}

type sendResponse struct {
	Seq uint64 `json:"seq"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	msg, err := s.config.Controller.Send(req.Message)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sendResponse{Seq: msg.Seq})
}

// statusFor maps a command failure to an HTTP status.
func statusFor(err error) int {
	switch pipeline.KindOf(err) {
	case pipeline.KindInvalidAddress, pipeline.KindInvalidImage:
		return http.StatusBadRequest
	case pipeline.KindNotConnected:
		return http.StatusConflict
	case pipeline.KindCameraUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.KindLinkConnect:
		if errors.Is(err, link.ErrConnectTimeout) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case pipeline.KindLinkSend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeCommandError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := log.Component("server")
		logger.Warn().Err(err).Int("status", status).Msg("command failed")
	}
	api.WriteError(w, status, err.Error())
}

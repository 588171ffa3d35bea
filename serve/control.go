package serve

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"sentinel/video"
)

const (
	StatusSuccess        = "success"
	StatusError          = "error"
	StatusAlreadyRunning = "already_running"
	StatusNotRunning     = "not_running"
)

// Response is the body of every control and alert mutation.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	AlertID string `json:"alert_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(js)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, &Response{Status: StatusError, Message: err.Error()})
}

// StreamController is the part of video.Manager driven over HTTP.
type StreamController interface {
	Start(uri string) error
	Stop() error
	Status() video.Status
}

type ControlServer struct {
	Stream StreamController
}

func (s *ControlServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/start_stream", s.handleStart)
	mux.HandleFunc("POST /api/stop_stream", s.handleStop)
	mux.HandleFunc("GET /api/status", s.handleStatus)
}

type startRequest struct {
	Source string `json:"source"`
}

func (s *ControlServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := s.Stream.Start(req.Source)
	switch {
	case errors.Is(err, video.ErrAlreadyRunning):
		writeJSON(w, http.StatusOK, &Response{Status: StatusAlreadyRunning, Message: "Streaming is already active"})
	case err != nil:
		log.WithField("addr", r.RemoteAddr).Warnf("Failed to start stream: %v", err)
		writeJSON(w, http.StatusOK, &Response{Status: StatusError, Message: "Unable to start video stream: " + err.Error()})
	default:
		writeJSON(w, http.StatusOK, &Response{Status: StatusSuccess, Message: "Video stream started"})
	}
}

func (s *ControlServer) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.Stream.Stop()
	switch {
	case errors.Is(err, video.ErrNotRunning):
		writeJSON(w, http.StatusOK, &Response{Status: StatusNotRunning, Message: "Streaming is not active"})
	case err != nil:
		writeJSON(w, http.StatusOK, &Response{Status: StatusError, Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, &Response{Status: StatusSuccess, Message: "Video stream stopped"})
	}
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stream.Status())
}

package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"sentinel/alert"
	"sentinel/metrics"
)

var allowedImageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// Multipart parts beyond this size are spooled to disk while parsing.
const maxFormMemory = 8 << 20

// AlertListener is told about every new alert.
type AlertListener interface {
	AlertCreated(a alert.Alert)
}

type AlertServer struct {
	Store    *alert.Store
	Listener AlertListener

	// Uploaded images are saved under UploadDir/alerts.
	UploadDir      string
	MaxUploadBytes int64
}

func (s *AlertServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/alerts", s.handleList)
	mux.HandleFunc("POST /api/alerts", s.handleCreate)
	mux.HandleFunc("PUT /api/alerts/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/alerts/{id}", s.handleDelete)
	mux.Handle("GET /api/alerts/{id}/image", &ImageServer{Store: s.Store})
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

func (s *AlertServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.Store.List(alert.Filter{
		Status: q.Get("status"),
		Search: q.Get("search"),
	}))
}

// secureFilename keeps only characters safe for a flat file name.
func secureFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), "._")
}

// saveImage stores the optional "image" upload. It returns empty paths when
// no image was sent.
func (s *AlertServer) saveImage(r *http.Request, id string) (url, path string, err error) {
	if r.MultipartForm == nil {
		return "", "", nil
	}
	f, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	if header.Filename == "" {
		return "", "", nil
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedImageExts[ext] {
		return "", "", fmt.Errorf("unsupported image type %q", ext)
	}

	dir := filepath.Join(s.UploadDir, "alerts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", err
	}
	path = filepath.Join(dir, secureFilename(id+"_"+header.Filename))
	out, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		os.Remove(path)
		return "", "", err
	}
	if err := out.Close(); err != nil {
		return "", "", err
	}
	return "/api/alerts/" + id + "/image", path, nil
}

func (s *AlertServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	clog := log.WithField("addr", r.RemoteAddr)
	if s.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	id := alert.NewID()
	url, path, err := s.saveImage(r, id)
	if err != nil {
		clog.Warnf("Rejected alert image: %v", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a := s.Store.Create(id, alert.New{
		Name:        r.FormValue("name"),
		Location:    r.FormValue("location"),
		Description: r.FormValue("description"),
		Severity:    r.FormValue("severity"),
	}, url, path)
	metrics.AlertsCreated.WithLabelValues(a.Severity).Inc()
	clog.Infof("Alert %v created (severity %v, image %v)", a.ID, a.Severity, path != "")

	if s.Listener != nil {
		s.Listener.AlertCreated(a)
	}
	writeJSON(w, http.StatusOK, &Response{Status: StatusSuccess, Message: "Alert recorded", AlertID: a.ID})
}

type updateRequest struct {
	Status string `json:"status"`
}

func (s *AlertServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.Store.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	_, err := s.Store.UpdateStatus(id, req.Status)
	switch {
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, alert.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, &Response{Status: StatusSuccess, Message: "Status updated"})
	}
}

func (s *AlertServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	a, err := s.Store.Delete(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if a.ImagePath != "" {
		if err := os.Remove(a.ImagePath); err != nil && !os.IsNotExist(err) {
			log.Warnf("Failed to remove image for alert %v: %v", a.ID, err)
		}
	}
	writeJSON(w, http.StatusOK, &Response{Status: StatusSuccess, Message: "Alert deleted"})
}

func (s *AlertServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Store.Stats())
}

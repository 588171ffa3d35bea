package serve

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"sentinel/alert"
)

// ImageServer serves the image attached to an alert.
type ImageServer struct {
	Store *alert.Store
}

func (s *ImageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.Store.Get(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("No alert found for id %v", id), http.StatusNotFound)
		return
	}
	if a.ImagePath == "" {
		http.Error(w, fmt.Sprintf("Alert %v has no image", id), http.StatusNotFound)
		return
	}

	f, err := os.Open(a.ImagePath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer f.Close()

	ct := mime.TypeByExtension(filepath.Ext(a.ImagePath))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Add("Content-Type", ct)
	io.Copy(w, f)
}

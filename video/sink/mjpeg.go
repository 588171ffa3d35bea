package sink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"sentinel/metrics"
	"sentinel/video/process"
)

const (
	boundaryWord = "frame"
	partHeader   = "--" + boundaryWord + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"\r\n"
	partTrailer = "\r\n"

	ContentType = "multipart/x-mixed-replace; boundary=" + boundaryWord

	placeholderText = "Waiting for video stream..."
)

type MJPEGOptions struct {
	FPS                int
	Quality            int
	PlaceholderQuality int
	PlaceholderSize    image.Point

	// How long to wait before polling again when no frame is available.
	PlaceholderDelay time.Duration
}

func (o MJPEGOptions) withDefaults() MJPEGOptions {
	if o.FPS == 0 {
		o.FPS = 30
	}
	if o.Quality == 0 {
		o.Quality = 60
	}
	if o.PlaceholderQuality == 0 {
		o.PlaceholderQuality = 90
	}
	if o.PlaceholderSize.X == 0 || o.PlaceholderSize.Y == 0 {
		o.PlaceholderSize = image.Point{X: 640, Y: 480}
	}
	if o.PlaceholderDelay == 0 {
		o.PlaceholderDelay = time.Second
	}
	return o
}

// EncodeJPEG compresses m with the given quality and optimized Huffman
// tables.
func EncodeJPEG(m gocv.Mat, quality int) ([]byte, error) {
	if m.Empty() {
		return nil, errors.New("empty image")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{
		int(gocv.IMWriteJpegQuality), quality,
		int(gocv.IMWriteJpegOptimize), 1,
	})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	// The native buffer is freed on Close.
	b := make([]byte, buf.Len())
	copy(b, buf.GetBytes())
	return b, nil
}

// writePart writes one multipart/x-mixed-replace part and flushes it.
func writePart(w io.Writer, rc *http.ResponseController, jpeg []byte) error {
	if _, err := io.WriteString(w, partHeader); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	if _, err := io.WriteString(w, partTrailer); err != nil {
		return err
	}
	if rc != nil {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	return nil
}

// MJPEGServer serves the latest frame of a FrameReader as an endless MJPEG
// stream. Each connection paces and encodes on its own, so a slow client
// only slows itself.
type MJPEGServer struct {
	reader      FrameReader
	opts        MJPEGOptions
	placeholder []byte
}

func NewMJPEGServer(reader FrameReader, opts MJPEGOptions) (*MJPEGServer, error) {
	opts = opts.withDefaults()
	m := process.Placeholder(opts.PlaceholderSize, placeholderText)
	defer m.Close()
	placeholder, err := EncodeJPEG(m, opts.PlaceholderQuality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode placeholder: %w", err)
	}
	return &MJPEGServer{
		reader:      reader,
		opts:        opts,
		placeholder: placeholder,
	}, nil
}

// Placeholder returns the JPEG shown while no stream is available.
func (s *MJPEGServer) Placeholder() []byte {
	return s.placeholder
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clog := log.WithField("addr", r.RemoteAddr)
	clog.Infof("MJPEG stream connected")
	metrics.MJPEGClients.Inc()
	defer func() {
		metrics.MJPEGClients.Dec()
		clog.Infof("MJPEG stream disconnected")
	}()

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := s.stream(r.Context(), w, http.NewResponseController(w)); err != nil && r.Context().Err() == nil {
		clog.Debugf("MJPEG stream ended: %v", err)
	}
}

func (s *MJPEGServer) stream(ctx context.Context, w io.Writer, rc *http.ResponseController) error {
	pacer := NewPacer(s.opts.FPS)
	for {
		if err := pacer.Wait(ctx); err != nil {
			return err
		}

		frame, ok := s.reader.Latest()
		if !ok {
			if err := writePart(w, rc, s.placeholder); err != nil {
				return err
			}
			metrics.MJPEGChunks.WithLabelValues("placeholder").Inc()
			if err := sleepContext(ctx, s.opts.PlaceholderDelay); err != nil {
				return err
			}
			pacer.Reset()
			continue
		}

		jpeg, err := EncodeJPEG(frame.Mat, s.opts.Quality)
		frame.Close()
		if err != nil {
			// Skip this chunk only.
			metrics.MJPEGEncodeErrors.Inc()
			log.Warnf("Error encoding frame for MJPEG stream: %v", err)
			continue
		}
		if err := writePart(w, rc, jpeg); err != nil {
			return err
		}
		metrics.MJPEGChunks.WithLabelValues("frame").Inc()
	}
}

// ServeSnapshot writes the latest frame as a single JPEG.
func (s *MJPEGServer) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, ok := s.reader.Latest()
	if !ok {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}
	jpeg, err := EncodeJPEG(frame.Mat, s.opts.Quality)
	frame.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(jpeg)
}

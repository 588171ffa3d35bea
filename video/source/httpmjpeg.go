package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"sentinel/metrics"
)

const readChunkSize = 8192

// HTTPMJPEG reads an MJPEG stream served over HTTP by scanning the response
// body for JPEG start/end markers. It does not reconnect: once the response
// body fails, Next returns ErrStreamEnded.
type HTTPMJPEG struct {
	uri  string
	size image.Point
	log  *log.Entry

	body    io.ReadCloser
	cancel  context.CancelFunc
	scanner *JPEGScanner
	chunk   []byte
	readErr error
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		// No overall timeout; the body is an endless stream.
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: timeout,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// OpenHTTPMJPEG issues the streaming GET. The request lives as long as ctx.
func OpenHTTPMJPEG(ctx context.Context, uri string, opts Options) (*HTTPMJPEG, error) {
	opts = opts.withDefaults()

	rctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, uri, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := newHTTPClient(opts.ConnectTimeout).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to %v: %w", uri, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("failed to connect to %v: status %v", uri, resp.Status)
	}

	h := &HTTPMJPEG{
		uri:     uri,
		size:    opts.ProcessSize,
		log:     log.WithField("source", uri),
		body:    resp.Body,
		cancel:  cancel,
		scanner: NewJPEGScanner(opts.MaxFrameBytes),
		chunk:   make([]byte, readChunkSize),
	}
	h.log.Infof("Connected to HTTP MJPEG stream (%v)", resp.Header.Get("Content-Type"))
	return h, nil
}

// decode turns a JPEG payload into a frame at the processing resolution.
func (h *HTTPMJPEG) decode(jpg []byte) (Frame, error) {
	m, err := gocv.IMDecode(jpg, gocv.IMReadColor)
	if err != nil {
		return Frame{}, err
	}
	if m.Empty() {
		m.Close()
		return Frame{}, errors.New("empty image")
	}
	if m.Cols() != h.size.X || m.Rows() != h.size.Y {
		resized := gocv.NewMat()
		gocv.Resize(m, &resized, h.size, 0, 0, gocv.InterpolationLinear)
		m.Close()
		m = resized
	}
	return Frame{Mat: m, Time: time.Now()}, nil
}

func (h *HTTPMJPEG) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		for {
			jpg, ok := h.scanner.Next()
			if !ok {
				break
			}
			f, err := h.decode(jpg)
			if err != nil {
				metrics.FramesSkipped.WithLabelValues("decode").Inc()
				h.log.Debugf("Skipping undecodable image (%d bytes): %v", len(jpg), err)
				continue
			}
			return f, nil
		}

		if h.readErr != nil {
			return Frame{}, h.readErr
		}

		overflows := h.scanner.Overflows
		n, err := h.body.Read(h.chunk)
		if n > 0 {
			h.scanner.Write(h.chunk[:n])
			if h.scanner.Overflows != overflows {
				metrics.FramesSkipped.WithLabelValues("overflow").Inc()
				h.log.Warnf("No end of image within %d bytes, discarding buffer", h.scanner.max)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			// Images completed by this final read are still delivered.
			if err == io.EOF {
				h.readErr = ErrStreamEnded
			} else {
				h.readErr = fmt.Errorf("%w: %v", ErrStreamEnded, err)
			}
		}
	}
}

func (h *HTTPMJPEG) Close() error {
	h.cancel()
	return h.body.Close()
}

package source

import (
	"context"
	"errors"
	"image"
	"strconv"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// ErrStreamEnded is returned by Next when the source can no longer produce
// frames and will not recover on its own.
var ErrStreamEnded = errors.New("stream ended")

// Frame is a single decoded BGR image along with the time it was captured.
// A Frame has exactly one owner, which must Close it.
type Frame struct {
	Mat  gocv.Mat
	Time time.Time
}

func (f Frame) Close() {
	f.Mat.Close()
}

// Clone returns an independent copy of the frame.
func (f Frame) Clone() Frame {
	return Frame{
		Mat:  f.Mat.Clone(),
		Time: f.Time,
	}
}

func (f Frame) Size() image.Point {
	return image.Point{X: f.Mat.Cols(), Y: f.Mat.Rows()}
}

// Source defines a stream of frames, such as a camera.
type Source interface {
	// Next blocks until a frame is available. Recoverable faults (a failed read
	// on a local device, a malformed image) are handled internally; any error
	// returned is terminal for the source, including ctx cancellation. The
	// caller owns the returned frame.
	Next(ctx context.Context) (Frame, error)

	// Close disconnects from the capture source and frees up all resources.
	Close() error
}

// Kind classifies a source URI.
type Kind int

const (
	KindDevice Kind = iota
	KindCapture
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindCapture:
		return "capture"
	case KindHTTP:
		return "http"
	}
	return "unknown"
}

// Descriptor identifies a source: a local device index, an HTTP MJPEG
// endpoint, or anything else OpenCV can open (RTSP URL, file).
type Descriptor struct {
	URI    string
	Kind   Kind
	Device int
}

func ParseDescriptor(uri string) Descriptor {
	uri = strings.TrimSpace(uri)
	if n, err := strconv.Atoi(uri); err == nil && n >= 0 {
		return Descriptor{URI: uri, Kind: KindDevice, Device: n}
	}
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return Descriptor{URI: uri, Kind: KindHTTP}
	}
	return Descriptor{URI: uri, Kind: KindCapture}
}

type Options struct {
	// Size HTTP frames are resized to.
	ProcessSize image.Point

	ConnectTimeout time.Duration
	ReconnectDelay time.Duration

	// Upper bound on buffered bytes while waiting for an end-of-image marker.
	MaxFrameBytes int
}

func (o Options) withDefaults() Options {
	if o.ProcessSize.X == 0 || o.ProcessSize.Y == 0 {
		o.ProcessSize = image.Point{X: 640, Y: 480}
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.MaxFrameBytes == 0 {
		o.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return o
}

// Open connects to the source described by uri. Connection failures (device
// can't be opened, non-200 HTTP status, timeout) are returned here.
func Open(ctx context.Context, uri string, opts Options) (Source, error) {
	d := ParseDescriptor(uri)
	opts = opts.withDefaults()
	if d.Kind == KindHTTP {
		return OpenHTTPMJPEG(ctx, d.URI, opts)
	}
	return OpenVideoCapture(ctx, d, opts)
}

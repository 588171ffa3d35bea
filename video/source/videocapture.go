package source

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"sentinel/metrics"
)

// VideoCapture reads from a local device or anything OpenCV can open by name
// (RTSP, files). Read failures release the handle and reconnect after
// ReconnectDelay, forever, until the context passed to Next is cancelled.
type VideoCapture struct {
	desc  Descriptor
	delay time.Duration
	log   *log.Entry

	cap *gocv.VideoCapture
}

func openCapture(d Descriptor) (*gocv.VideoCapture, error) {
	var (
		cap *gocv.VideoCapture
		err error
	)
	if d.Kind == KindDevice {
		cap, err = gocv.VideoCaptureDevice(d.Device)
	} else {
		cap, err = gocv.VideoCaptureFile(d.URI)
	}
	if err != nil {
		return nil, err
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("unable to open video source %v", d.URI)
	}
	return cap, nil
}

func OpenVideoCapture(ctx context.Context, d Descriptor, opts Options) (*VideoCapture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cap, err := openCapture(d)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %v: %w", d.URI, err)
	}
	v := &VideoCapture{
		desc:  d,
		delay: opts.withDefaults().ReconnectDelay,
		log:   log.WithField("source", d.URI),
		cap:   cap,
	}
	v.log.Infof("Connected to %v source", d.Kind)
	return v, nil
}

func (v *VideoCapture) release() {
	if v.cap != nil {
		v.cap.Close()
		v.cap = nil
	}
}

// reconnect replaces the capture handle, retrying until it succeeds or ctx is
// done.
func (v *VideoCapture) reconnect(ctx context.Context) error {
	v.release()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.delay):
		}
		metrics.SourceReconnects.Inc()
		cap, err := openCapture(v.desc)
		if err != nil {
			v.log.Warnf("Reconnect failed, retrying in %v: %v", v.delay, err)
			continue
		}
		v.cap = cap
		v.log.Infof("Reconnected")
		return nil
	}
}

func (v *VideoCapture) Next(ctx context.Context) (Frame, error) {
	m := gocv.NewMat()
	for {
		if err := ctx.Err(); err != nil {
			m.Close()
			return Frame{}, err
		}
		if v.cap == nil {
			if err := v.reconnect(ctx); err != nil {
				m.Close()
				return Frame{}, err
			}
		}
		if ok := v.cap.Read(&m); ok && !m.Empty() {
			return Frame{Mat: m, Time: time.Now()}, nil
		}
		v.log.Warnf("Read failure, reconnecting in %v", v.delay)
		if err := v.reconnect(ctx); err != nil {
			m.Close()
			return Frame{}, err
		}
	}
}

func (v *VideoCapture) Close() error {
	v.release()
	return nil
}

package source

import (
	"bytes"
)

// DefaultMaxFrameBytes bounds the accumulator while no end-of-image marker
// has been seen.
const DefaultMaxFrameBytes = 10 << 20

var (
	markerSOI = []byte{0xFF, 0xD8}
	markerEOI = []byte{0xFF, 0xD9}
)

// JPEGScanner extracts concatenated JPEG images from a byte stream, such as
// the body of a multipart MJPEG response. Bytes may arrive in arbitrarily
// sized chunks; markers split across chunks are handled. Anything outside a
// start/end marker pair (multipart headers, boundaries, garbage) is dropped.
type JPEGScanner struct {
	buf []byte
	max int

	// Overflows counts the number of times the accumulator was reset.
	Overflows int
}

func NewJPEGScanner(max int) *JPEGScanner {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	return &JPEGScanner{max: max}
}

// Write appends stream bytes. It never fails.
func (s *JPEGScanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	s.trim()
	return len(p), nil
}

// trim discards bytes which can't be part of an image.
func (s *JPEGScanner) trim() {
	start := bytes.Index(s.buf, markerSOI)
	switch {
	case start > 0:
		s.buf = s.buf[start:]
	case start < 0:
		// Keep a trailing 0xFF, it may be the first half of a start marker.
		if n := len(s.buf); n > 0 && s.buf[n-1] == markerSOI[0] {
			s.buf = s.buf[n-1:]
		} else {
			s.buf = s.buf[:0]
		}
	}
	if len(s.buf) > s.max {
		s.Overflows++
		s.buf = s.buf[:0]
	}
}

// Next returns the next complete JPEG image, or false if more bytes are
// needed. The returned slice is owned by the caller.
func (s *JPEGScanner) Next() ([]byte, bool) {
	if len(s.buf) < 4 || !bytes.HasPrefix(s.buf, markerSOI) {
		return nil, false
	}
	end := bytes.Index(s.buf[len(markerSOI):], markerEOI)
	if end < 0 {
		return nil, false
	}
	end += 2 * len(markerSOI)

	img := make([]byte, end)
	copy(img, s.buf[:end])

	// Shift the remainder down so the backing array doesn't grow forever.
	n := copy(s.buf, s.buf[end:])
	s.buf = s.buf[:n]
	s.trim()
	return img, true
}

// Buffered returns the number of bytes held waiting for a complete image.
func (s *JPEGScanner) Buffered() int {
	return len(s.buf)
}

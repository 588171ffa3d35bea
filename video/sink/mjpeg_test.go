package sink

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"sentinel/video/source"
)

// fakeReader serves a fixed frame, optionally alternating with an
// unencodable one.
type fakeReader struct {
	l       sync.Mutex
	frame   *gocv.Mat
	reads   int
	badEven bool
}

func (r *fakeReader) Latest() (source.Frame, bool) {
	r.l.Lock()
	defer r.l.Unlock()
	r.reads++
	if r.frame == nil {
		return source.Frame{}, false
	}
	if r.badEven && r.reads%2 == 0 {
		return source.Frame{Mat: gocv.NewMat(), Time: time.Now()}, true
	}
	return source.Frame{Mat: r.frame.Clone(), Time: time.Now()}, true
}

func newTestMat() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 255, 0), 120, 160, gocv.MatTypeCV8UC3)
}

func readParts(t *testing.T, body io.Reader, max int, deadline time.Duration) [][]byte {
	t.Helper()
	mr := multipart.NewReader(body, "frame")
	var parts [][]byte
	timeout := time.After(deadline)
	for len(parts) < max {
		select {
		case <-timeout:
			return parts
		default:
		}
		p, err := mr.NextPart()
		if err != nil {
			return parts
		}
		if ct := p.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("part Content-Type = %q", ct)
		}
		b, err := io.ReadAll(p)
		if err != nil {
			return parts
		}
		parts = append(parts, b)
	}
	return parts
}

func TestWritePartWireFormat(t *testing.T) {
	var b bytes.Buffer
	if err := writePart(&b, nil, []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}); err != nil {
		t.Fatal(err)
	}
	want := "--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8\xaa\xff\xd9\r\n"
	if b.String() != want {
		t.Fatalf("part = %q, want %q", b.String(), want)
	}
}

func TestMJPEGServesFrames(t *testing.T) {
	m := newTestMat()
	defer m.Close()
	reader := &fakeReader{frame: &m}

	s, err := NewMJPEGServer(reader, MJPEGOptions{FPS: 50})
	if err != nil {
		t.Fatalf("NewMJPEGServer: %v", err)
	}
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	head, err := br.Peek(len(partHeader) + 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(head), "--frame\r\nContent-Type: image/jpeg\r\n\r\n\xff\xd8") {
		t.Fatalf("stream starts with %q", head)
	}

	parts := readParts(t, br, 10, 5*time.Second)
	if len(parts) != 10 {
		t.Fatalf("got %d parts, want 10", len(parts))
	}
	for i, p := range parts {
		img, err := jpeg.Decode(bytes.NewReader(p))
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if img.Bounds().Size() != (image.Point{X: 160, Y: 120}) {
			t.Fatalf("part %d size = %v", i, img.Bounds().Size())
		}
	}
}

func TestMJPEGPlaceholderSlowPoll(t *testing.T) {
	reader := &fakeReader{}
	s, err := NewMJPEGServer(reader, MJPEGOptions{PlaceholderDelay: time.Second})
	if err != nil {
		t.Fatalf("NewMJPEGServer: %v", err)
	}
	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	parts := readParts(t, resp.Body, 100, 1400*time.Millisecond)
	// One placeholder immediately, at most one more after the 1s poll delay.
	if len(parts) < 1 || len(parts) > 2 {
		t.Fatalf("got %d placeholder parts in 1.4s, want 1 or 2", len(parts))
	}
	if !bytes.Equal(parts[0], s.Placeholder()) {
		t.Fatalf("first part is not the placeholder image")
	}
	img, err := jpeg.Decode(bytes.NewReader(parts[0]))
	if err != nil {
		t.Fatalf("placeholder does not decode: %v", err)
	}
	if img.Bounds().Size() != (image.Point{X: 640, Y: 480}) {
		t.Fatalf("placeholder size = %v", img.Bounds().Size())
	}
}

func TestMJPEGSkipsEncodeErrors(t *testing.T) {
	m := newTestMat()
	defer m.Close()
	reader := &fakeReader{frame: &m, badEven: true}

	s, err := NewMJPEGServer(reader, MJPEGOptions{FPS: 100})
	if err != nil {
		t.Fatalf("NewMJPEGServer: %v", err)
	}
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	parts := readParts(t, resp.Body, 5, 5*time.Second)
	if len(parts) != 5 {
		t.Fatalf("got %d parts, want 5; encode errors must not end the stream", len(parts))
	}
	for i, p := range parts {
		if _, err := jpeg.Decode(bytes.NewReader(p)); err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
	}
}

func TestMJPEGSnapshot(t *testing.T) {
	reader := &fakeReader{}
	s, err := NewMJPEGServer(reader, MJPEGOptions{})
	if err != nil {
		t.Fatalf("NewMJPEGServer: %v", err)
	}

	rec := httptest.NewRecorder()
	s.ServeSnapshot(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("snapshot without frame: status %d", rec.Code)
	}

	m := newTestMat()
	defer m.Close()
	reader.l.Lock()
	reader.frame = &m
	reader.l.Unlock()

	rec = httptest.NewRecorder()
	s.ServeSnapshot(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot status %d", rec.Code)
	}
	if _, err := jpeg.Decode(rec.Body); err != nil {
		t.Fatalf("snapshot does not decode: %v", err)
	}
}

package video

import (
	"sync"

	"sentinel/video/source"
)

// FrameBuffer holds the most recent frame of a stream. It has a single
// writer (the session producer) and any number of readers. Only the latest
// frame is kept; readers may miss frames.
type FrameBuffer struct {
	l      sync.Mutex
	frame  source.Frame
	has    bool
	closed bool
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Put stores a copy of input, replacing the previous frame. The caller keeps
// ownership of input.
func (b *FrameBuffer) Put(input source.Frame) {
	f := input.Clone()

	b.l.Lock()
	if b.closed {
		b.l.Unlock()
		f.Close()
		return
	}
	old, had := b.frame, b.has
	b.frame, b.has = f, true
	b.l.Unlock()

	if had {
		old.Close()
	}
}

// Read returns an independent copy of the latest frame, or false if nothing
// has been written. The caller owns the returned frame.
func (b *FrameBuffer) Read() (source.Frame, bool) {
	b.l.Lock()
	defer b.l.Unlock()
	if !b.has {
		return source.Frame{}, false
	}
	return b.frame.Clone(), true
}

// Close releases the held frame. Later writes are discarded and reads
// return empty.
func (b *FrameBuffer) Close() {
	b.l.Lock()
	old, had := b.frame, b.has
	b.frame, b.has = source.Frame{}, false
	b.closed = true
	b.l.Unlock()

	if had {
		old.Close()
	}
}

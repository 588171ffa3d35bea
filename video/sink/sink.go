package sink

import (
	"sentinel/video/source"
)

// Sink defines a destination for a stream of frames.
type Sink interface {
	// Put inserts a frame into the sink. The caller keeps ownership of the
	// frame; a sink which needs it later must copy it.
	Put(input source.Frame)

	// Close should be called to finalize the Sink.
	Close()
}

// FrameReader gives read-only access to the latest frame of the active
// stream. The caller owns the returned frame. It returns false when there is
// no active stream or no frame yet.
type FrameReader interface {
	Latest() (source.Frame, bool)
}

package types

import (
	"fmt"
	"time"
)

// BytesPerPixel is the size of one ARGB pixel.
const BytesPerPixel = 4

// Frame represents a single rendered capture
//
// Frames are immutable once created: producers hand them off and never touch
// Data again, so the session loop can pass Data straight to the pipeline
// without copying.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains row-major ARGB pixels (Width*Height*4 bytes)
	Data []byte
	// TraceID correlates a frame across log lines
	TraceID string
}

// Validate checks that Data matches the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("frame is nil")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * BytesPerPixel; len(f.Data) != want {
		return fmt.Errorf("frame data is %d bytes, want %d for %dx%d ARGB",
			len(f.Data), want, f.Width, f.Height)
	}
	return nil
}

// FrameSource yields rendered frames on demand.
//
// TryCapture returns (nil, nil) when no frame is available right now; that is
// a transient miss and the caller simply tries again on its next cycle. A
// non-nil error means the source can no longer produce frames.
//
// Sources that hold resources should also implement io.Closer.
type FrameSource interface {
	TryCapture() (*Frame, error)
}

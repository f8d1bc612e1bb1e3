package framesource

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/pptcast/internal/types"
)

// ErrSourceClosed is returned by TryCapture after Close.
var ErrSourceClosed = errors.New("frame source closed")

// DefaultFramesPerSlide is how many captures a synthetic slide lasts
// (5 s at the default 50 ms poll interval).
const DefaultFramesPerSlide = 100

// slide background colours, cycled by slide index (R, G, B)
var palette = [][3]byte{
	{0x1f, 0x3a, 0x93},
	{0x2e, 0x7d, 0x32},
	{0xc6, 0x28, 0x28},
	{0xf9, 0xa8, 0x25},
	{0x6a, 0x1b, 0x9a},
	{0x00, 0x83, 0x8f},
}

// Synthetic renders a test pattern on demand: a solid background whose
// colour identifies the current slide and a white bar that moves one column
// per capture. It never misses.
type Synthetic struct {
	width          int
	height         int
	framesPerSlide uint64
	startSlide     uint32

	mu        sync.Mutex
	seq       uint64
	closed    bool
	startTime time.Time
}

// NewSynthetic creates a synthetic source starting at startSlide. A
// framesPerSlide of 0 selects DefaultFramesPerSlide.
func NewSynthetic(width, height int, startSlide uint32, framesPerSlide int) *Synthetic {
	if framesPerSlide <= 0 {
		framesPerSlide = DefaultFramesPerSlide
	}

	slog.Info("framesource: synthetic source created",
		"width", width,
		"height", height,
		"start_slide", startSlide,
		"frames_per_slide", framesPerSlide,
	)

	return &Synthetic{
		width:          width,
		height:         height,
		framesPerSlide: uint64(framesPerSlide),
		startSlide:     startSlide,
		startTime:      time.Now(),
	}
}

// TryCapture renders the next frame.
func (s *Synthetic) TryCapture() (*types.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return &types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      s.render(seq),
		TraceID:   uuid.New().String(),
	}, nil
}

// Slide returns the slide index shown by frame seq.
func (s *Synthetic) Slide(seq uint64) uint32 {
	if seq == 0 {
		return s.startSlide
	}
	return s.startSlide + uint32((seq-1)/s.framesPerSlide)
}

func (s *Synthetic) render(seq uint64) []byte {
	data := make([]byte, s.width*s.height*types.BytesPerPixel)
	bg := palette[int(s.Slide(seq))%len(palette)]
	bar := int((seq - 1) % uint64(s.width))

	for y := 0; y < s.height; y++ {
		row := y * s.width * types.BytesPerPixel
		for x := 0; x < s.width; x++ {
			i := row + x*types.BytesPerPixel
			data[i] = 0xff // alpha
			if x == bar {
				data[i+1], data[i+2], data[i+3] = 0xff, 0xff, 0xff
				continue
			}
			data[i+1], data[i+2], data[i+3] = bg[0], bg[1], bg[2]
		}
	}
	return data
}

// Close stops the source. Safe to call more than once.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	slog.Info("framesource: synthetic source closed",
		"frames_emitted", s.seq,
		"duration", time.Since(s.startTime),
	)
	return nil
}

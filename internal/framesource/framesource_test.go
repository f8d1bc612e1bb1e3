package framesource

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/pptcast/internal/types"
)

func TestMailbox_OverwriteCountsDrop(t *testing.T) {
	var m Mailbox

	if m.Take() != nil {
		t.Fatal("empty mailbox returned a frame")
	}

	m.Put(&types.Frame{Seq: 1})
	m.Put(&types.Frame{Seq: 2})
	m.Put(&types.Frame{Seq: 3})

	f := m.Take()
	if f == nil || f.Seq != 3 {
		t.Fatalf("Take() = %+v, want latest frame (seq 3)", f)
	}
	if m.Take() != nil {
		t.Error("frame handed out twice")
	}
	if m.Drops() != 2 {
		t.Errorf("Drops() = %d, want 2", m.Drops())
	}
	if m.Puts() != 3 {
		t.Errorf("Puts() = %d, want 3", m.Puts())
	}

	// A consumed slot is not a drop
	m.Put(&types.Frame{Seq: 4})
	if m.Drops() != 2 {
		t.Errorf("Put into consumed slot counted as drop")
	}
}

func TestSynthetic_FramesAreSequencedAndValid(t *testing.T) {
	s := NewSynthetic(8, 4, 0, 3)
	defer s.Close()

	var last uint64
	for i := 0; i < 10; i++ {
		f, err := s.TryCapture()
		if err != nil {
			t.Fatalf("TryCapture failed: %v", err)
		}
		if f == nil {
			t.Fatal("synthetic source missed")
		}
		if err := f.Validate(); err != nil {
			t.Fatalf("invalid frame: %v", err)
		}
		if f.Seq <= last {
			t.Fatalf("seq %d not greater than %d", f.Seq, last)
		}
		if f.TraceID == "" {
			t.Error("missing trace id")
		}
		last = f.Seq
	}
}

func TestSynthetic_SlideAdvances(t *testing.T) {
	s := NewSynthetic(4, 1, 2, 3)

	testCases := []struct {
		seq  uint64
		want uint32
	}{
		{1, 2}, {3, 2}, {4, 3}, {6, 3}, {7, 4},
	}
	for _, tc := range testCases {
		if got := s.Slide(tc.seq); got != tc.want {
			t.Errorf("Slide(%d) = %d, want %d", tc.seq, got, tc.want)
		}
	}

	f1, _ := s.TryCapture()
	// Bar in column 0 on the first frame, alpha always opaque
	if f1.Data[0] != 0xff || f1.Data[1] != 0xff || f1.Data[2] != 0xff || f1.Data[3] != 0xff {
		t.Errorf("first pixel = % x, want white bar", f1.Data[:4])
	}
	if f1.Data[4] != 0xff || f1.Data[5] == 0xff && f1.Data[6] == 0xff && f1.Data[7] == 0xff {
		t.Errorf("second pixel = % x, want opaque background", f1.Data[4:8])
	}
}

func TestSynthetic_Close(t *testing.T) {
	s := NewSynthetic(2, 2, 0, 0)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := s.TryCapture(); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("TryCapture after Close = %v, want ErrSourceClosed", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RestartConfig{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 10 * time.Second,
	}

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}

	for _, tc := range testCases {
		if got := calculateBackoff(tc.attempt, cfg); got != tc.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRunWithRestart_GivesUpAfterMaxRetries(t *testing.T) {
	var runs atomic.Int32
	fn := func(ctx context.Context) (bool, error) {
		runs.Add(1)
		return false, errors.New("crashed")
	}

	var state RestartState
	err := RunWithRestart(context.Background(), fn, RestartConfig{
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
	}, &state)

	if err == nil {
		t.Fatal("expected error after max retries")
	}
	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3 (initial + 2 restarts)", got)
	}
	if state.Restarts.Load() != 3 {
		t.Errorf("restart counter = %d, want 3", state.Restarts.Load())
	}
}

func TestRunWithRestart_ProgressResetsRetries(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fn := func(ctx context.Context) (bool, error) {
		n := runs.Add(1)
		if n == 6 {
			cancel()
			return false, nil
		}
		// Every run delivers frames before crashing
		return true, io.ErrUnexpectedEOF
	}

	var state RestartState
	err := RunWithRestart(ctx, fn, RestartConfig{
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: time.Millisecond,
	}, &state)

	if err != nil {
		t.Fatalf("expected nil on cancellation, got %v", err)
	}
	if runs.Load() != 6 {
		t.Errorf("runs = %d, want 6", runs.Load())
	}
}

func TestFactory_Open(t *testing.T) {
	f := &Factory{}
	opts := types.LaunchOptions{
		Source:    "demo:keynote",
		Address:   "127.0.0.1",
		Port:      10000,
		Width:     16,
		Height:    8,
		Transport: types.TransportDatagram,
	}

	src, err := f.Open(opts)
	if err != nil {
		t.Fatalf("Open(demo) failed: %v", err)
	}
	if _, ok := src.(*Synthetic); !ok {
		t.Errorf("Open(demo) returned %T, want *Synthetic", src)
	}
	src.(io.Closer).Close()

	opts.Source = "C:/talks/deck.pptx"
	if _, err := f.Open(opts); !errors.Is(err, ErrNoHelper) {
		t.Errorf("Open without helper = %v, want ErrNoHelper", err)
	}

	f.HelperCommand = "/nonexistent/pptcast-helper"
	if _, err := f.Open(opts); err == nil {
		t.Error("Open with missing helper binary should fail")
	}
}

func TestIsDemo(t *testing.T) {
	for src, want := range map[string]bool{
		"demo":        true,
		"demo:slides": true,
		"demos":       false,
		"deck.pptx":   false,
		"":            false,
	} {
		if got := IsDemo(src); got != want {
			t.Errorf("IsDemo(%q) = %v, want %v", src, got, want)
		}
	}
}

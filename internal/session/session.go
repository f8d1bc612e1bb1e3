// Package session runs one capture → encode → transmit loop per streaming
// session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/pptcast/internal/pipeline"
	"github.com/e7canasta/pptcast/internal/types"
)

// DefaultPollInterval is the cadence of the session loop.
const DefaultPollInterval = 50 * time.Millisecond

var (
	// ErrSourceUnavailable is wrapped by SessionStartError when no frame
	// source could be obtained for the launch options.
	ErrSourceUnavailable = errors.New("frame source unavailable")
	// ErrStopTimeout is returned by Stop when the loop did not exit within
	// the timeout. Resources are released regardless.
	ErrStopTimeout = errors.New("session loop did not stop in time")
)

// SessionStartError reports why Start failed. It wraps either a
// *pipeline.PipelineConstructionError or ErrSourceUnavailable.
type SessionStartError struct {
	Err error
}

func (e *SessionStartError) Error() string {
	return fmt.Sprintf("session start failed: %v", e.Err)
}

func (e *SessionStartError) Unwrap() error {
	return e.Err
}

// State of a Session.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ExitReason records why a session stopped.
type ExitReason int32

const (
	ExitNone ExitReason = iota
	ExitStopRequested
	ExitFault
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitStopRequested:
		return "stop_requested"
	case ExitFault:
		return "fault"
	default:
		return "unknown"
	}
}

// SourceFactory builds the frame source named by LaunchOptions.
type SourceFactory interface {
	Open(opts types.LaunchOptions) (types.FrameSource, error)
}

// Config carries what a session needs besides its launch options.
type Config struct {
	Engine       pipeline.Engine
	Sources      SourceFactory // used when Start is given no source
	PollInterval time.Duration // 0 = DefaultPollInterval
	Quality      int           // JPEG quality, 0 = pipeline default
	Label        string        // log and metric label, usually the session id
	// OnExit runs on the loop goroutine once the loop has ended, whatever
	// the reason. After a fault, resources are already released by then.
	OnExit func(*Session)
}

// Stats is a snapshot of session counters.
type Stats struct {
	State          string    `json:"state"`
	ExitReason     string    `json:"exit_reason"`
	FramesCaptured uint64    `json:"frames_captured"`
	FramesPushed   uint64    `json:"frames_pushed"`
	FramesDropped  uint64    `json:"frames_dropped"`
	CaptureMisses  uint64    `json:"capture_misses"`
	LastSeq        uint64    `json:"last_seq"`
	FPSReal        float64   `json:"fps_real"`
	StartedAt      time.Time `json:"started_at"`
	Error          string    `json:"error,omitempty"`
}

// Session drives one pipeline from one frame source
//
// Lifecycle:
//
//	Created → Running → StopRequested → Stopped   (operator stop)
//	Created → Running → Stopped                   (fault)
//
// The loop runs on its own goroutine and never blocks on the pipeline:
// frames that arrive while downstream is not ready are dropped, so the
// stream shows the most recent rendering rather than falling behind.
//
// A fault (capture error, pipeline fault, panic) ends the loop and releases
// resources from the loop goroutine; nothing propagates to callers. Stop
// waits for the loop for a bounded time and then releases resources
// whether or not the loop has exited. A loop that outlives that deadline
// finds the pipeline closed on its next push and exits.
type Session struct {
	opts       types.LaunchOptions
	cfg        Config
	source     types.FrameSource
	ownsSource bool
	pipe       *pipeline.Pipeline
	metrics    *sessionMetrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state       atomic.Int32
	reason      atomic.Int32
	releaseOnce sync.Once

	errMu sync.Mutex
	err   error

	startedAt time.Time
	captured  atomic.Uint64
	pushed    atomic.Uint64
	dropped   atomic.Uint64
	misses    atomic.Uint64
	lastSeq   atomic.Uint64
}

// Start validates opts, acquires the frame source and pipeline, and starts
// the loop.
//
// When source is nil one is built from cfg.Sources and the session owns it,
// closing it on stop. A caller-provided source is never closed.
//
// On failure nothing is left running and the returned error is a
// *SessionStartError.
func Start(opts types.LaunchOptions, source types.FrameSource, cfg Config) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, &SessionStartError{Err: fmt.Errorf("invalid launch options: %w", err)}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	s := &Session{
		opts: opts,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	if source == nil {
		if cfg.Sources == nil {
			return nil, &SessionStartError{Err: fmt.Errorf("%w: no source factory", ErrSourceUnavailable)}
		}
		src, err := cfg.Sources.Open(opts)
		if err != nil {
			return nil, &SessionStartError{Err: fmt.Errorf("%w: %v", ErrSourceUnavailable, err)}
		}
		source = src
		s.ownsSource = true
	}
	s.source = source

	pipe, err := pipeline.Open(cfg.Engine, pipeline.Options{
		Width:     opts.Width,
		Height:    opts.Height,
		Address:   opts.Address,
		Port:      opts.Port,
		Transport: opts.Transport,
		Quality:   cfg.Quality,
	})
	if err != nil {
		s.closeSource()
		return nil, &SessionStartError{Err: err}
	}
	s.pipe = pipe

	s.metrics = newSessionMetrics(cfg.Label)
	sessionsActive.Inc()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startedAt = time.Now()
	s.state.Store(int32(StateRunning))

	go s.run()

	slog.Info("session: started",
		"session", cfg.Label,
		"source", opts.Source,
		"destination", opts.Destination(),
		"transport", opts.Transport.String(),
		"resolution", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"start_position", opts.StartPosition,
		"poll_interval", cfg.PollInterval,
	)

	return s, nil
}

// run is the loop goroutine.
func (s *Session) run() {
	defer close(s.done)

	err := s.loop()
	if err != nil && s.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		s.reason.Store(int32(ExitFault))
		s.setErr(err)
		sessionFaults.Inc()

		slog.Error("session: fault, stopping",
			"session", s.cfg.Label,
			"error", err,
			"frames_pushed", s.pushed.Load(),
		)
		s.release()
	}

	if s.cfg.OnExit != nil {
		s.cfg.OnExit(s)
	}
}

// loop ticks until stopped or faulted. Panics are converted into the
// returned error.
func (s *Session) loop() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session loop panic: %v", r)
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		if err := s.tick(); err != nil {
			return err
		}

		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tick runs one capture → push cycle.
func (s *Session) tick() error {
	frame, err := s.source.TryCapture()
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	if frame == nil {
		s.misses.Add(1)
		s.metrics.misses.Inc()
		return nil
	}

	s.captured.Add(1)
	s.metrics.captured.Inc()

	if !s.pipe.ReadyForFrame() {
		s.drop()
		return nil
	}

	ok, err := s.pipe.TryPush(frame)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	if !ok {
		s.drop()
		return nil
	}

	s.pushed.Add(1)
	s.metrics.pushed.Inc()
	s.lastSeq.Store(frame.Seq)
	return nil
}

func (s *Session) drop() {
	s.dropped.Add(1)
	s.metrics.dropped.Inc()
}

// Stop asks the loop to exit, waits up to timeout, then releases the
// pipeline and any owned source. Safe to call more than once and after a
// fault. Returns ErrStopTimeout when the loop was still running at the
// deadline.
func (s *Session) Stop(timeout time.Duration) error {
	if s.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested)) {
		s.reason.Store(int32(ExitStopRequested))
		slog.Info("session: stop requested", "session", s.cfg.Label)
	}
	s.cancel()

	var result error
	select {
	case <-s.done:
	default:
		result = s.awaitLoop(timeout)
	}

	s.release()
	s.state.Store(int32(StateStopped))
	return result
}

// awaitLoop waits up to timeout for the loop goroutine to exit.
func (s *Session) awaitLoop(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
		return nil
	case <-timer.C:
		slog.Warn("session: stop timeout exceeded, releasing resources under a running loop",
			"session", s.cfg.Label,
			"timeout", timeout,
		)
		return ErrStopTimeout
	}
}

// release closes the pipeline and owned source exactly once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		if err := s.pipe.Close(); err != nil {
			slog.Warn("session: failed to close pipeline", "session", s.cfg.Label, "error", err)
		}
		s.closeSource()
		s.metrics.release()
		sessionsActive.Dec()

		slog.Info("session: stopped",
			"session", s.cfg.Label,
			"reason", ExitReason(s.reason.Load()).String(),
			"frames_captured", s.captured.Load(),
			"frames_pushed", s.pushed.Load(),
			"frames_dropped", s.dropped.Load(),
			"uptime", time.Since(s.startedAt),
		)
	})
}

func (s *Session) closeSource() {
	if !s.ownsSource {
		return
	}
	if c, ok := s.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("session: failed to close frame source", "session", s.cfg.Label, "error", err)
		}
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Err returns the fault that stopped the session, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ExitReason returns why the session stopped (ExitNone while running).
func (s *Session) ExitReason() ExitReason {
	return ExitReason(s.reason.Load())
}

// Done is closed when the loop goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Options returns the launch options the session was started with.
func (s *Session) Options() types.LaunchOptions {
	return s.opts
}

// Label returns the session's log and metric label.
func (s *Session) Label() string {
	return s.cfg.Label
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		State:          s.State().String(),
		ExitReason:     s.ExitReason().String(),
		FramesCaptured: s.captured.Load(),
		FramesPushed:   s.pushed.Load(),
		FramesDropped:  s.dropped.Load(),
		CaptureMisses:  s.misses.Load(),
		LastSeq:        s.lastSeq.Load(),
		StartedAt:      s.startedAt,
	}
	if elapsed := time.Since(s.startedAt).Seconds(); elapsed > 0 && st.FramesPushed > 0 {
		st.FPSReal = float64(st.FramesPushed) / elapsed
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

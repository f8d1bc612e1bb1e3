package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/pptcast/internal/types"
)

// State of a Pipeline.
type State int32

const (
	StateUninitialized State = iota
	StatePlaying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures Open.
type Options struct {
	Width     int
	Height    int
	Address   string
	Port      uint16
	Transport types.TransportKind
	Quality   int // JPEG quality 1-100 (0 = DefaultQuality)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	State         string `json:"state"`
	FramesPushed  uint64 `json:"frames_pushed"`
	NotReady      uint64 `json:"not_ready"`
	PushesRefused uint64 `json:"pushes_refused"`
	ReadySignals  uint64 `json:"ready_signals"`
	Description   string `json:"description"`
}

// Pipeline is a backpressure-aware frame sink.
//
// Downstream readiness is a single atomic flag: the engine's need-data
// callback sets it from its own thread, and TryPush clears it with a
// compare-and-swap before handing a frame over. A frame is pushed only when
// the flag was set, so the chain never buffers more than it asked for. There
// is no queue; frames arriving while the flag is clear are the caller's to
// drop.
//
// TryPush holds the read lock for the duration of the push and Close takes
// the write lock, so Close never tears down a chain underneath an in-flight
// push and a late push after Close sees ErrPipelineClosed.
type Pipeline struct {
	width       int
	height      int
	description string

	mu     sync.RWMutex
	chain  Chain
	ingest Ingest

	ready     atomic.Bool
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error

	pushed       atomic.Uint64
	notReady     atomic.Uint64
	refused      atomic.Uint64
	readySignals atomic.Uint64
}

// Open assembles and starts an encode chain on engine.
//
// Every failure is reported as a *PipelineConstructionError naming the stage
// that failed; whatever was assembled up to that point is stopped before
// returning.
func Open(engine Engine, opts Options) (*Pipeline, error) {
	if engine == nil {
		return nil, &PipelineConstructionError{Stage: StageInit, Err: fmt.Errorf("engine is nil")}
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, &PipelineConstructionError{
			Stage: StageAssemble,
			Err:   fmt.Errorf("invalid size %dx%d", opts.Width, opts.Height),
		}
	}
	if !types.ValidHost(opts.Address) {
		return nil, &PipelineConstructionError{
			Stage: StageAssemble,
			Err:   fmt.Errorf("invalid destination host %q", opts.Address),
		}
	}

	if err := engine.Init(); err != nil {
		return nil, &PipelineConstructionError{Stage: StageInit, Err: err}
	}

	desc := Description{
		Width:     opts.Width,
		Height:    opts.Height,
		Quality:   opts.Quality,
		Address:   opts.Address,
		Port:      opts.Port,
		Transport: opts.Transport,
	}.String()

	chain, err := engine.Launch(desc)
	if err != nil {
		return nil, &PipelineConstructionError{Stage: StageAssemble, Err: err}
	}

	p := &Pipeline{
		width:       opts.Width,
		height:      opts.Height,
		description: desc,
		chain:       chain,
	}

	fail := func(stage string, err error) (*Pipeline, error) {
		if stopErr := chain.Stop(); stopErr != nil {
			slog.Warn("pipeline: failed to release partially built chain",
				"stage", stage,
				"error", stopErr,
			)
		}
		return nil, &PipelineConstructionError{Stage: stage, Err: err}
	}

	ingest, err := chain.Ingest(IngestName)
	if err != nil {
		return fail(StageLocateIngest, err)
	}
	p.ingest = ingest

	if err := ingest.OnNeedData(p.signalReady); err != nil {
		return fail(StageConnectReady, err)
	}

	if err := chain.Play(); err != nil {
		return fail(StagePlay, err)
	}

	p.state.Store(int32(StatePlaying))

	slog.Info("pipeline: playing",
		"destination", fmt.Sprintf("%s:%d", opts.Address, opts.Port),
		"transport", opts.Transport.String(),
		"resolution", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
	)
	slog.Debug("pipeline: launch description", "description", desc)

	return p, nil
}

// signalReady is the engine's need-data callback.
func (p *Pipeline) signalReady() {
	p.readySignals.Add(1)
	p.ready.Store(true)
}

// ReadyForFrame reports whether downstream asked for a frame that has not
// been pushed yet.
func (p *Pipeline) ReadyForFrame() bool {
	return p.ready.Load()
}

// TryPush offers one frame without blocking.
//
// Returns (true, nil) when downstream accepted the frame and (false, nil)
// when the frame was not taken: downstream had not asked for one, or
// refused it. A non-nil error means the pipeline can no longer accept
// frames (ErrPipelineClosed, ErrPipelineFaulted) or the frame is unusable
// (ErrFrameGeometry).
func (p *Pipeline) TryPush(frame *types.Frame) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if State(p.state.Load()) != StatePlaying || p.ingest == nil {
		return false, ErrPipelineClosed
	}
	if err := p.chain.Fault(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPipelineFaulted, err)
	}
	if err := frame.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrFrameGeometry, err)
	}
	if frame.Width != p.width || frame.Height != p.height {
		return false, fmt.Errorf("%w: got %dx%d, pipeline is %dx%d",
			ErrFrameGeometry, frame.Width, frame.Height, p.width, p.height)
	}

	if !p.ready.CompareAndSwap(true, false) {
		p.notReady.Add(1)
		return false, nil
	}

	if err := p.ingest.Push(frame.Data); err != nil {
		p.refused.Add(1)
		slog.Debug("pipeline: push refused",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
		return false, nil
	}

	p.pushed.Add(1)
	return true, nil
}

// Close stops the chain and releases it. Safe to call more than once; only
// the first call does any work and later calls return nil.
func (p *Pipeline) Close() error {
	first := false
	p.closeOnce.Do(func() {
		first = true

		p.mu.Lock()
		defer p.mu.Unlock()

		p.state.Store(int32(StateStopped))
		p.ready.Store(false)

		if p.chain != nil {
			if err := p.chain.Stop(); err != nil {
				p.closeErr = fmt.Errorf("failed to stop chain: %w", err)
			}
		}
		p.chain = nil
		p.ingest = nil

		slog.Debug("pipeline: closed",
			"frames_pushed", p.pushed.Load(),
			"not_ready", p.notReady.Load(),
		)
	})
	if !first {
		return nil
	}
	return p.closeErr
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		State:         p.State().String(),
		FramesPushed:  p.pushed.Load(),
		NotReady:      p.notReady.Load(),
		PushesRefused: p.refused.Load(),
		ReadySignals:  p.readySignals.Load(),
		Description:   p.description,
	}
}

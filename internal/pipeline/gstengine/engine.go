// Package gstengine implements pipeline.Engine on GStreamer.
package gstengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/pptcast/internal/pipeline"
)

// monitorStopTimeout bounds how long Stop waits for the bus monitor.
const monitorStopTimeout = 2 * time.Second

// Engine is the GStreamer-backed pipeline.Engine.
type Engine struct {
	initOnce sync.Once
	initErr  error
}

// New returns a GStreamer engine. GStreamer itself is initialized lazily on
// the first Init call.
func New() *Engine {
	return &Engine{}
}

// Init initializes GStreamer and verifies that it can create elements, so a
// missing install is reported before any session acquires resources.
func (e *Engine) Init() error {
	e.initOnce.Do(func() {
		gst.Init(nil)

		elem, err := gst.NewElement("fakesrc")
		if err != nil {
			e.initErr = fmt.Errorf("GStreamer not available or not properly installed: %w", err)
			return
		}
		elem.SetState(gst.StateNull)
	})
	return e.initErr
}

// Launch parses description into a pipeline in the NULL state.
func (e *Engine) Launch(description string) (pipeline.Chain, error) {
	p, err := gst.NewPipelineFromString(description)
	if err != nil {
		return nil, fmt.Errorf("failed to parse launch description: %w", err)
	}
	return &chain{pipeline: p}, nil
}

// chain wraps one gst.Pipeline and its bus monitor.
type chain struct {
	pipeline *gst.Pipeline

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	fault    atomic.Pointer[faultError]
	counters ErrorCounters
}

type faultError struct {
	err error
}

func (c *chain) Ingest(name string) (pipeline.Ingest, error) {
	elem, err := c.pipeline.GetElementByName(name)
	if err != nil {
		return nil, fmt.Errorf("element %q not found: %w", name, err)
	}
	src := app.SrcFromElement(elem)
	if src == nil {
		return nil, fmt.Errorf("element %q is not an appsrc", name)
	}
	return &ingest{src: src}, nil
}

func (c *chain) Play() error {
	if err := c.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to set pipeline to PLAYING: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := monitorBus(ctx, c.pipeline, &c.counters); err != nil {
			c.fault.CompareAndSwap(nil, &faultError{err: err})
		}
	}()

	return nil
}

func (c *chain) Fault() error {
	if f := c.fault.Load(); f != nil {
		return f.err
	}
	return nil
}

// Stop cancels the bus monitor and sets the pipeline to NULL, which
// releases sockets and encoder state.
func (c *chain) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(monitorStopTimeout):
			slog.Warn("gstengine: bus monitor did not stop in time")
		}
	}

	if err := c.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}

	if n := c.counters.Total(); n > 0 {
		slog.Debug("gstengine: pipeline released with errors",
			"network", c.counters.Network.Load(),
			"codec", c.counters.Codec.Load(),
			"resource", c.counters.Resource.Load(),
			"unknown", c.counters.Unknown.Load(),
		)
	}
	return nil
}

// ingest feeds an appsrc.
type ingest struct {
	src *app.Source
}

func (i *ingest) OnNeedData(fn func()) error {
	if fn == nil {
		return fmt.Errorf("need-data callback is nil")
	}
	i.src.SetCallbacks(&app.SourceCallbacks{
		NeedDataFunc: func(_ *app.Source, _ uint) {
			fn()
		},
	})
	return nil
}

// Push copies data into a GStreamer buffer. cgo does not allow C to retain
// Go memory past the call, so this is the one copy on the send path.
func (i *ingest) Push(data []byte) error {
	buf := gst.NewBufferFromBytes(data)
	if ret := i.src.PushBuffer(buf); ret != gst.FlowOK {
		return &FlowError{Return: ret}
	}
	return nil
}

// FlowError reports a non-OK flow return from a push.
type FlowError struct {
	Return gst.FlowReturn
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("push refused: flow return %v", e.Return)
}

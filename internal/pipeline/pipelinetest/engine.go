// Package pipelinetest provides an in-memory pipeline.Engine for tests that
// exercise pipelines, sessions and the registry without a media framework.
package pipelinetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/pptcast/internal/pipeline"
)

// Engine is a scriptable pipeline.Engine. Set the *Err fields to make the
// corresponding construction stage fail.
type Engine struct {
	InitErr    error
	LaunchErr  error
	IngestErr  error
	ConnectErr error
	PlayErr    error

	// AutoReady makes every chain request a frame when it starts playing
	// and again after each accepted push, like a sink that keeps up.
	AutoReady bool

	mu     sync.Mutex
	chains []*Chain
}

// NewEngine returns an engine whose chains signal readiness only when told
// to via Chain.SignalReady.
func NewEngine() *Engine {
	return &Engine{}
}

// NewAutoReadyEngine returns an engine whose chains are always ready.
func NewAutoReadyEngine() *Engine {
	return &Engine{AutoReady: true}
}

func (e *Engine) Init() error {
	return e.InitErr
}

func (e *Engine) Launch(description string) (pipeline.Chain, error) {
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}

	c := &Chain{
		Description: description,
		engine:      e,
		autoReady:   e.AutoReady,
	}

	e.mu.Lock()
	e.chains = append(e.chains, c)
	e.mu.Unlock()

	return c, nil
}

// Chains returns every chain launched so far.
func (e *Engine) Chains() []*Chain {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Chain, len(e.chains))
	copy(out, e.chains)
	return out
}

// LastChain returns the most recently launched chain, or nil.
func (e *Engine) LastChain() *Chain {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.chains) == 0 {
		return nil
	}
	return e.chains[len(e.chains)-1]
}

// Chain records everything done to it.
type Chain struct {
	Description string

	engine    *Engine
	autoReady bool

	mu       sync.Mutex
	needData func()
	pushed   [][]byte
	playing  bool
	stops    int
	fault    error
	refuse   error
}

func (c *Chain) Ingest(name string) (pipeline.Ingest, error) {
	if c.engine.IngestErr != nil {
		return nil, c.engine.IngestErr
	}
	if name != pipeline.IngestName {
		return nil, fmt.Errorf("no element named %q", name)
	}
	return &ingest{chain: c}, nil
}

func (c *Chain) Play() error {
	if c.engine.PlayErr != nil {
		return c.engine.PlayErr
	}
	c.mu.Lock()
	c.playing = true
	auto := c.autoReady
	c.mu.Unlock()

	if auto {
		c.SignalReady()
	}
	return nil
}

func (c *Chain) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

func (c *Chain) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.playing = false
	return nil
}

// SignalReady invokes the registered need-data callback, as the engine's
// streaming thread would.
func (c *Chain) SignalReady() {
	c.mu.Lock()
	fn := c.needData
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetFault makes Fault report err from now on.
func (c *Chain) SetFault(err error) {
	c.mu.Lock()
	c.fault = err
	c.mu.Unlock()
}

// Refuse makes subsequent pushes fail with err (nil to accept again).
func (c *Chain) Refuse(err error) {
	c.mu.Lock()
	c.refuse = err
	c.mu.Unlock()
}

// Pushed returns the buffers accepted so far, in push order.
func (c *Chain) Pushed() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.pushed))
	copy(out, c.pushed)
	return out
}

// PushCount returns the number of accepted buffers.
func (c *Chain) PushCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushed)
}

// Stops returns how many times Stop was called.
func (c *Chain) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Playing reports whether the chain is between Play and Stop.
func (c *Chain) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

type ingest struct {
	chain *Chain
}

func (i *ingest) OnNeedData(fn func()) error {
	if err := i.chain.engine.ConnectErr; err != nil {
		return err
	}
	i.chain.mu.Lock()
	i.chain.needData = fn
	i.chain.mu.Unlock()
	return nil
}

// ErrNotPlaying is returned by pushes into a chain that is not playing.
var ErrNotPlaying = errors.New("chain not playing")

func (i *ingest) Push(data []byte) error {
	c := i.chain
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return ErrNotPlaying
	}
	if c.refuse != nil {
		err := c.refuse
		c.mu.Unlock()
		return err
	}
	c.pushed = append(c.pushed, data)
	auto := c.autoReady
	c.mu.Unlock()

	if auto {
		c.SignalReady()
	}
	return nil
}

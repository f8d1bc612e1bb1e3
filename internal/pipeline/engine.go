package pipeline

// Engine is the media framework that assembles and runs encode chains.
//
// The production implementation lives in package gstengine; tests use
// pipelinetest.Engine.
type Engine interface {
	// Init prepares the framework. Safe to call more than once.
	Init() error
	// Launch assembles a chain from a textual launch description. The
	// chain is returned in the NULL state.
	Launch(description string) (Chain, error)
}

// Chain is one assembled encode chain.
type Chain interface {
	// Ingest locates the named frame ingest element.
	Ingest(name string) (Ingest, error)
	// Play transitions the chain to the playing state.
	Play() error
	// Fault returns the first asynchronous error the engine reported for
	// this chain (bus error, end of stream), or nil while healthy.
	Fault() error
	// Stop drives the chain to NULL and releases it. Idempotent.
	Stop() error
}

// Ingest is the application-fed source element of a chain.
type Ingest interface {
	// OnNeedData registers fn to be invoked, on an engine-owned thread,
	// whenever downstream wants another buffer.
	OnNeedData(fn func()) error
	// Push hands one raw frame to the chain. A non-nil error means
	// downstream refused the buffer.
	Push(data []byte) error
}

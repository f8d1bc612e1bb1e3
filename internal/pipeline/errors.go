package pipeline

import (
	"errors"
	"fmt"
)

// Construction stages reported by PipelineConstructionError.
const (
	StageInit         = "init"
	StageAssemble     = "assemble"
	StageLocateIngest = "locate-ingest"
	StageConnectReady = "connect-ready"
	StagePlay         = "play"
)

var (
	// ErrPipelineClosed is returned by TryPush after Close.
	ErrPipelineClosed = errors.New("pipeline closed")
	// ErrPipelineFaulted is returned by TryPush once the engine reported an
	// asynchronous error for the chain.
	ErrPipelineFaulted = errors.New("pipeline faulted")
	// ErrFrameGeometry is returned by TryPush for frames that do not match
	// the negotiated caps.
	ErrFrameGeometry = errors.New("frame geometry mismatch")
)

// PipelineConstructionError reports which step of Open failed.
type PipelineConstructionError struct {
	Stage string
	Err   error
}

func (e *PipelineConstructionError) Error() string {
	return fmt.Sprintf("pipeline construction failed at %s: %v", e.Stage, e.Err)
}

func (e *PipelineConstructionError) Unwrap() error {
	return e.Err
}

package pipeline_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/e7canasta/pptcast/internal/pipeline"
	"github.com/e7canasta/pptcast/internal/pipeline/pipelinetest"
	"github.com/e7canasta/pptcast/internal/types"
)

func testOptions() pipeline.Options {
	return pipeline.Options{
		Width:     4,
		Height:    2,
		Address:   "127.0.0.1",
		Port:      10000,
		Transport: types.TransportDatagram,
	}
}

func testFrame(seq uint64) *types.Frame {
	return &types.Frame{
		Seq:    seq,
		Width:  4,
		Height: 2,
		Data:   make([]byte, 4*2*types.BytesPerPixel),
	}
}

func TestOpen_ReadyForFrameStartsFalse(t *testing.T) {
	engine := pipelinetest.NewEngine()

	p, err := pipeline.Open(engine, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	if p.ReadyForFrame() {
		t.Error("ReadyForFrame should be false before any readiness signal")
	}
	if p.State() != pipeline.StatePlaying {
		t.Errorf("state = %v, want playing", p.State())
	}

	engine.LastChain().SignalReady()
	if !p.ReadyForFrame() {
		t.Error("ReadyForFrame should be true after readiness signal")
	}
}

func TestTryPush_OnePushPerReadinessSignal(t *testing.T) {
	engine := pipelinetest.NewEngine()
	p, err := pipeline.Open(engine, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()
	chain := engine.LastChain()

	// Not ready: frame must not reach the chain
	ok, err := p.TryPush(testFrame(1))
	if ok || err != nil {
		t.Fatalf("TryPush before ready = (%v, %v), want (false, nil)", ok, err)
	}
	if chain.PushCount() != 0 {
		t.Fatalf("chain received %d buffers before readiness", chain.PushCount())
	}

	chain.SignalReady()

	ok, err = p.TryPush(testFrame(2))
	if !ok || err != nil {
		t.Fatalf("TryPush after ready = (%v, %v), want (true, nil)", ok, err)
	}
	if p.ReadyForFrame() {
		t.Error("accepted push must clear readiness")
	}

	// Second push without a new signal is refused
	ok, err = p.TryPush(testFrame(3))
	if ok || err != nil {
		t.Fatalf("second TryPush = (%v, %v), want (false, nil)", ok, err)
	}

	if got := chain.PushCount(); got != 1 {
		t.Errorf("chain received %d buffers, want 1", got)
	}

	stats := p.Stats()
	if stats.FramesPushed != 1 || stats.NotReady != 2 {
		t.Errorf("stats = %+v, want 1 pushed and 2 not-ready", stats)
	}

	t.Log("✅ exactly one push per readiness signal")
}

func TestTryPush_RefusedByDownstream(t *testing.T) {
	engine := pipelinetest.NewEngine()
	p, err := pipeline.Open(engine, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()
	chain := engine.LastChain()

	chain.Refuse(errors.New("flushing"))
	chain.SignalReady()

	ok, err := p.TryPush(testFrame(1))
	if ok || err != nil {
		t.Fatalf("refused push = (%v, %v), want (false, nil)", ok, err)
	}
	if p.Stats().PushesRefused != 1 {
		t.Errorf("refused counter not incremented")
	}
}

func TestTryPush_GeometryMismatch(t *testing.T) {
	engine := pipelinetest.NewEngine()
	p, err := pipeline.Open(engine, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()
	engine.LastChain().SignalReady()

	frame := &types.Frame{Width: 2, Height: 2, Data: make([]byte, 16)}
	_, err = p.TryPush(frame)
	if !errors.Is(err, pipeline.ErrFrameGeometry) {
		t.Fatalf("expected ErrFrameGeometry, got %v", err)
	}
	if !p.ReadyForFrame() {
		t.Error("rejected frame must not consume readiness")
	}
}

func TestTryPush_Faulted(t *testing.T) {
	engine := pipelinetest.NewEngine()
	p, err := pipeline.Open(engine, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	engine.LastChain().SetFault(errors.New("udpsink: could not send"))
	engine.LastChain().SignalReady()

	_, err = p.TryPush(testFrame(1))
	if !errors.Is(err, pipeline.ErrPipelineFaulted) {
		t.Fatalf("expected ErrPipelineFaulted, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	engine := pipelinetest.NewEngine()
	p, err := pipeline.Open(engine, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	chain := engine.LastChain()

	for i := 0; i < 3; i++ {
		if err := p.Close(); err != nil {
			t.Errorf("Close #%d failed: %v", i+1, err)
		}
	}

	if chain.Stops() != 1 {
		t.Errorf("chain stopped %d times, want 1", chain.Stops())
	}
	if p.State() != pipeline.StateStopped {
		t.Errorf("state = %v, want stopped", p.State())
	}

	chain.SignalReady()
	_, err = p.TryPush(testFrame(1))
	if !errors.Is(err, pipeline.ErrPipelineClosed) {
		t.Errorf("push after close: expected ErrPipelineClosed, got %v", err)
	}

	t.Log("✅ triple Close() successful, chain released once")
}

func TestClose_ConcurrentWithPush(t *testing.T) {
	engine := pipelinetest.NewAutoReadyEngine()
	p, err := pipeline.Open(engine, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < 1000; i++ {
			if _, err := p.TryPush(testFrame(i)); errors.Is(err, pipeline.ErrPipelineClosed) {
				return
			}
		}
	}()

	if err := p.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	wg.Wait()

	if engine.LastChain().Playing() {
		t.Error("chain still playing after Close")
	}
}

func TestOpen_ConstructionFailures(t *testing.T) {
	boom := errors.New("boom")

	testCases := []struct {
		name      string
		configure func(e *pipelinetest.Engine)
		stage     string
		released  bool // a chain existed and must have been stopped
	}{
		{"init", func(e *pipelinetest.Engine) { e.InitErr = boom }, pipeline.StageInit, false},
		{"assemble", func(e *pipelinetest.Engine) { e.LaunchErr = boom }, pipeline.StageAssemble, false},
		{"locate_ingest", func(e *pipelinetest.Engine) { e.IngestErr = boom }, pipeline.StageLocateIngest, true},
		{"connect_ready", func(e *pipelinetest.Engine) { e.ConnectErr = boom }, pipeline.StageConnectReady, true},
		{"play", func(e *pipelinetest.Engine) { e.PlayErr = boom }, pipeline.StagePlay, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine := pipelinetest.NewEngine()
			tc.configure(engine)

			p, err := pipeline.Open(engine, testOptions())
			if p != nil {
				t.Fatal("Open returned a pipeline on failure")
			}

			var pce *pipeline.PipelineConstructionError
			if !errors.As(err, &pce) {
				t.Fatalf("expected *PipelineConstructionError, got %T: %v", err, err)
			}
			if pce.Stage != tc.stage {
				t.Errorf("stage = %q, want %q", pce.Stage, tc.stage)
			}
			if !errors.Is(err, boom) {
				t.Errorf("cause not wrapped: %v", err)
			}

			if tc.released {
				chain := engine.LastChain()
				if chain == nil || chain.Stops() != 1 {
					t.Errorf("partially built chain not released")
				}
			}
		})
	}
}

func TestOpen_NilEngine(t *testing.T) {
	_, err := pipeline.Open(nil, testOptions())
	var pce *pipeline.PipelineConstructionError
	if !errors.As(err, &pce) || pce.Stage != pipeline.StageInit {
		t.Fatalf("expected init-stage construction error, got %v", err)
	}
}

func TestOpen_RejectsUnsafeHost(t *testing.T) {
	engine := pipelinetest.NewEngine()
	opts := testOptions()
	opts.Address = "127.0.0.1 bind-port=5 ttl=1 multicast-iface=eth9"

	_, err := pipeline.Open(engine, opts)
	var pce *pipeline.PipelineConstructionError
	if !errors.As(err, &pce) || pce.Stage != pipeline.StageAssemble {
		t.Fatalf("expected assemble-stage construction error, got %v", err)
	}
	if engine.LastChain() != nil {
		t.Error("chain launched for an unsafe host")
	}
	t.Log("✅ host with extra properties never reaches the engine")
}

func TestOpen_UsesDescription(t *testing.T) {
	engine := pipelinetest.NewEngine()
	opts := testOptions()
	opts.Transport = types.TransportStream

	p, err := pipeline.Open(engine, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer p.Close()

	desc := engine.LastChain().Description
	if !strings.Contains(desc, "tcpserversink host=127.0.0.1 port=10000") {
		t.Errorf("unexpected description: %s", desc)
	}
}

package framesource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/pptcast/internal/types"
)

const helperModeEnv = "PPTCAST_TEST_HELPER_MODE"

// TestHelperProcess is not a real test: it is the capture helper that the
// tests below spawn by re-executing the test binary.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	flags := map[string]string{}
	for i := 0; i+1 < len(args); i += 2 {
		flags[strings.TrimPrefix(args[i], "--")] = args[i+1]
	}
	width, _ := strconv.Atoi(flags["width"])
	height, _ := strconv.Atoi(flags["height"])

	switch mode {
	case "frames":
		for seq := uint64(1); seq <= 5; seq++ {
			writeWireFrame(os.Stdout, wireFrame{
				Seq:         seq,
				Width:       width,
				Height:      height,
				Data:        make([]byte, width*height*types.BytesPerPixel),
				TimestampNS: time.Now().UnixNano(),
			})
		}
		// Wrong geometry: must be rejected, not delivered
		writeWireFrame(os.Stdout, wireFrame{Seq: 6, Width: 1, Height: 1, Data: make([]byte, 4)})
		fmt.Fprintln(os.Stderr, "[INFO] rendered slide", flags["start"])
		// Exit once the parent closes stdin
		io.Copy(io.Discard, os.Stdin)
		os.Exit(0)

	case "crash":
		fmt.Fprintln(os.Stderr, "[ERROR] presentation could not be opened")
		os.Exit(3)
	}
	os.Exit(2)
}

func writeWireFrame(w io.Writer, wf wireFrame) {
	payload, err := msgpack.Marshal(&wf)
	if err != nil {
		panic(err)
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
	w.Write(prefix)
	w.Write(payload)
}

func helperConfig(mode string) HelperConfig {
	return HelperConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     []string{helperModeEnv + "=" + mode},
		Options: types.LaunchOptions{
			Source:        "deck.pptx",
			Address:       "127.0.0.1",
			Port:          10000,
			Transport:     types.TransportDatagram,
			Width:         8,
			Height:        6,
			StartPosition: 3,
		},
		Restart: RestartConfig{
			MaxRetries:    1,
			RetryDelay:    10 * time.Millisecond,
			MaxRetryDelay: 20 * time.Millisecond,
		},
	}
}

func TestHelper_DeliversFrames(t *testing.T) {
	h, err := StartHelper(helperConfig("frames"))
	if err != nil {
		t.Fatalf("StartHelper failed: %v", err)
	}

	var got *types.Frame
	deadline := time.Now().Add(10 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		got, err = h.TryCapture()
		if err != nil {
			t.Fatalf("TryCapture failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got == nil {
		t.Fatal("no frame delivered by helper")
	}
	if err := got.Validate(); err != nil {
		t.Errorf("delivered frame invalid: %v", err)
	}
	if got.Width != 8 || got.Height != 6 {
		t.Errorf("frame is %dx%d, want 8x6", got.Width, got.Height)
	}

	// Wait until the bad frame has been seen
	deadline = time.Now().Add(5 * time.Second)
	for h.Stats().FramesRejected == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	stats := h.Stats()
	if stats.FramesReceived != 5 {
		t.Errorf("frames received = %d, want 5", stats.FramesReceived)
	}
	if stats.FramesRejected != 1 {
		t.Errorf("frames rejected = %d, want 1", stats.FramesRejected)
	}
	if stats.Restarts != 0 {
		t.Errorf("helper restarted %d times during a clean run", stats.Restarts)
	}

	if _, err := h.TryCapture(); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("TryCapture after Close = %v, want ErrSourceClosed", err)
	}

	t.Logf("✅ helper delivered frames: %+v", stats)
}

func TestHelper_FaultAfterRestartsExhausted(t *testing.T) {
	h, err := StartHelper(helperConfig("crash"))
	if err != nil {
		t.Fatalf("StartHelper failed: %v", err)
	}
	defer h.Close()

	var captureErr error
	deadline := time.Now().Add(10 * time.Second)
	for captureErr == nil && time.Now().Before(deadline) {
		_, captureErr = h.TryCapture()
		time.Sleep(10 * time.Millisecond)
	}

	if captureErr == nil {
		t.Fatal("crashing helper never reported a fault")
	}
	if !strings.Contains(captureErr.Error(), "max restarts exceeded") {
		t.Errorf("unexpected fault: %v", captureErr)
	}
	if h.Stats().Restarts != 2 {
		t.Errorf("restarts = %d, want 2", h.Stats().Restarts)
	}
}

func TestHelper_Args(t *testing.T) {
	h := &Helper{cfg: helperConfig("frames")}
	got := strings.Join(h.args(), " ")
	want := "-test.run=^TestHelperProcess$ -- --source deck.pptx --start 3 --width 8 --height 6"
	if got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestFactory_PassesHelperEnv(t *testing.T) {
	base := helperConfig("frames")
	f := &Factory{
		HelperCommand: base.Command,
		HelperArgs:    base.Args,
		HelperEnv:     []string{helperModeEnv + "=frames"},
		Restart:       base.Restart,
	}

	src, err := f.Open(base.Options)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h, ok := src.(*Helper)
	if !ok {
		t.Fatalf("Open returned %T, want *Helper", src)
	}
	defer h.Close()

	// Without the mode variable the helper never sends a frame
	var got *types.Frame
	deadline := time.Now().Add(10 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		if got, err = h.TryCapture(); err != nil {
			t.Fatalf("TryCapture failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got == nil {
		t.Fatal("helper environment not applied: no frame delivered")
	}
	t.Log("✅ factory helper environment reaches the process")
}

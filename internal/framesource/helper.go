package framesource

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/pptcast/internal/types"
)

// helperStopTimeout bounds the graceful exit of the helper after its stdin
// is closed; after that the process is killed.
const helperStopTimeout = 2 * time.Second

// wireFrame is one message on the helper's stdout, encoded as a 4-byte
// big-endian length prefix followed by a msgpack map.
type wireFrame struct {
	Seq         uint64 `msgpack:"seq"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	Data        []byte `msgpack:"data"`
	TimestampNS int64  `msgpack:"ts_ns"`
}

// HelperConfig configures a capture helper process.
type HelperConfig struct {
	Command string   // Executable that renders the presentation
	Args    []string // Leading arguments, before the per-session ones
	Env     []string // Extra environment (KEY=VALUE), appended to the daemon's
	Options types.LaunchOptions
	Restart RestartConfig
}

// HelperStats is a snapshot of helper counters.
type HelperStats struct {
	FramesReceived uint64 `json:"frames_received"`
	FramesRejected uint64 `json:"frames_rejected"`
	MailboxDrops   uint64 `json:"mailbox_drops"`
	Restarts       uint32 `json:"restarts"`
}

// Helper is a FrameSource backed by an external capture helper
//
// The helper renders the presentation and streams frames on stdout at its own
// pace. Frames land in a single-slot Mailbox and TryCapture takes the latest
// one, so a slow session sees fresh frames and never a backlog.
//
// Process lifecycle:
//   - Spawned with --source/--start/--width/--height appended to Args
//   - stderr lines are mapped onto slog levels
//   - A crashed helper is restarted with exponential backoff (RunWithRestart)
//   - Once restarts are exhausted TryCapture reports the fault
//   - Close closes stdin, waits up to 2 s for a graceful exit, then kills
type Helper struct {
	cfg HelperConfig

	mailbox Mailbox
	seq     atomic.Uint64

	// ctx stops the restart loop; killCtx kills the running process
	ctx     context.Context
	cancel  context.CancelFunc
	killCtx context.Context
	kill    context.CancelFunc
	done    chan struct{}

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	closed   atomic.Bool
	faultMu  sync.Mutex
	fault    error
	restarts RestartState

	framesReceived atomic.Uint64
	framesRejected atomic.Uint64
}

// StartHelper resolves the helper executable and starts supervising it.
func StartHelper(cfg HelperConfig) (*Helper, error) {
	if cfg.Command == "" {
		return nil, ErrNoHelper
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("capture helper %q not found: %w", cfg.Command, err)
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid launch options: %w", err)
	}

	h := &Helper{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.killCtx, h.kill = context.WithCancel(context.Background())

	go h.supervise()

	slog.Info("framesource: capture helper started",
		"command", cfg.Command,
		"source", cfg.Options.Source,
		"start", cfg.Options.StartPosition,
	)

	return h, nil
}

func (h *Helper) supervise() {
	defer close(h.done)

	err := RunWithRestart(h.ctx, h.runOnce, h.cfg.Restart, &h.restarts)
	if err != nil {
		h.faultMu.Lock()
		h.fault = err
		h.faultMu.Unlock()
		slog.Error("framesource: capture helper gave up",
			"command", h.cfg.Command,
			"error", err,
		)
	}
}

// args returns the full argument list of one helper run.
func (h *Helper) args() []string {
	o := h.cfg.Options
	args := append([]string{}, h.cfg.Args...)
	return append(args,
		"--source", o.Source,
		"--start", strconv.FormatUint(uint64(o.StartPosition), 10),
		"--width", strconv.Itoa(o.Width),
		"--height", strconv.Itoa(o.Height),
	)
}

// runOnce spawns the helper and blocks until it exits.
func (h *Helper) runOnce(_ context.Context) (bool, error) {
	cmd := exec.CommandContext(h.killCtx, h.cfg.Command, h.args()...)
	if len(h.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), h.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("failed to start capture helper: %w", err)
	}

	slog.Info("framesource: capture helper spawned", "pid", cmd.Process.Pid)

	h.stdinMu.Lock()
	h.stdin = stdin
	h.stdinMu.Unlock()

	// Close may have run between Start and publishing stdin
	if h.closed.Load() {
		h.closeStdin()
	}

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		logStderr(stderr)
	}()

	before := h.framesReceived.Load()
	readErr := h.readFrames(stdout)
	if readErr != nil {
		// Protocol error with the process still alive
		_ = cmd.Process.Kill()
	}

	stderrDone.Wait()
	waitErr := cmd.Wait()

	h.stdinMu.Lock()
	h.stdin = nil
	h.stdinMu.Unlock()

	progressed := h.framesReceived.Load() > before

	switch {
	case readErr != nil:
		return progressed, readErr
	case waitErr != nil:
		return progressed, fmt.Errorf("capture helper exited: %w", waitErr)
	default:
		return progressed, nil
	}
}

// readFrames decodes frames from r until EOF.
func (h *Helper) readFrames(r io.Reader) error {
	o := h.cfg.Options
	maxMessage := uint32(o.Width*o.Height*types.BytesPerPixel + 1024)
	lengthBuf := make([]byte, 4)
	reader := bufio.NewReader(r)

	for {
		if _, err := io.ReadFull(reader, lengthBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read length prefix: %w", err)
		}

		msgLength := binary.BigEndian.Uint32(lengthBuf)
		if msgLength > maxMessage {
			return fmt.Errorf("message of %d bytes exceeds limit of %d", msgLength, maxMessage)
		}

		payload := make([]byte, msgLength)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", msgLength, err)
		}

		var wf wireFrame
		if err := msgpack.Unmarshal(payload, &wf); err != nil {
			h.framesRejected.Add(1)
			slog.Warn("framesource: failed to unmarshal helper frame",
				"error", err,
				"data_length", len(payload),
			)
			continue
		}

		if wf.Width != o.Width || wf.Height != o.Height || len(wf.Data) != o.Width*o.Height*types.BytesPerPixel {
			h.framesRejected.Add(1)
			slog.Warn("framesource: helper frame geometry mismatch",
				"got", fmt.Sprintf("%dx%d (%d bytes)", wf.Width, wf.Height, len(wf.Data)),
				"want", fmt.Sprintf("%dx%d", o.Width, o.Height),
				"helper_seq", wf.Seq,
			)
			continue
		}

		ts := time.Now()
		if wf.TimestampNS > 0 {
			ts = time.Unix(0, wf.TimestampNS)
		}

		// Own sequence numbers stay monotonic across helper restarts
		h.mailbox.Put(&types.Frame{
			Seq:       h.seq.Add(1),
			Timestamp: ts,
			Width:     wf.Width,
			Height:    wf.Height,
			Data:      wf.Data,
			TraceID:   uuid.New().String(),
		})
		h.framesReceived.Add(1)
	}
}

// logStderr maps helper log lines onto slog levels.
func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("framesource: capture helper error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("framesource: capture helper warning", "log", line)
		default:
			slog.Debug("framesource: capture helper", "log", line)
		}
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// TryCapture returns the latest frame delivered by the helper, or nil when
// no new frame arrived since the last call.
func (h *Helper) TryCapture() (*types.Frame, error) {
	if h.closed.Load() {
		return nil, ErrSourceClosed
	}

	h.faultMu.Lock()
	fault := h.fault
	h.faultMu.Unlock()
	if fault != nil {
		return nil, fault
	}

	return h.mailbox.Take(), nil
}

// Stats returns a snapshot of the helper counters.
func (h *Helper) Stats() HelperStats {
	return HelperStats{
		FramesReceived: h.framesReceived.Load(),
		FramesRejected: h.framesRejected.Load(),
		MailboxDrops:   h.mailbox.Drops(),
		Restarts:       h.restarts.Restarts.Load(),
	}
}

func (h *Helper) closeStdin() {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdin != nil {
		_ = h.stdin.Close()
	}
}

// Close stops the helper: no more restarts, stdin closed so it can exit on
// its own, killed if it has not after helperStopTimeout. Safe to call more
// than once.
func (h *Helper) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.cancel()
	h.closeStdin()

	select {
	case <-h.done:
		slog.Debug("framesource: capture helper exited cleanly")
	case <-time.After(helperStopTimeout):
		slog.Warn("framesource: capture helper stop timeout, killing process")
		h.kill()
		select {
		case <-h.done:
		case <-time.After(helperStopTimeout):
			slog.Error("framesource: capture helper did not exit after kill")
		}
	}
	h.kill()

	stats := h.Stats()
	slog.Info("framesource: capture helper stopped",
		"frames_received", stats.FramesReceived,
		"frames_rejected", stats.FramesRejected,
		"mailbox_drops", stats.MailboxDrops,
		"restarts", stats.Restarts,
	)
	return nil
}

package gstengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// monitorBus polls the pipeline bus until ctx is cancelled
//
// This function:
//  1. Polls the bus with a short timeout for responsive shutdown
//  2. Classifies error messages and updates counters
//  3. Logs warnings and state transitions of the top-level pipeline
//
// Returns an error on the first bus error or end of stream; the chain
// records it as its fault. Returns nil when ctx is cancelled.
func monitorBus(ctx context.Context, p *gst.Pipeline, counters *ErrorCounters) error {
	bus := p.GetPipelineBus()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstengine: context cancelled, stopping bus monitor")
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstengine: end of stream received", "uptime", time.Since(started))
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			counters.Add(category)

			slog.Error("gstengine: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"element", msg.Source(),
				"uptime", time.Since(started),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category.String(), gerr.Error())

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			slog.Warn("gstengine: pipeline warning",
				"warning", gerr.Error(),
				"element", msg.Source(),
			)

		case gst.MessageStateChanged:
			if msg.Source() == p.GetName() {
				oldState, newState := msg.ParseStateChanged()
				slog.Debug("gstengine: pipeline state changed",
					"from", oldState,
					"to", newState,
				)
			}
		}
	}
}

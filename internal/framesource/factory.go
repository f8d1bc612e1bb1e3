// Package framesource provides the FrameSource implementations a session can
// capture from: a synthetic test pattern and an external capture helper
// process.
package framesource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/e7canasta/pptcast/internal/types"
)

// ErrNoHelper is returned when a non-demo source is requested and no
// capture helper is configured.
var ErrNoHelper = errors.New("no capture helper configured")

// DemoSource is the source reference that selects the synthetic pattern.
const DemoSource = "demo"

// Factory builds the FrameSource named by LaunchOptions.Source.
//
// Source references:
//   - "demo" or "demo:<anything>": synthetic test pattern
//   - anything else: passed to the capture helper as --source
type Factory struct {
	HelperCommand  string
	HelperArgs     []string
	HelperEnv      []string
	Restart        RestartConfig
	FramesPerSlide int
}

// Open returns a new source for opts. The caller owns the result and must
// close it when it implements io.Closer.
func (f *Factory) Open(opts types.LaunchOptions) (types.FrameSource, error) {
	if IsDemo(opts.Source) {
		return NewSynthetic(opts.Width, opts.Height, opts.StartPosition, f.FramesPerSlide), nil
	}

	if f.HelperCommand == "" {
		return nil, fmt.Errorf("source %q: %w", opts.Source, ErrNoHelper)
	}

	h, err := StartHelper(HelperConfig{
		Command: f.HelperCommand,
		Args:    f.HelperArgs,
		Env:     f.HelperEnv,
		Options: opts,
		Restart: f.Restart,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// IsDemo reports whether source selects the synthetic pattern.
func IsDemo(source string) bool {
	return source == DemoSource || strings.HasPrefix(source, DemoSource+":")
}

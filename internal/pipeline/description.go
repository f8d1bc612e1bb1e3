package pipeline

import (
	"fmt"
	"strings"

	"github.com/e7canasta/pptcast/internal/types"
)

const (
	// IngestName is the element name of the appsrc in every chain
	IngestName = "ingest"
	// DefaultQuality is the JPEG quality used when none is configured
	DefaultQuality = 75
)

// Description renders the launch description of an encode chain
//
// Chain structure:
//
//	appsrc (ARGB) → videoconvert → I420 → jpegenc → udpsink | tcpserversink | tee
//
// The appsrc is live and timestamps buffers on arrival, so frames pushed at
// irregular intervals keep a monotonic clock. framerate=0/1 declares a
// variable frame rate.
type Description struct {
	Width     int
	Height    int
	Quality   int
	Address   string
	Port      uint16
	Transport types.TransportKind
}

// String builds the gst-launch style description.
func (d Description) String() string {
	quality := d.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var b strings.Builder
	fmt.Fprintf(&b,
		`appsrc name=%s caps="video/x-raw,format=ARGB,framerate=0/1,width=%d,height=%d" is-live=true do-timestamp=true format=time`,
		IngestName, d.Width, d.Height,
	)
	b.WriteString(" ! videoconvert ! video/x-raw,format=I420")
	fmt.Fprintf(&b, " ! jpegenc quality=%d", quality)

	switch d.Transport {
	case types.TransportStream:
		fmt.Fprintf(&b, " ! %s", d.tcpSink())
	case types.TransportBoth:
		fmt.Fprintf(&b, " ! tee name=t ! queue ! %s t. ! queue ! %s", d.tcpSink(), d.udpSink())
	default:
		fmt.Fprintf(&b, " ! %s", d.udpSink())
	}

	return b.String()
}

func (d Description) udpSink() string {
	return fmt.Sprintf("udpsink host=%s port=%d", d.Address, d.Port)
}

func (d Description) tcpSink() string {
	return fmt.Sprintf("tcpserversink host=%s port=%d", d.Address, d.Port)
}

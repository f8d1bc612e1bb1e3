package types

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Upper bound on target geometry (8K UHD).
const (
	MaxWidth  = 7680
	MaxHeight = 4320
)

// hostnamePattern admits dot-separated labels of letters, digits and '-'.
var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*\.?$`)

// TransportKind selects the network sink(s) of a stream pipeline.
type TransportKind int

const (
	// TransportDatagram sends each encoded frame as UDP datagrams
	TransportDatagram TransportKind = iota
	// TransportStream serves encoded frames to TCP clients
	TransportStream
	// TransportBoth fans out to both sinks
	TransportBoth
)

// String returns the canonical wire name of the transport kind
func (k TransportKind) String() string {
	switch k {
	case TransportDatagram:
		return "udp"
	case TransportStream:
		return "tcp"
	case TransportBoth:
		return "both"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// ParseTransportKind parses a transport name. Matching is case-insensitive.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "udp", "datagram":
		return TransportDatagram, nil
	case "tcp", "stream":
		return TransportStream, nil
	case "both", "all":
		return TransportBoth, nil
	default:
		return 0, fmt.Errorf("unknown transport kind %q (want udp, tcp or both)", s)
	}
}

// LaunchOptions describes one streaming session. Immutable once the session
// starts.
type LaunchOptions struct {
	Source        string        // What to capture, interpreted by the frame source factory
	Address       string        // Destination host
	Port          uint16        // Destination port
	Transport     TransportKind // Network sink(s)
	Width         int           // Target frame width in pixels
	Height        int           // Target frame height in pixels
	StartPosition uint32        // Initial playback position (slide index)
}

// Destination returns host:port.
func (o LaunchOptions) Destination() string {
	return net.JoinHostPort(o.Address, strconv.Itoa(int(o.Port)))
}

// Validate checks the options before any resource is acquired.
func (o LaunchOptions) Validate() error {
	if strings.TrimSpace(o.Source) == "" {
		return fmt.Errorf("source is required")
	}
	if strings.TrimSpace(o.Address) == "" {
		return fmt.Errorf("destination address is required")
	}
	if !ValidHost(o.Address) {
		return fmt.Errorf("destination address %q is neither an IP nor a hostname", o.Address)
	}
	if o.Port == 0 {
		return fmt.Errorf("destination port must be > 0")
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("target size must be positive, got %dx%d", o.Width, o.Height)
	}
	if o.Width > MaxWidth || o.Height > MaxHeight {
		return fmt.Errorf("target size %dx%d exceeds %dx%d", o.Width, o.Height, MaxWidth, MaxHeight)
	}
	switch o.Transport {
	case TransportDatagram, TransportStream, TransportBoth:
	default:
		return fmt.Errorf("invalid transport kind: %d", int(o.Transport))
	}
	return nil
}

// ValidHost reports whether host is an IP address or a plain DNS hostname.
// Only these forms may be rendered into a launch description.
func ValidHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	return len(host) <= 253 && hostnamePattern.MatchString(host)
}

// SessionID identifies a session in the registry. Its decimal text form is
// what the control channel exchanges.
type SessionID uint64

func (id SessionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseSessionID parses the decimal text form of a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(v), nil
}

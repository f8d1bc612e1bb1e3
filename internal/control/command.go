package control

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/e7canasta/pptcast/internal/types"
)

// Wire vocabulary of the control channel.
const (
	VerbAdd    = "Add"
	VerbRemove = "Remove"

	AckRemoved  = "Removed"
	AckNotFound = "NotFound"
	AckError    = "Error"

	fieldSep = "!"
)

var (
	// ErrMalformedCommand marks a known verb with unusable arguments.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrUnknownCommand marks a message whose head is not a known verb.
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is one parsed control message.
type Command struct {
	Verb    string
	Options types.LaunchOptions // Add
	ID      types.SessionID     // Remove
}

// ParseCommand parses one control message.
//
//	Add!src=<ref>!dest=<host>:<port>!kind=<udp|tcp|both>!w=<width>!h=<height>[!start=<n>]
//	Remove!<id>
//
// src, dest, w and h are required; kind defaults to udp and start to 0.
func ParseCommand(payload string) (Command, error) {
	fields := strings.Split(strings.TrimSpace(payload), fieldSep)

	switch fields[0] {
	case VerbAdd:
		opts, err := parseLaunchOptions(fields[1:])
		if err != nil {
			return Command{}, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, VerbAdd, err)
		}
		return Command{Verb: VerbAdd, Options: opts}, nil

	case VerbRemove:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: %s takes exactly one session id", ErrMalformedCommand, VerbRemove)
		}
		id, err := types.ParseSessionID(fields[1])
		if err != nil {
			return Command{}, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, VerbRemove, err)
		}
		return Command{Verb: VerbRemove, ID: id}, nil

	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
}

func parseLaunchOptions(fields []string) (types.LaunchOptions, error) {
	kv := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return types.LaunchOptions{}, fmt.Errorf("field %q is not key=value", f)
		}
		if _, dup := kv[key]; dup {
			return types.LaunchOptions{}, fmt.Errorf("field %q repeated", key)
		}
		kv[key] = strings.TrimSpace(value)
	}

	for _, required := range []string{"src", "dest", "w", "h"} {
		if _, ok := kv[required]; !ok {
			return types.LaunchOptions{}, fmt.Errorf("missing field %q", required)
		}
	}

	var opts types.LaunchOptions
	for key, value := range kv {
		var err error
		switch key {
		case "src":
			opts.Source = value
		case "dest":
			opts.Address, opts.Port, err = parseDestination(value)
		case "kind":
			opts.Transport, err = types.ParseTransportKind(value)
		case "w":
			opts.Width, err = strconv.Atoi(value)
		case "h":
			opts.Height, err = strconv.Atoi(value)
		case "start":
			var n uint64
			n, err = strconv.ParseUint(value, 10, 32)
			opts.StartPosition = uint32(n)
		default:
			err = errors.New("unknown field")
		}
		if err != nil {
			return types.LaunchOptions{}, fmt.Errorf("field %q: %w", key, err)
		}
	}

	if err := opts.Validate(); err != nil {
		return types.LaunchOptions{}, err
	}
	return opts, nil
}

func parseDestination(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, uint16(port), nil
}

// Format renders a reply message: verb!arg.
func Format(verb, arg string) string {
	return verb + fieldSep + arg
}

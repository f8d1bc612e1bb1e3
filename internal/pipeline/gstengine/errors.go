package gstengine

import (
	"strings"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies GStreamer bus errors for logs and counters
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates sink-side socket failures (bind, send, unreachable)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec indicates conversion/encoding failures (caps, negotiation)
	ErrCategoryCodec
	// ErrCategoryResource indicates missing elements or exhausted resources
	ErrCategoryResource
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

// ErrorCounters holds per-category error counts of one chain.
type ErrorCounters struct {
	Network  atomic.Uint64
	Codec    atomic.Uint64
	Resource atomic.Uint64
	Unknown  atomic.Uint64
}

// Add increments the counter of category.
func (c *ErrorCounters) Add(category ErrorCategory) {
	switch category {
	case ErrCategoryNetwork:
		c.Network.Add(1)
	case ErrCategoryCodec:
		c.Codec.Add(1)
	case ErrCategoryResource:
		c.Resource.Add(1)
	default:
		c.Unknown.Add(1)
	}
}

// Total returns the sum of all categories.
func (c *ErrorCounters) Total() uint64 {
	return c.Network.Load() + c.Codec.Load() + c.Resource.Load() + c.Unknown.Load()
}

// ClassifyGStreamerError categorizes a bus error.
//
// go-gst's GError does not expose the error domain, so classification is
// keyword matching over the message and debug string.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

func classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	// Most specific first
	switch {
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

var codecKeywords = []string{
	"not negotiated",
	"negotiation",
	"caps",
	"format",
	"encode",
	"jpeg",
	"videoconvert",
}

var resourceKeywords = []string{
	"no such element",
	"missing plugin",
	"no element",
	"out of memory",
	"could not open resource",
	"permission denied",
}

var networkKeywords = []string{
	"socket",
	"bind",
	"address already in use",
	"connection",
	"unreachable",
	"could not send",
	"udp",
	"tcp",
	"network",
	"resolve",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

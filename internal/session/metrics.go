package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pptcast",
		Subsystem: "session",
		Name:      "frames_captured_total",
		Help:      "number of frames obtained from the frame source",
	}, []string{"session"})
	framesPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pptcast",
		Subsystem: "session",
		Name:      "frames_pushed_total",
		Help:      "number of frames accepted by the stream pipeline",
	}, []string{"session"})
	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pptcast",
		Subsystem: "session",
		Name:      "frames_dropped_total",
		Help:      "number of captured frames not transmitted (pipeline not ready or refused)",
	}, []string{"session"})
	captureMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pptcast",
		Subsystem: "session",
		Name:      "capture_misses_total",
		Help:      "number of poll cycles where the frame source had no frame",
	}, []string{"session"})
	sessionFaults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pptcast",
		Subsystem: "session",
		Name:      "faults_total",
		Help:      "number of sessions that stopped because of a fault",
	})
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pptcast",
		Name:      "sessions_active",
		Help:      "number of sessions holding a pipeline",
	})
)

// sessionMetrics caches the labelled children of one session.
type sessionMetrics struct {
	label    string
	captured prometheus.Counter
	pushed   prometheus.Counter
	dropped  prometheus.Counter
	misses   prometheus.Counter
}

func newSessionMetrics(label string) *sessionMetrics {
	return &sessionMetrics{
		label:    label,
		captured: framesCaptured.WithLabelValues(label),
		pushed:   framesPushed.WithLabelValues(label),
		dropped:  framesDropped.WithLabelValues(label),
		misses:   captureMisses.WithLabelValues(label),
	}
}

// release removes the session's series so ended sessions do not linger in
// the exposition.
func (m *sessionMetrics) release() {
	framesCaptured.DeleteLabelValues(m.label)
	framesPushed.DeleteLabelValues(m.label)
	framesDropped.DeleteLabelValues(m.label)
	captureMisses.DeleteLabelValues(m.label)
}

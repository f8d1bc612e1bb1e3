// Package control is the MQTT control plane: it turns messages on the
// inbound topic into registry operations and publishes replies on the
// outbound topic.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/pptcast/internal/types"
)

// Defaults for Config.
const (
	DefaultInboundTopic  = "/pptin"
	DefaultOutboundTopic = "/pptout"
	DefaultControlQoS    = 2
	DefaultQueueSize     = 10
)

// Client is the part of mqtt.Client the server uses.
type Client interface {
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Sessions is the registry as seen by the control plane.
type Sessions interface {
	Add(opts types.LaunchOptions) (types.SessionID, error)
	Remove(id types.SessionID) bool
	RemoveAll() error
	Len() int
}

// Config configures a Server. Zero fields take the defaults above.
type Config struct {
	ClientID      string // used by Start when it dials
	InboundTopic  string
	OutboundTopic string
	ControlQoS    byte // 0 = DefaultControlQoS
	ResponseQoS   byte
	// Acks enables Removed/NotFound/Error replies. Off, a failed Add is
	// signalled only by the absence of a session id.
	Acks             bool
	QueueSize        int
	SubscribeTimeout time.Duration
	PublishTimeout   time.Duration
	// Dialer opens the connection for Start. nil = Dial.
	Dialer DialFunc
}

func (c Config) withDefaults() Config {
	if c.InboundTopic == "" {
		c.InboundTopic = DefaultInboundTopic
	}
	if c.OutboundTopic == "" {
		c.OutboundTopic = DefaultOutboundTopic
	}
	if c.ControlQoS == 0 {
		c.ControlQoS = DefaultControlQoS
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = dialClient
	}
	return c
}

// Stats counts control traffic.
type Stats struct {
	Received      uint64 `json:"received"`
	Dropped       uint64 `json:"dropped"`
	Malformed     uint64 `json:"malformed"`
	Ignored       uint64 `json:"ignored"`
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
}

// inbound is one parsed message on its way to the processor.
type inbound struct {
	cmd Command
	err error
	raw string
}

// Server dispatches control commands to Sessions.
//
// The paho delivery callback only parses and enqueues; a single processor
// goroutine runs commands in arrival order. Both recover panics so a bad
// message never kills the subscription.
type Server struct {
	client   Client
	sessions Sessions
	cfg      Config

	queue  chan inbound
	cancel context.CancelFunc
	done   chan struct{}

	started      atomic.Bool
	shutdown     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	received      atomic.Uint64
	dropped       atomic.Uint64
	malformed     atomic.Uint64
	ignored       atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
}

// NewServer creates a server on an already connected client.
func NewServer(client Client, sessions Sessions, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		client:   client,
		sessions: sessions,
		cfg:      cfg,
		queue:    make(chan inbound, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Start connects to broker and starts serving. The returned server owns the
// connection and re-subscribes after every reconnect.
func Start(ctx context.Context, broker string, sessions Sessions, cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	var current atomic.Pointer[Server]
	client, err := cfg.Dialer(ctx, DialConfig{
		Broker:   broker,
		ClientID: cfg.ClientID,
		OnConnect: func() {
			// nil on the first connection
			if s := current.Load(); s != nil {
				s.resubscribe()
			}
		},
	})
	if err != nil {
		return nil, err
	}

	s := NewServer(client, sessions, cfg)
	if err := s.Start(ctx); err != nil {
		client.Disconnect(250)
		return nil, err
	}
	current.Store(s)
	return s, nil
}

// Start subscribes to the inbound topic and starts the processor.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("control server already started")
	}

	if err := s.subscribe(); err != nil {
		s.started.Store(false)
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.process(ctx)

	slog.Info("control: server started",
		"inbound", s.cfg.InboundTopic,
		"outbound", s.cfg.OutboundTopic,
		"acks", s.cfg.Acks,
	)
	return nil
}

func (s *Server) subscribe() error {
	slog.Info("control: subscribing", "topic", s.cfg.InboundTopic, "qos", s.cfg.ControlQoS)

	token := s.client.Subscribe(s.cfg.InboundTopic, s.cfg.ControlQoS, s.messageHandler)
	if !token.WaitTimeout(s.cfg.SubscribeTimeout) {
		return fmt.Errorf("control subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control subscription failed: %w", err)
	}
	return nil
}

// resubscribe restores the subscription after a broker reconnect.
func (s *Server) resubscribe() {
	if !s.started.Load() || s.shutdown.Load() {
		return
	}
	if err := s.subscribe(); err != nil {
		slog.Error("control: resubscribe after reconnect failed", "error", err)
	}
}

// messageHandler runs on paho's delivery goroutine.
func (s *Server) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("control: panic in message handler", "panic", r)
		}
	}()

	raw := string(msg.Payload())
	s.received.Add(1)

	cmd, err := ParseCommand(raw)
	if errors.Is(err, ErrUnknownCommand) {
		s.ignored.Add(1)
		commandsTotal.WithLabelValues("unknown", "ignored").Inc()
		slog.Debug("control: ignoring message", "payload", truncate(raw, 64))
		return
	}

	select {
	case s.queue <- inbound{cmd: cmd, err: err, raw: raw}:
	default:
		s.dropped.Add(1)
		commandsDropped.Inc()
		slog.Warn("control: command queue full, dropping command", "payload", truncate(raw, 64))
	}
}

func (s *Server) process(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.queue:
			s.handle(in)
		}
	}
}

func (s *Server) handle(in inbound) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("control: panic handling command", "payload", truncate(in.raw, 64), "panic", r)
		}
	}()

	if in.err != nil {
		s.malformed.Add(1)
		commandsTotal.WithLabelValues(verbLabel(in.raw), "malformed").Inc()
		slog.Warn("control: malformed command", "payload", truncate(in.raw, 128), "error", in.err)
		s.ack(AckError, in.err.Error())
		return
	}

	switch in.cmd.Verb {
	case VerbAdd:
		s.handleAdd(in.cmd.Options)
	case VerbRemove:
		s.handleRemove(in.cmd.ID)
	}
}

func (s *Server) handleAdd(opts types.LaunchOptions) {
	id, err := s.sessions.Add(opts)
	if err != nil {
		commandsTotal.WithLabelValues(VerbAdd, "failed").Inc()
		slog.Error("control: add failed",
			"source", opts.Source,
			"destination", opts.Destination(),
			"error", err,
		)
		s.ack(AckError, err.Error())
		return
	}

	commandsTotal.WithLabelValues(VerbAdd, "ok").Inc()
	slog.Info("control: session added", "session", id, "destination", opts.Destination())
	s.publish(id.String())
}

func (s *Server) handleRemove(id types.SessionID) {
	if s.sessions.Remove(id) {
		commandsTotal.WithLabelValues(VerbRemove, "ok").Inc()
		slog.Info("control: session removed", "session", id)
		s.ack(AckRemoved, id.String())
		return
	}
	commandsTotal.WithLabelValues(VerbRemove, "not_found").Inc()
	slog.Info("control: remove for unknown session", "session", id)
	s.ack(AckNotFound, id.String())
}

// ack publishes an acknowledgement when acks are enabled.
func (s *Server) ack(verb, arg string) {
	if s.cfg.Acks {
		s.publish(Format(verb, arg))
	}
}

func (s *Server) publish(payload string) {
	token := s.client.Publish(s.cfg.OutboundTopic, s.cfg.ResponseQoS, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		s.publishErrors.Add(1)
		publishErrors.Inc()
		slog.Error("control: reply publish timeout", "topic", s.cfg.OutboundTopic)
		return
	}
	if err := token.Error(); err != nil {
		s.publishErrors.Add(1)
		publishErrors.Inc()
		slog.Error("control: failed to publish reply", "topic", s.cfg.OutboundTopic, "error", err)
		return
	}
	s.published.Add(1)
	slog.Debug("control: reply sent", "topic", s.cfg.OutboundTopic, "payload", payload)
}

// Shutdown unsubscribes, stops the processor, disconnects and removes every
// session. Safe to call more than once; later calls return the first result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdown.Store(true)

		if s.client != nil && s.client.IsConnected() {
			token := s.client.Unsubscribe(s.cfg.InboundTopic)
			if !token.WaitTimeout(s.cfg.SubscribeTimeout) {
				slog.Warn("control: unsubscribe timeout")
			}
		}

		if s.started.Load() {
			s.cancel()
			<-s.done
		}

		if s.client != nil && s.client.IsConnected() {
			s.client.Disconnect(250)
			slog.Info("control: mqtt disconnected")
		}

		s.shutdownErr = s.sessions.RemoveAll()
		slog.Info("control: server stopped", "stats", s.Stats())
	})
	return s.shutdownErr
}

// Connected reports whether the broker connection is up.
func (s *Server) Connected() bool {
	return s.client != nil && s.client.IsConnected()
}

// Stats returns a snapshot of the control counters.
func (s *Server) Stats() Stats {
	return Stats{
		Received:      s.received.Load(),
		Dropped:       s.dropped.Load(),
		Malformed:     s.malformed.Load(),
		Ignored:       s.ignored.Load(),
		Published:     s.published.Load(),
		PublishErrors: s.publishErrors.Load(),
	}
}

func verbLabel(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, v := range []string{VerbAdd, VerbRemove} {
		if strings.HasPrefix(raw, v) {
			return v
		}
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

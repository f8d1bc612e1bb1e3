// Package registry maps session identifiers to running streaming sessions.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/pptcast/internal/session"
	"github.com/e7canasta/pptcast/internal/types"
)

// DefaultStopTimeout bounds how long Remove waits for a session loop.
const DefaultStopTimeout = 500 * time.Millisecond

// ErrDuplicateID means the id counter produced an id already in use.
var ErrDuplicateID = errors.New("registry: duplicate session id")

// Entry describes one registered session.
type Entry struct {
	ID      types.SessionID     `json:"id"`
	Options types.LaunchOptions `json:"options"`
	Stats   session.Stats       `json:"stats"`
}

// Registry owns every live session. All mutations happen under mu; stopping
// a session always happens outside it.
type Registry struct {
	cfg         session.Config
	stopTimeout time.Duration

	mu       sync.Mutex
	sessions map[types.SessionID]*session.Session
	lastID   types.SessionID
}

// New creates an empty registry. cfg is the template for every session;
// its Label and OnExit are set per session.
func New(cfg session.Config, stopTimeout time.Duration) *Registry {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Registry{
		cfg:         cfg,
		stopTimeout: stopTimeout,
		sessions:    make(map[types.SessionID]*session.Session),
	}
}

// Add starts a session for opts and registers it under a fresh id.
// Ids are consumed even when the start fails. Only the id reservation and
// the insert hold the lock; the session starts outside it.
func (r *Registry) Add(opts types.LaunchOptions) (types.SessionID, error) {
	r.mu.Lock()
	r.lastID++
	id := r.lastID
	r.mu.Unlock()

	cfg := r.cfg
	cfg.Label = id.String()
	cfg.OnExit = func(s *session.Session) { r.onExit(id, s) }

	s, err := session.Start(opts, nil, cfg)
	if err != nil {
		slog.Warn("registry: session start failed", "session", id, "source", opts.Source, "error", err)
		return 0, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		go s.Stop(r.stopTimeout)
		return 0, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	// A session that faulted before this point finds no entry in OnExit,
	// so it must not be mapped.
	if s.State() == session.StateStopped {
		r.mu.Unlock()
		slog.Warn("registry: session faulted before registration", "session", id, "error", s.Err())
		return id, nil
	}
	r.sessions[id] = s
	active := len(r.sessions)
	r.mu.Unlock()

	slog.Info("registry: session added", "session", id, "active", active)
	return id, nil
}

// Remove unregisters and stops the session. Returns false for unknown ids.
func (r *Registry) Remove(id types.SessionID) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		slog.Debug("registry: remove for unknown session", "session", id)
		return false
	}

	if err := s.Stop(r.stopTimeout); err != nil {
		slog.Warn("registry: session stop incomplete", "session", id, "error", err)
	}
	slog.Info("registry: session removed", "session", id, "active", remaining)
	return true
}

// RemoveAll stops every session concurrently. Individual stop failures are
// joined into the returned error; every session is released regardless.
func (r *Registry) RemoveAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[types.SessionID]*session.Session)
	r.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for id, s := range sessions {
		id, s := id, s
		g.Go(func() error {
			if err := s.Stop(r.stopTimeout); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	slog.Info("registry: all sessions removed", "count", len(sessions), "failures", len(errs))
	return errors.Join(errs...)
}

// onExit drops a session that ended on its own. A session removed through
// Remove is no longer mapped, and an id is never reused, so the identity
// check only guards against stale callbacks.
func (r *Registry) onExit(id types.SessionID, s *session.Session) {
	if s.ExitReason() != session.ExitFault {
		return
	}

	r.mu.Lock()
	current, ok := r.sessions[id]
	if ok && current == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok && current == s {
		slog.Warn("registry: faulted session removed", "session", id, "error", s.Err())
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns the session registered under id.
func (r *Registry) Get(id types.SessionID) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns a snapshot of the registered sessions ordered by id.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.sessions))
	for id, s := range r.sessions {
		entries = append(entries, Entry{ID: id, Options: s.Options(), Stats: s.Stats()})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

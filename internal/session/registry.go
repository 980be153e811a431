package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gotc/internal/protocol"
	"github.com/dantte-lp/gotc/internal/timecode"
)

// -------------------------------------------------------------------------
// Registry Errors
// -------------------------------------------------------------------------

var (
	// ErrSessionNotFound indicates a join for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotInSession indicates a session-scoped request from a client
	// that is not a member of any session.
	ErrNotInSession = errors.New("client is not in a session")

	// ErrRegistryClosed indicates an operation after Shutdown.
	ErrRegistryClosed = errors.New("registry is shut down")
)

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// clientEntry tracks one connected client and its session membership.
type clientEntry struct {
	out       Outbound
	sessionID string // empty while not in a session
}

// Registry owns the process-wide session and client maps. Sessions
// are created, looked up, and collected here; per-session state stays
// inside Session. Lock order is registry lock first, then session
// lock, never the reverse.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clients  map[string]*clientEntry
	closed   bool

	ids     *IDAllocator
	gcEmpty bool

	logger  *slog.Logger
	metrics MetricsReporter
}

// RegistryOption configures optional Registry behavior.
type RegistryOption func(*Registry)

// WithMetrics installs a MetricsReporter. The default discards all
// events.
func WithMetrics(m MetricsReporter) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithEmptySessionGC makes the registry delete a session when its
// last member leaves or disconnects. Off by default: empty sessions
// persist until shutdown.
func WithEmptySessionGC(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.gcEmpty = enabled
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		clients:  make(map[string]*clientEntry),
		ids:      NewIDAllocator(),
		logger:   logger.With(slog.String("component", "registry")),
		metrics:  NopMetrics(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// -------------------------------------------------------------------------
// Client Lifecycle
// -------------------------------------------------------------------------

// AddClient registers a connected client. Called by the connection
// handler right after the welcome message is queued.
func (r *Registry) AddClient(c Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}

	r.clients[c.ClientID()] = &clientEntry{out: c}
	r.metrics.ClientConnected()

	return nil
}

// RemoveClient unregisters a disconnected client, silently evicting
// it from its session. No session_left is sent: the connection is
// already gone.
func (r *Registry) RemoveClient(clientID string) {
	r.mu.Lock()

	entry, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()

		return
	}

	delete(r.clients, clientID)

	var sess *Session
	if entry.sessionID != "" {
		sess = r.sessions[entry.sessionID]
	}

	r.mu.Unlock()

	r.metrics.ClientDisconnected()

	if sess != nil && sess.Evict(clientID) == 0 {
		r.maybeCollect(sess)
	}
}

// -------------------------------------------------------------------------
// Session Operations
// -------------------------------------------------------------------------

// CreateSession creates a session at the given framerate and initial
// timecode (empty means 00:00:00:00), detaches the client from its
// previous session, and joins it to the new one. The caller sends the
// session_created confirmation; the session is not running, so no
// update can precede it.
func (r *Registry) CreateSession(c Outbound, framerate, initialTC string) (Snapshot, error) {
	rate, err := timecode.LookupRate(framerate)
	if err != nil {
		return Snapshot{}, err
	}

	frame := int64(0)

	if initialTC != "" {
		frame, err = timecode.Parse(initialTC, rate)
		if err != nil {
			return Snapshot{}, err
		}
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return Snapshot{}, ErrRegistryClosed
	}

	entry, ok := r.clients[c.ClientID()]
	if !ok {
		r.mu.Unlock()

		return Snapshot{}, ErrRegistryClosed
	}

	id, err := r.ids.Allocate()
	if err != nil {
		r.mu.Unlock()

		return Snapshot{}, fmt.Errorf("create session: %w", err)
	}

	sess := newSession(id, rate, frame, r.logger, r.metrics)
	r.sessions[id] = sess

	prev := r.detachLocked(entry)
	entry.sessionID = id

	r.mu.Unlock()

	r.metrics.SessionRegistered(rate.Key)
	r.leaveAndCollect(prev, c)

	snap := sess.Admit(c)

	r.logger.Info("session created",
		slog.String("session", shortID(id)),
		slog.String("framerate", rate.Key),
		slog.String("timecode", snap.Timecode))

	return snap, nil
}

// JoinSession moves the client into an existing session, detaching it
// from its previous one first. The session sends session_joined.
func (r *Registry) JoinSession(c Outbound, sessionID string) (Snapshot, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return Snapshot{}, ErrRegistryClosed
	}

	entry, ok := r.clients[c.ClientID()]
	if !ok {
		r.mu.Unlock()

		return Snapshot{}, ErrRegistryClosed
	}

	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()

		return Snapshot{}, fmt.Errorf("%q: %w", sessionID, ErrSessionNotFound)
	}

	prev := r.detachLocked(entry)
	entry.sessionID = sessionID

	r.mu.Unlock()

	r.leaveAndCollect(prev, c)

	return sess.Join(c), nil
}

// LeaveSession removes the client from its current session. The
// session sends session_left.
func (r *Registry) LeaveSession(c Outbound) error {
	r.mu.Lock()

	entry, ok := r.clients[c.ClientID()]
	if !ok || entry.sessionID == "" {
		r.mu.Unlock()

		return ErrNotInSession
	}

	sess := r.sessions[entry.sessionID]
	entry.sessionID = ""

	r.mu.Unlock()

	if sess == nil {
		return ErrNotInSession
	}

	sess.Leave(c)

	if sess.Members() == 0 {
		r.maybeCollect(sess)
	}

	return nil
}

// SessionFor returns the session the client is currently a member of.
func (r *Registry) SessionFor(c Outbound) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.clients[c.ClientID()]
	if !ok || entry.sessionID == "" {
		return nil, ErrNotInSession
	}

	sess, ok := r.sessions[entry.sessionID]
	if !ok {
		return nil, ErrNotInSession
	}

	return sess, nil
}

// detachLocked clears the client's membership link and returns the
// session it pointed at, if any. Requires r.mu.
func (r *Registry) detachLocked(entry *clientEntry) *Session {
	if entry.sessionID == "" {
		return nil
	}

	sess := r.sessions[entry.sessionID]
	entry.sessionID = ""

	return sess
}

// leaveAndCollect completes an implicit leave caused by switching
// sessions: sends session_left for the old session and collects it if
// it emptied.
func (r *Registry) leaveAndCollect(sess *Session, c Outbound) {
	if sess == nil {
		return
	}

	sess.Leave(c)

	if sess.Members() == 0 {
		r.maybeCollect(sess)
	}
}

// maybeCollect deletes an empty session when GC is enabled. The
// ticker is halted before removal so it can never leak.
func (r *Registry) maybeCollect(sess *Session) {
	if !r.gcEmpty {
		return
	}

	r.mu.Lock()

	// Re-check under the lock; a client may have joined meanwhile.
	if r.closed || sess.Members() != 0 {
		r.mu.Unlock()

		return
	}

	delete(r.sessions, sess.ID())
	r.mu.Unlock()

	sess.halt()
	r.ids.Release(sess.ID())
	r.metrics.SessionUnregistered(sess.Rate().Key)

	r.logger.Info("collected empty session", slog.String("session", shortID(sess.ID())))
}

// -------------------------------------------------------------------------
// Introspection & Status
// -------------------------------------------------------------------------

// Snapshots returns a point-in-time copy of every session's state.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}

	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}

	return snaps
}

// Counts returns the current session and client totals.
func (r *Registry) Counts() (sessions, clients int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions), len(r.clients)
}

// RunStatusReporter logs a status line every interval until ctx is
// cancelled: totals plus one line per session.
func (r *Registry) RunStatusReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, clients := r.Counts()
			r.logger.Info("status",
				slog.Int("sessions", sessions),
				slog.Int("clients", clients))

			for _, snap := range r.Snapshots() {
				r.logger.Info("session status",
					slog.String("session", shortID(snap.ID)),
					slog.String("framerate", snap.Framerate),
					slog.Bool("running", snap.Running),
					slog.String("timecode", snap.Timecode),
					slog.Int("members", snap.Members))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

// Shutdown stops every session ticker, notifies every client with
// server_shutdown, and kicks their connections. Further registry
// operations fail with ErrRegistryClosed. Safe to call once.
func (r *Registry) Shutdown() {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return
	}

	r.closed = true

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}

	clients := make([]Outbound, 0, len(r.clients))
	for _, entry := range r.clients {
		clients = append(clients, entry.out)
	}

	r.mu.Unlock()

	for _, s := range sessions {
		s.halt()
	}

	notice := protocol.NewServerShutdown()

	for _, c := range clients {
		if c.Enqueue(notice) {
			r.metrics.MessageSent(notice.MessageType())
		}

		c.Kick()
	}

	r.logger.Info("registry shut down",
		slog.Int("sessions", len(sessions)),
		slog.Int("clients", len(clients)))
}

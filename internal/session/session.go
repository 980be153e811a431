// Package session implements timecode sessions and their registry:
// per-session state and membership, the drift-corrected frame ticker,
// and the process-wide session/client bookkeeping.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gotc/internal/protocol"
	"github.com/dantte-lp/gotc/internal/timecode"
)

// -------------------------------------------------------------------------
// Member Endpoint
// -------------------------------------------------------------------------

// Outbound is the delivery endpoint a session uses to reach one
// member. The connection handler in internal/server implements it.
type Outbound interface {
	// ClientID returns the connection's assigned identifier.
	ClientID() string

	// Enqueue offers msg to the client's bounded send queue without
	// blocking. It reports false when the queue is full.
	Enqueue(msg protocol.Message) bool

	// Kick asynchronously tears the client's connection down. Called
	// on slow consumers; must not block.
	Kick()
}

// -------------------------------------------------------------------------
// Session State
// -------------------------------------------------------------------------

// Snapshot is a point-in-time copy of session state, safe to use
// without holding the session lock.
type Snapshot struct {
	ID        string
	Framerate string
	Running   bool
	Frame     int64
	Timecode  string
	Members   int
}

// Session is one timecode session: a current frame number, a running
// flag, a member set, and at most one ticker goroutine while running.
//
// All mutable state is guarded by mu. Broadcasts happen under mu too;
// Enqueue never blocks, so the critical section stays bounded, and
// holding the lock makes per-member delivery order match state
// transitions (a leaving member can never observe an update enqueued
// after its session_left).
type Session struct {
	id   string
	rate timecode.Rate

	// ctl serializes the control operations (Start, Stop, Reset,
	// halt). Stop must release mu while waiting for the ticker to
	// exit; ctl keeps a concurrent restart out of that window so the
	// stopped broadcast is always the last message of its run. Lock
	// order: ctl before mu.
	ctl sync.Mutex

	mu      sync.Mutex
	frame   int64
	running bool
	members map[string]Outbound

	// Tick epoch: frame k of the current run is scheduled at
	// epochWall + k/nominal_fps. epochGen invalidates an in-flight
	// ticker's epoch after reset.
	epochWall time.Time
	epochGen  uint64

	cancelTick context.CancelFunc
	tickDone   chan struct{}

	logger  *slog.Logger
	metrics MetricsReporter
}

// newSession builds a stopped session positioned at initialFrame.
// Sessions are created through Registry.CreateSession.
func newSession(id string, rate timecode.Rate, initialFrame int64, logger *slog.Logger, metrics MetricsReporter) *Session {
	return &Session{
		id:      id,
		rate:    rate,
		frame:   initialFrame,
		members: make(map[string]Outbound),
		logger:  logger.With(slog.String("session", shortID(id)), slog.String("framerate", rate.Key)),
		metrics: metrics,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Rate returns the session's framerate descriptor.
func (s *Session) Rate() timecode.Rate { return s.rate }

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        s.id,
		Framerate: s.rate.Key,
		Running:   s.running,
		Frame:     s.frame,
		Timecode:  timecode.Format(s.frame, s.rate),
		Members:   len(s.members),
	}
}

// -------------------------------------------------------------------------
// Membership
// -------------------------------------------------------------------------

// Admit adds a member without sending a confirmation. Used for the
// creator of a fresh session, whose confirmation is session_created.
func (s *Session) Admit(c Outbound) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members[c.ClientID()] = c

	return s.snapshotLocked()
}

// Join adds a member and sends it session_joined carrying the state
// at the moment of joining. Any timecode_update the member receives
// afterwards is for a frame at or past the one in the confirmation.
func (s *Session) Join(c Outbound) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members[c.ClientID()] = c
	snap := s.snapshotLocked()

	s.sendLocked(c, protocol.NewSessionJoined(s.id, s.rate.Key, snap.Timecode, snap.Running))

	return snap
}

// Leave removes a member and sends it session_left, the final
// session-scoped message it receives for this session. Reports
// whether the client was a member.
func (s *Session) Leave(c Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[c.ClientID()]; !ok {
		return false
	}

	delete(s.members, c.ClientID())
	s.sendLocked(c, protocol.NewSessionLeft(s.id))

	return true
}

// Evict silently removes a member. Used on client disconnect, where
// the connection is already gone. Returns the remaining member count.
func (s *Session) Evict(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members, clientID)

	return len(s.members)
}

// Members returns the current member count.
func (s *Session) Members() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.members)
}

// -------------------------------------------------------------------------
// Control Operations
// -------------------------------------------------------------------------

// Start begins ticking from the current frame and broadcasts
// timecode_started. If already running it does nothing and reports
// false; start is idempotent and never spawns a second ticker.
func (s *Session) Start() (Snapshot, bool) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()

	if s.running {
		snap := s.snapshotLocked()
		s.mu.Unlock()

		return snap, false
	}

	s.running = true
	s.epochWall = time.Now()
	s.epochGen++

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancelTick = cancel
	s.tickDone = done

	snap := s.snapshotLocked()
	s.broadcastLocked(protocol.NewTimecodeStarted(snap.Timecode))
	s.mu.Unlock()

	go s.runTicker(ctx, done)

	s.logger.Info("timecode started", slog.String("timecode", snap.Timecode))

	return snap, true
}

// Stop halts the ticker and broadcasts timecode_stopped with the
// frame the session froze at. If not running it does nothing and
// reports false. Stop returns only after the ticker goroutine has
// exited, so no update follows the stopped broadcast.
func (s *Session) Stop() (Snapshot, bool) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()

	if !s.running {
		snap := s.snapshotLocked()
		s.mu.Unlock()

		return snap, false
	}

	s.running = false
	cancel := s.cancelTick
	done := s.tickDone
	s.cancelTick = nil
	s.tickDone = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	snap := s.snapshotLocked()
	s.broadcastLocked(protocol.NewTimecodeStopped(snap.Timecode))
	s.mu.Unlock()

	s.logger.Info("timecode stopped", slog.String("timecode", snap.Timecode))

	return snap, true
}

// Reset rewrites the current frame and broadcasts timecode_reset.
// Legal whether running or stopped; while running, ticking continues
// from the new value with a fresh epoch so no drift carries over.
func (s *Session) Reset(frame int64) Snapshot {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()

	s.frame = frame
	s.epochWall = time.Now()
	s.epochGen++

	snap := s.snapshotLocked()
	s.broadcastLocked(protocol.NewTimecodeReset(snap.Timecode))
	s.mu.Unlock()

	s.logger.Info("timecode reset", slog.String("timecode", snap.Timecode))

	return snap
}

// halt stops the ticker without broadcasting. Used during registry
// shutdown and empty-session collection.
func (s *Session) halt() {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()

		return
	}

	s.running = false
	cancel := s.cancelTick
	done := s.tickDone
	s.cancelTick = nil
	s.tickDone = nil
	s.mu.Unlock()

	cancel()
	<-done
}

// -------------------------------------------------------------------------
// Delivery
// -------------------------------------------------------------------------

// sendLocked queues msg to a single member. Requires s.mu.
func (s *Session) sendLocked(c Outbound, msg protocol.Message) {
	if c.Enqueue(msg) {
		s.metrics.MessageSent(msg.MessageType())

		return
	}

	s.dropSlowLocked(c)
}

// broadcastLocked queues msg to every member, removing and kicking
// members whose send queue is full. Requires s.mu.
func (s *Session) broadcastLocked(msg protocol.Message) {
	var slow []Outbound

	for _, c := range s.members {
		if c.Enqueue(msg) {
			s.metrics.MessageSent(msg.MessageType())

			continue
		}

		slow = append(slow, c)
	}

	for _, c := range slow {
		s.dropSlowLocked(c)
	}
}

// dropSlowLocked applies the slow-consumer policy: remove from the
// session and disconnect. Requires s.mu.
func (s *Session) dropSlowLocked(c Outbound) {
	delete(s.members, c.ClientID())
	s.metrics.SlowConsumerDropped()
	s.logger.Warn("dropping slow consumer", slog.String("client", shortID(c.ClientID())))
	c.Kick()
}

// shortID returns a log-friendly id prefix.
func shortID(id string) string {
	const n = 8
	if len(id) <= n {
		return id
	}

	return id[:n]
}

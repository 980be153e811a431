package session_test

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dantte-lp/gotc/internal/protocol"
	"github.com/dantte-lp/gotc/internal/session"
	"github.com/dantte-lp/gotc/internal/timecode"
)

// fakeClient implements session.Outbound with a buffered inbox.
type fakeClient struct {
	id     string
	inbox  chan protocol.Message
	kicked atomic.Bool
}

func newFakeClient(id string, buffer int) *fakeClient {
	return &fakeClient{id: id, inbox: make(chan protocol.Message, buffer)}
}

func (f *fakeClient) ClientID() string { return f.id }

func (f *fakeClient) Enqueue(msg protocol.Message) bool {
	select {
	case f.inbox <- msg:
		return true
	default:
		return false
	}
}

func (f *fakeClient) Kick() { f.kicked.Store(true) }

// next returns the next queued message, failing the test on timeout.
func (f *fakeClient) next(t *testing.T) protocol.Message {
	t.Helper()

	select {
	case msg := <-f.inbox:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s: no message within deadline", f.id)

		return nil
	}
}

// drain discards everything currently queued.
func (f *fakeClient) drain() {
	for {
		select {
		case <-f.inbox:
		default:
			return
		}
	}
}

func newTestRegistry(t *testing.T, opts ...session.RegistryOption) *session.Registry {
	t.Helper()

	return session.NewRegistry(slog.New(slog.DiscardHandler), opts...)
}

func addClient(t *testing.T, reg *session.Registry, id string) *fakeClient {
	t.Helper()

	c := newFakeClient(id, 64)
	if err := reg.AddClient(c); err != nil {
		t.Fatalf("AddClient(%s): %v", id, err)
	}

	return c
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	c := addClient(t, reg, "c1")

	snap, err := reg.CreateSession(c, "29.97", "01:00:00:00")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if len(snap.ID) != 32 {
		t.Errorf("session id %q, want 32 hex chars", snap.ID)
	}

	if snap.Framerate != "29.97" {
		t.Errorf("Framerate = %q, want 29.97", snap.Framerate)
	}

	if snap.Timecode != "01:00:00:00" {
		t.Errorf("Timecode = %q, want 01:00:00:00", snap.Timecode)
	}

	if snap.Running {
		t.Error("new session must not be running")
	}

	if snap.Members != 1 {
		t.Errorf("Members = %d, want 1 (creator auto-joined)", snap.Members)
	}

	sessions, clients := reg.Counts()
	if sessions != 1 || clients != 1 {
		t.Errorf("Counts() = (%d, %d), want (1, 1)", sessions, clients)
	}
}

func TestCreateSessionDefaultTimecode(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	c := addClient(t, reg, "c1")

	snap, err := reg.CreateSession(c, "24", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if snap.Timecode != "00:00:00:00" {
		t.Errorf("Timecode = %q, want 00:00:00:00", snap.Timecode)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		framerate string
		initial   string
		want      error
	}{
		{"unknown framerate", "25", "", timecode.ErrUnknownRate},
		{"bad timecode", "24", "not-a-timecode", timecode.ErrBadFormat},
		{"out of range", "24", "00:00:00:24", timecode.ErrFieldRange},
		{"dropped label", "29.97", "00:01:00:00", timecode.ErrDroppedLabel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := newTestRegistry(t)
			c := addClient(t, reg, "c1")

			if _, err := reg.CreateSession(c, tt.framerate, tt.initial); !errors.Is(err, tt.want) {
				t.Errorf("CreateSession error = %v, want %v", err, tt.want)
			}

			// Nothing must have been created.
			if sessions, _ := reg.Counts(); sessions != 0 {
				t.Errorf("sessions = %d after failed create, want 0", sessions)
			}
		})
	}
}

func TestJoinSession(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	creator := addClient(t, reg, "c1")
	joiner := addClient(t, reg, "c2")

	snap, err := reg.CreateSession(creator, "24", "00:10:00:00")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	joined, err := reg.JoinSession(joiner, snap.ID)
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	if joined.Members != 2 {
		t.Errorf("Members = %d, want 2", joined.Members)
	}

	msg := joiner.next(t)

	sj, ok := msg.(*protocol.SessionJoined)
	if !ok {
		t.Fatalf("got %T, want *SessionJoined", msg)
	}

	if sj.SessionID != snap.ID || sj.Timecode != "00:10:00:00" || sj.Running {
		t.Errorf("SessionJoined = %+v, want session %s at 00:10:00:00, stopped", sj, snap.ID)
	}
}

func TestJoinSessionNotFound(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	c := addClient(t, reg, "c1")

	if _, err := reg.JoinSession(c, "deadbeefdeadbeefdeadbeefdeadbeef"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("JoinSession error = %v, want ErrSessionNotFound", err)
	}
}

func TestLeaveSession(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	c := addClient(t, reg, "c1")

	snap, err := reg.CreateSession(c, "24", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := reg.LeaveSession(c); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}

	msg := c.next(t)

	left, ok := msg.(*protocol.SessionLeft)
	if !ok {
		t.Fatalf("got %T, want *SessionLeft", msg)
	}

	if left.SessionID != snap.ID {
		t.Errorf("SessionID = %q, want %q", left.SessionID, snap.ID)
	}

	// Default policy: the emptied session persists.
	if sessions, _ := reg.Counts(); sessions != 1 {
		t.Errorf("sessions = %d, want 1 (no GC by default)", sessions)
	}

	if err := reg.LeaveSession(c); !errors.Is(err, session.ErrNotInSession) {
		t.Errorf("second leave error = %v, want ErrNotInSession", err)
	}
}

func TestLeaveSessionNotJoined(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	c := addClient(t, reg, "c1")

	if err := reg.LeaveSession(c); !errors.Is(err, session.ErrNotInSession) {
		t.Errorf("LeaveSession error = %v, want ErrNotInSession", err)
	}
}

func TestSwitchSessions(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	anchor := addClient(t, reg, "c1")
	mover := addClient(t, reg, "c2")

	first, err := reg.CreateSession(mover, "24", "")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}

	second, err := reg.CreateSession(anchor, "30", "")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if _, err := reg.JoinSession(mover, second.ID); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	// The mover must see session_left for the first session, then
	// session_joined for the second, in that order.
	left, ok := mover.next(t).(*protocol.SessionLeft)
	if !ok || left.SessionID != first.ID {
		t.Fatalf("first message = %+v, want SessionLeft(%s)", left, first.ID)
	}

	joined, ok := mover.next(t).(*protocol.SessionJoined)
	if !ok || joined.SessionID != second.ID {
		t.Fatalf("second message = %+v, want SessionJoined(%s)", joined, second.ID)
	}
}

func TestRemoveClientEvictsSilently(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	creator := addClient(t, reg, "c1")
	other := addClient(t, reg, "c2")

	snap, err := reg.CreateSession(creator, "24", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := reg.JoinSession(other, snap.ID); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	creator.drain()
	reg.RemoveClient(creator.ClientID())

	if _, clients := reg.Counts(); clients != 1 {
		t.Errorf("clients = %d, want 1", clients)
	}

	// No session_left for a disconnect.
	select {
	case msg := <-creator.inbox:
		t.Errorf("disconnected client received %T", msg)
	default:
	}

	// Removing an unknown client is a no-op.
	reg.RemoveClient("nope")
}

func TestEmptySessionGC(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, session.WithEmptySessionGC(true))
	c := addClient(t, reg, "c1")

	snap, err := reg.CreateSession(c, "29.97", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, started := startSession(t, reg, c); !started {
		t.Fatal("session did not start")
	}

	if err := reg.LeaveSession(c); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}

	if sessions, _ := reg.Counts(); sessions != 0 {
		t.Errorf("sessions = %d after last leave, want 0 with GC enabled", sessions)
	}

	if _, err := reg.JoinSession(c, snap.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("join collected session error = %v, want ErrSessionNotFound", err)
	}
}

// startSession starts the client's current session.
func startSession(t *testing.T, reg *session.Registry, c session.Outbound) (session.Snapshot, bool) {
	t.Helper()

	sess, err := reg.SessionFor(c)
	if err != nil {
		t.Fatalf("SessionFor: %v", err)
	}

	return sess.Start()
}

func TestSessionForNotInSession(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	c := addClient(t, reg, "c1")

	if _, err := reg.SessionFor(c); !errors.Is(err, session.ErrNotInSession) {
		t.Errorf("SessionFor error = %v, want ErrNotInSession", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	c1 := addClient(t, reg, "c1")
	c2 := addClient(t, reg, "c2")

	if _, err := reg.CreateSession(c1, "60", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, started := startSession(t, reg, c1); !started {
		t.Fatal("session did not start")
	}

	reg.Shutdown()

	for _, c := range []*fakeClient{c1, c2} {
		var sawShutdown bool

		for len(c.inbox) > 0 {
			if _, ok := (<-c.inbox).(*protocol.ServerShutdown); ok {
				sawShutdown = true
			}
		}

		if !sawShutdown {
			t.Errorf("client %s did not receive server_shutdown", c.id)
		}

		if !c.kicked.Load() {
			t.Errorf("client %s was not kicked", c.id)
		}
	}

	if err := reg.AddClient(newFakeClient("c3", 1)); !errors.Is(err, session.ErrRegistryClosed) {
		t.Errorf("AddClient after shutdown error = %v, want ErrRegistryClosed", err)
	}

	if _, err := reg.CreateSession(c1, "24", ""); !errors.Is(err, session.ErrRegistryClosed) {
		t.Errorf("CreateSession after shutdown error = %v, want ErrRegistryClosed", err)
	}

	// Idempotent.
	reg.Shutdown()
}

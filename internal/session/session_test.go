package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/gotc/internal/protocol"
	"github.com/dantte-lp/gotc/internal/session"
	"github.com/dantte-lp/gotc/internal/timecode"
)

// buildRunningSetup creates a registry with one session and one
// member, returning both plus the session handle.
func buildSession(t *testing.T, framerate, initial string) (*session.Registry, *fakeClient, *session.Session) {
	t.Helper()

	reg := newTestRegistry(t)
	c := addClient(t, reg, "c1")

	if _, err := reg.CreateSession(c, framerate, initial); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess, err := reg.SessionFor(c)
	if err != nil {
		t.Fatalf("SessionFor: %v", err)
	}

	return reg, c, sess
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	_, c, sess := buildSession(t, "24", "")
	defer sess.Stop()

	if _, started := sess.Start(); !started {
		t.Fatal("first Start() reported not started")
	}

	if _, started := sess.Start(); started {
		t.Error("second Start() reported started")
	}

	// Exactly one timecode_started was broadcast.
	msg := c.next(t)
	if _, ok := msg.(*protocol.TimecodeStarted); !ok {
		t.Fatalf("first message = %T, want *TimecodeStarted", msg)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	_, _, sess := buildSession(t, "24", "")

	if _, stopped := sess.Stop(); stopped {
		t.Error("Stop() on a stopped session reported stopped")
	}

	sess.Start()

	if _, stopped := sess.Stop(); !stopped {
		t.Error("Stop() on a running session reported not stopped")
	}

	if _, stopped := sess.Stop(); stopped {
		t.Error("second Stop() reported stopped")
	}
}

func TestRunningSessionEmitsMonotonicUpdates(t *testing.T) {
	t.Parallel()

	rate, err := timecode.LookupRate("60")
	if err != nil {
		t.Fatal(err)
	}

	_, c, sess := buildSession(t, "60", "00:00:00:00")

	snap, started := sess.Start()
	if !started {
		t.Fatal("Start() reported not started")
	}

	if snap.Timecode != "00:00:00:00" {
		t.Errorf("start timecode = %q, want 00:00:00:00", snap.Timecode)
	}

	time.Sleep(250 * time.Millisecond)
	sess.Stop()

	var frames []int64

	var sawStarted, sawStopped bool

	for len(c.inbox) > 0 {
		switch msg := (<-c.inbox).(type) {
		case *protocol.TimecodeStarted:
			sawStarted = true
		case *protocol.TimecodeStopped:
			sawStopped = true

			if len(c.inbox) != 0 {
				t.Error("timecode_stopped was not the final message")
			}
		case *protocol.TimecodeUpdate:
			n, err := timecode.Parse(msg.Timecode, rate)
			if err != nil {
				t.Fatalf("update carries invalid timecode %q: %v", msg.Timecode, err)
			}

			frames = append(frames, n)
		}
	}

	if !sawStarted || !sawStopped {
		t.Errorf("sawStarted=%v sawStopped=%v, want both", sawStarted, sawStopped)
	}

	// 250 ms at 60 fps is 15 frames; allow generous scheduling slack
	// but require forward progress and strict monotonicity.
	if len(frames) < 5 || len(frames) > 20 {
		t.Errorf("received %d updates in 250ms at 60fps, want roughly 15", len(frames))
	}

	for i := 1; i < len(frames); i++ {
		if frames[i] <= frames[i-1] {
			t.Fatalf("updates not strictly increasing: %v", frames)
		}
	}
}

func TestStopObservableWithinOneFrame(t *testing.T) {
	t.Parallel()

	// 23.976 has the longest frame interval (~41.7 ms).
	_, _, sess := buildSession(t, "23.976", "")

	sess.Start()
	time.Sleep(20 * time.Millisecond)

	begin := time.Now()
	sess.Stop()

	if elapsed := time.Since(begin); elapsed > 200*time.Millisecond {
		t.Errorf("Stop() took %v, want well under a few frame intervals", elapsed)
	}
}

func TestResetWhileRunning(t *testing.T) {
	t.Parallel()

	rate, err := timecode.LookupRate("60")
	if err != nil {
		t.Fatal(err)
	}

	_, c, sess := buildSession(t, "60", "00:00:00:00")

	sess.Start()
	time.Sleep(60 * time.Millisecond)

	target, err := timecode.Parse("01:00:00:00", rate)
	if err != nil {
		t.Fatal(err)
	}

	snap := sess.Reset(target)
	if snap.Timecode != "01:00:00:00" {
		t.Errorf("Reset snapshot timecode = %q, want 01:00:00:00", snap.Timecode)
	}

	time.Sleep(100 * time.Millisecond)
	sess.Stop()

	// After the reset broadcast every update must be at or past the
	// reset frame.
	var afterReset bool

	for len(c.inbox) > 0 {
		switch msg := (<-c.inbox).(type) {
		case *protocol.TimecodeReset:
			afterReset = true

			if msg.Timecode != "01:00:00:00" {
				t.Errorf("timecode_reset = %q, want 01:00:00:00", msg.Timecode)
			}
		case *protocol.TimecodeUpdate:
			if !afterReset {
				continue
			}

			n, err := timecode.Parse(msg.Timecode, rate)
			if err != nil {
				t.Fatalf("invalid update %q: %v", msg.Timecode, err)
			}

			if n < target {
				t.Errorf("post-reset update %q is before the reset point", msg.Timecode)
			}
		}
	}

	if !afterReset {
		t.Error("timecode_reset was never broadcast")
	}
}

func TestResetWhileStopped(t *testing.T) {
	t.Parallel()

	rate, err := timecode.LookupRate("29.97")
	if err != nil {
		t.Fatal(err)
	}

	_, c, sess := buildSession(t, "29.97", "")

	target, err := timecode.Parse("00:10:00:00", rate)
	if err != nil {
		t.Fatal(err)
	}

	snap := sess.Reset(target)
	if snap.Running {
		t.Error("Reset must not start the session")
	}

	if snap.Timecode != "00:10:00:00" {
		t.Errorf("snapshot timecode = %q, want 00:10:00:00", snap.Timecode)
	}

	msg := c.next(t)
	if reset, ok := msg.(*protocol.TimecodeReset); !ok || reset.Timecode != "00:10:00:00" {
		t.Errorf("got %+v, want TimecodeReset(00:10:00:00)", msg)
	}
}

func TestConcurrentStartStopKeepsBroadcastOrder(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	creator := addClient(t, reg, "c1")

	snap, err := reg.CreateSession(creator, "60", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess, err := reg.SessionFor(creator)
	if err != nil {
		t.Fatalf("SessionFor: %v", err)
	}

	// Deep inbox so the observer never trips the slow-consumer drop
	// and its stream stays complete.
	observer := newFakeClient("c2", 4096)
	if err := reg.AddClient(observer); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	if _, err := reg.JoinSession(observer, snap.ID); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	// Hammer Start and Stop from two goroutines. Stop waits for the
	// ticker with the session lock released; a restart slipping into
	// that window must not reorder the broadcasts.
	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		for range 25 {
			sess.Start()
			time.Sleep(time.Millisecond)
		}
	}()

	go func() {
		defer wg.Done()

		for range 25 {
			sess.Stop()
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	sess.Stop()

	// Replay the observer's stream: started and stopped must strictly
	// alternate, and every update must fall between a started and its
	// matching stopped.
	running := false

	for len(observer.inbox) > 0 {
		switch msg := (<-observer.inbox).(type) {
		case *protocol.TimecodeStarted:
			if running {
				t.Fatal("timecode_started while already started")
			}

			running = true
		case *protocol.TimecodeStopped:
			if !running {
				t.Fatal("timecode_stopped without a preceding started")
			}

			running = false
		case *protocol.TimecodeUpdate:
			if !running {
				t.Fatalf("timecode_update %q after timecode_stopped", msg.Timecode)
			}
		}
	}

	if running {
		t.Error("stream ended without a final timecode_stopped")
	}
}

func TestSlowConsumerIsDroppedAndKicked(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	creator := addClient(t, reg, "c1")

	snap, err := reg.CreateSession(creator, "24", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Zero-capacity inbox: every enqueue fails.
	slow := newFakeClient("slow", 0)
	if err := reg.AddClient(slow); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	if _, err := reg.JoinSession(slow, snap.ID); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	// The join confirmation itself cannot be queued, so the slow
	// client is dropped immediately and disconnected.
	if !slow.kicked.Load() {
		t.Error("slow consumer was not kicked")
	}

	sess, err := reg.SessionFor(creator)
	if err != nil {
		t.Fatalf("SessionFor: %v", err)
	}

	if members := sess.Members(); members != 1 {
		t.Errorf("Members() = %d, want 1 (slow consumer removed)", members)
	}
}

package session

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/dantte-lp/gotc/internal/protocol"
	"github.com/dantte-lp/gotc/internal/timecode"
)

// -------------------------------------------------------------------------
// Drift-Corrected Frame Ticker
// -------------------------------------------------------------------------

// runTicker advances the session frame at its nominal rate until ctx
// is cancelled, closing done on exit.
//
// Frame k of a run is scheduled at the absolute deadline
// epochWall + k/nominal_fps, so per-tick timer error never
// accumulates: over any window the emitted frame count matches
// elapsed wall time to within one frame. After oversleeping by one or
// more whole frames the loop jumps to the current frame instead of
// bursting the missed ones; the session frame still advances by the
// full elapsed count, so wall-clock accuracy is preserved.
//
// A reset (or restart) bumps epochGen; the ticker detects the stale
// generation on its next wakeup and re-bases on the new epoch.
func (s *Session) runTicker(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Dedicated thread for timer latency, as for any media-rate loop.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.mu.Lock()
	epoch := s.epochWall
	gen := s.epochGen
	s.mu.Unlock()

	rate := s.rate

	var k, lastEmitted int64

	timer := time.NewTimer(rate.FrameInterval())
	defer timer.Stop()

	for {
		k++
		target := epoch.Add(rate.DurationOfFrames(k))

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		timer.Reset(time.Until(target))

		// Sleep until the absolute deadline, re-arming on early wakeup.
		var now time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			now = time.Now()
			if !now.Before(target) {
				break
			}

			timer.Reset(target.Sub(now))
		}

		// Catch-up: if the process stalled past one or more whole
		// frames, jump to the frame due now. Intermediate frames are
		// never emitted.
		if due := rate.FramesElapsed(now.Sub(epoch)); due > k {
			s.logger.Debug("ticker catching up",
				slog.Int64("scheduled", k),
				slog.Int64("due", due))
			k = due
		}

		s.mu.Lock()

		if s.epochGen != gen {
			// Frame was rewritten underneath us; re-base.
			epoch = s.epochWall
			gen = s.epochGen
			k = 0
			lastEmitted = 0
			s.mu.Unlock()

			continue
		}

		s.frame = timecode.Advance(s.frame, rate, k-lastEmitted)
		lastEmitted = k

		s.broadcastLocked(protocol.NewTimecodeUpdate(timecode.Format(s.frame, rate)))
		s.mu.Unlock()

		s.metrics.TickEmitted(rate.Key)
	}
}

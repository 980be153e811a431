package timecode

import (
	"errors"
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Framerate Descriptor — SMPTE ST 12-1
// -------------------------------------------------------------------------

// Rate describes one supported broadcast framerate.
//
// The Key is the stable wire identifier; NominalFPS is never compared
// for equality. The displayed FF field ranges over 0..Timebase-1.
type Rate struct {
	// Key is the wire-protocol identifier for the rate (e.g., "29.97").
	Key string

	// NominalFPS is the real frame frequency in frames per second.
	NominalFPS float64

	// Timebase is the integer frames-per-second used for formatting:
	// 24 for 23.976, 30 for 29.97, 60 for 59.94, otherwise the rate itself.
	Timebase int64

	// DropFrame reports whether the rate uses drop-frame counting
	// (SMPTE ST 12-1 Section 7: true only for 29.97 and 59.94).
	DropFrame bool
}

// minutesPerDay and droppedMinutesPerDay size the drop-frame day.
// Frames are dropped at every minute boundary except minutes divisible
// by ten: 1440 minutes per day, 144 of which are exempt.
const (
	minutesPerDay        = 24 * 60
	exemptMinutesPerDay  = minutesPerDay / 10
	droppedMinutesPerDay = minutesPerDay - exemptMinutesPerDay
)

// DropPerMinute returns the number of frame labels skipped at each
// non-tenth minute boundary: 2 for 29.97, 4 for 59.94, 0 for all
// non-drop rates.
func (r Rate) DropPerMinute() int64 {
	if !r.DropFrame {
		return 0
	}
	return r.Timebase / 15
}

// FrameInterval returns the nominal wall-clock duration of one frame.
// This is a sizing hint (channel buffers, cancellation latency); the
// ticker schedules against absolute deadlines, not this interval.
func (r Rate) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / r.NominalFPS)
}

// DurationOfFrames returns the nominal wall-clock time spanned by k
// frames. The ticker schedules frame k of a run at
// epoch + DurationOfFrames(k), so rounding never accumulates across
// frames.
func (r Rate) DurationOfFrames(k int64) time.Duration {
	return time.Duration(float64(k) / r.NominalFPS * float64(time.Second))
}

// FramesElapsed returns how many whole frame intervals fit into the
// given wall-clock duration. Used for catch-up after oversleeping:
// the ticker jumps to FramesElapsed(now - epoch) instead of emitting
// a burst of stale frames.
func (r Rate) FramesElapsed(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}

	return int64(d.Seconds() * r.NominalFPS)
}

// FramesPerDay returns the total number of timecode labels in a
// 24-hour day. Advance wraps modulo this total: 2 073 600 for 24 fps,
// 2 589 408 for 29.97 drop-frame, 5 178 816 for 59.94 drop-frame.
func (r Rate) FramesPerDay() int64 {
	total := r.Timebase * 60 * minutesPerDay
	if r.DropFrame {
		total -= r.DropPerMinute() * droppedMinutesPerDay
	}
	return total
}

// -------------------------------------------------------------------------
// Supported Rate Table
// -------------------------------------------------------------------------

// ErrUnknownRate indicates a framerate key outside the supported set.
var ErrUnknownRate = errors.New("unknown framerate")

// rateKeys lists the supported framerate keys in ascending nominal
// order. This is the order advertised in the welcome message.
//
//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var rateKeys = [...]string{"23.976", "24", "29.97", "30", "50", "59.94", "60"}

//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var rates = map[string]Rate{
	"23.976": {Key: "23.976", NominalFPS: 23.976, Timebase: 24, DropFrame: false},
	"24":     {Key: "24", NominalFPS: 24.0, Timebase: 24, DropFrame: false},
	"29.97":  {Key: "29.97", NominalFPS: 29.97, Timebase: 30, DropFrame: true},
	"30":     {Key: "30", NominalFPS: 30.0, Timebase: 30, DropFrame: false},
	"50":     {Key: "50", NominalFPS: 50.0, Timebase: 50, DropFrame: false},
	"59.94":  {Key: "59.94", NominalFPS: 59.94, Timebase: 60, DropFrame: true},
	"60":     {Key: "60", NominalFPS: 60.0, Timebase: 60, DropFrame: false},
}

// LookupRate returns the Rate for the given wire key.
// Returns ErrUnknownRate for keys outside the supported set.
func LookupRate(key string) (Rate, error) {
	r, ok := rates[key]
	if !ok {
		return Rate{}, fmt.Errorf("framerate %q: %w", key, ErrUnknownRate)
	}
	return r, nil
}

// RateKeys returns the supported framerate keys in ascending nominal
// order. The returned slice is a copy.
func RateKeys() []string {
	keys := make([]string, len(rateKeys))
	copy(keys, rateKeys[:])
	return keys
}

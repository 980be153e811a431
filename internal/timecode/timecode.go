package timecode

import (
	"errors"
	"fmt"
	"strings"
)

// -------------------------------------------------------------------------
// Timecode Parsing & Formatting — SMPTE ST 12-1
// -------------------------------------------------------------------------

// Timecode validation errors. All of them surface to the wire protocol
// as the InvalidTimecode error kind.
var (
	// ErrBadFormat indicates text that is not of the form HH:MM:SS:FF
	// with exactly two decimal digits per field.
	ErrBadFormat = errors.New("timecode must have the form HH:MM:SS:FF")

	// ErrFieldRange indicates a field outside its legal range
	// (HH 0-23, MM 0-59, SS 0-59, FF 0..timebase-1).
	ErrFieldRange = errors.New("timecode field out of range")

	// ErrDroppedLabel indicates a syntactically valid label that does
	// not exist under drop-frame counting (e.g. 00:01:00:00 at 29.97).
	ErrDroppedLabel = errors.New("timecode label is dropped at this framerate")
)

// Parse converts an HH:MM:SS:FF string into a frame number under the
// given rate. Each field must be exactly two decimal digits, so that
// Format(Parse(s)) == s for every accepted s. Labels skipped by
// drop-frame counting are rejected with ErrDroppedLabel, never
// normalized to a neighbouring frame.
func Parse(text string, r Rate) (int64, error) {
	parts := strings.Split(text, ":")
	if len(parts) != 4 {
		return 0, fmt.Errorf("%q: %w", text, ErrBadFormat)
	}

	var fields [4]int64

	for i, part := range parts {
		v, ok := parseField(part)
		if !ok {
			return 0, fmt.Errorf("%q: %w", text, ErrBadFormat)
		}

		fields[i] = v
	}

	hh, mm, ss, ff := fields[0], fields[1], fields[2], fields[3]
	if hh > 23 || mm > 59 || ss > 59 || ff >= r.Timebase {
		return 0, fmt.Errorf("%q: %w", text, ErrFieldRange)
	}

	if r.DropFrame && ss == 0 && mm%10 != 0 && ff < r.DropPerMinute() {
		return 0, fmt.Errorf("%q: %w", text, ErrDroppedLabel)
	}

	return FromFields(hh, mm, ss, ff, r), nil
}

// parseField accepts exactly two ASCII digits.
func parseField(s string) (int64, bool) {
	if len(s) != 2 {
		return 0, false
	}

	hi, lo := s[0], s[1]
	if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
		return 0, false
	}

	return int64(hi-'0')*10 + int64(lo-'0'), true
}

// Format renders a frame number as a zero-padded HH:MM:SS:FF label
// under the given rate.
func Format(frame int64, r Rate) string {
	hh, mm, ss, ff := ToFields(frame, r)

	return fmt.Sprintf("%02d:%02d:%02d:%02d", hh, mm, ss, ff)
}

// -------------------------------------------------------------------------
// Frame-Number Conversion — Drop-Frame Counting (SMPTE ST 12-1 Section 7)
// -------------------------------------------------------------------------

// FromFields converts a validated HH:MM:SS:FF label into its frame
// number since 00:00:00:00. Under drop-frame counting the skipped
// labels are subtracted: DropPerMinute frames for every minute except
// minutes divisible by ten.
func FromFields(hh, mm, ss, ff int64, r Rate) int64 {
	n := ((hh*60+mm)*60+ss)*r.Timebase + ff

	if r.DropFrame {
		totalMinutes := hh*60 + mm
		n -= r.DropPerMinute() * (totalMinutes - totalMinutes/10)
	}

	return n
}

// ToFields converts a frame number into its HH:MM:SS:FF label under
// the given rate. The inverse of FromFields for every existing label.
func ToFields(frame int64, r Rate) (hh, mm, ss, ff int64) {
	tb := r.Timebase

	if r.DropFrame {
		d := r.DropPerMinute()
		perMinute := 60 * tb
		perDroppedMinute := perMinute - d
		// A ten-minute block keeps all frames of its first minute and
		// drops d frames in each of the following nine.
		perTenMinutes := 10*perMinute - 9*d

		tens := frame / perTenMinutes
		rem := frame % perTenMinutes

		var minutes int64

		switch {
		case rem < perMinute:
			minutes = tens * 10
		default:
			rem -= perMinute
			minutes = tens*10 + 1 + rem/perDroppedMinute
			// Offset by d: labels 0..d-1 do not exist in this minute.
			rem = rem%perDroppedMinute + d
		}

		return minutes / 60, minutes % 60, rem / tb, rem % tb
	}

	ff = frame % tb
	frame /= tb
	ss = frame % 60
	frame /= 60
	mm = frame % 60
	hh = frame / 60 % 24

	return hh, mm, ss, ff
}

// Advance moves a frame number forward (or backward, for negative
// delta) by delta frames, wrapping modulo the 24-hour day so that
// 23:59:59:FFmax advances to 00:00:00:00.
func Advance(frame int64, r Rate, delta int64) int64 {
	day := r.FramesPerDay()

	frame = (frame + delta) % day
	if frame < 0 {
		frame += day
	}

	return frame
}

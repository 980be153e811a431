// Package timecode implements SMPTE ST 12-1 timecode arithmetic.
//
// This includes the supported framerate table, HH:MM:SS:FF parsing and
// formatting, frame-number conversion, and drop-frame counting for the
// 29.97 and 59.94 NTSC rates.
package timecode

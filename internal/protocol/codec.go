package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// -------------------------------------------------------------------------
// Line Framing
// -------------------------------------------------------------------------

// MaxLineBytes is the default maximum length of a single request line,
// including the terminating newline.
const MaxLineBytes = 64 * 1024

// ErrLineTooLong indicates a request line above the configured cap.
// Surfaces as the MessageTooLarge kind, after which the connection is
// closed.
var ErrLineTooLong = errors.New("request line exceeds maximum length")

// LineReader reads \n-terminated lines from a connection, enforcing
// the line length cap. A trailing \r before the newline is stripped.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r with a line reader capped at maxLine bytes per
// line, terminating newline included. maxLine <= 0 selects
// MaxLineBytes.
func NewLineReader(r io.Reader, maxLine int) *LineReader {
	if maxLine <= 0 {
		maxLine = MaxLineBytes
	}

	// The scanner needs the newline inside its buffer to delimit a
	// token, so capping the buffer at maxLine caps the full line,
	// newline included. The initial buffer must stay below the cap or
	// the scanner would never report ErrTooLong.
	initial := 4096
	if initial > maxLine {
		initial = maxLine
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), maxLine)

	return &LineReader{scanner: scanner}
}

// Next returns the next line without its newline (and without a
// trailing carriage return). It returns io.EOF on clean end of stream
// and ErrLineTooLong when the cap is exceeded; the reader is not
// usable afterwards.
func (lr *LineReader) Next() ([]byte, error) {
	if !lr.scanner.Scan() {
		err := lr.scanner.Err()

		switch {
		case err == nil:
			return nil, io.EOF
		case errors.Is(err, bufio.ErrTooLong):
			return nil, ErrLineTooLong
		default:
			return nil, fmt.Errorf("read line: %w", err)
		}
	}

	return lr.scanner.Bytes(), nil
}

// -------------------------------------------------------------------------
// Message Encoding
// -------------------------------------------------------------------------

// EncodeMessage renders one server message as a compact JSON object
// followed by a newline, ready for the wire.
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}

	return append(data, '\n'), nil
}

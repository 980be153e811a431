package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors for daemon conversations.
var (
	errServer     = errors.New("server error")
	errConnClosed = errors.New("connection closed by server")
	errBadWelcome = errors.New("unexpected greeting from server")
)

// serverMessage is the reply envelope. One struct covers every message
// type the daemon sends; only the fields for the received type are
// populated.
type serverMessage struct {
	Type                string   `json:"type"`
	ClientID            string   `json:"client_id"`
	SupportedFramerates []string `json:"supported_framerates"`
	SessionID           string   `json:"session_id"`
	Framerate           string   `json:"framerate"`
	Timecode            string   `json:"timecode"`
	Running             bool     `json:"running"`
	Kind                string   `json:"kind"`
	Message             string   `json:"message"`
}

// daemonClient holds one TCP conversation with the daemon. Commands
// dial, exchange a few messages, and close; only monitor keeps the
// connection open.
type daemonClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
	timeout time.Duration
	welcome *serverMessage
}

// dialDaemon connects to the daemon and consumes the welcome message.
func dialDaemon(addr string, timeout time.Duration) (*daemonClient, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &daemonClient{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		timeout: timeout,
	}

	welcome, err := c.recv()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("read welcome: %w", err)
	}

	if welcome.Type != "welcome" {
		conn.Close()

		return nil, fmt.Errorf("%w: %q", errBadWelcome, welcome.Type)
	}

	c.welcome = welcome

	return c, nil
}

func (c *daemonClient) Close() error {
	return c.conn.Close() //nolint:wrapcheck // direct passthrough
}

// send writes one request as a JSON line.
func (c *daemonClient) send(req any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	data = append(data, '\n')

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	return nil
}

// recv reads the next server message, skipping blank lines. A zero
// timeout disables the read deadline, which monitor relies on while
// waiting for updates from a stopped session.
func (c *daemonClient) recv() (*serverMessage, error) {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}

		return &msg, nil
	}

	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	return nil, errConnClosed
}

// roundTrip sends a request and waits for a reply of wantType. An
// error reply aborts the exchange; interleaved broadcasts (timecode
// updates from an already running session) are skipped.
func (c *daemonClient) roundTrip(req any, wantType string) (*serverMessage, error) {
	if err := c.send(req); err != nil {
		return nil, err
	}

	for {
		msg, err := c.recv()
		if err != nil {
			return nil, err
		}

		switch msg.Type {
		case wantType:
			return msg, nil
		case "error":
			return nil, fmt.Errorf("%w: %s: %s", errServer, msg.Kind, msg.Message)
		case "server_shutdown":
			return nil, errConnClosed
		}
	}
}

// join enters an existing session and returns its confirmation.
func (c *daemonClient) join(sessionID string) (*serverMessage, error) {
	req := map[string]string{"type": "join_session", "session_id": sessionID}

	return c.roundTrip(req, "session_joined")
}

// Package protocol implements the line-delimited JSON wire protocol:
// request decoding with tagged-variant dispatch, server message types,
// and the stable error kind strings.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Error Kinds
// -------------------------------------------------------------------------

// Error kinds carried in the "kind" field of error messages. These
// strings are part of the wire contract and never change.
const (
	KindBadRequest       = "BadRequest"
	KindUnknownFramerate = "UnknownFramerate"
	KindInvalidTimecode  = "InvalidTimecode"
	KindSessionNotFound  = "SessionNotFound"
	KindNotInSession     = "NotInSession"
	KindMessageTooLarge  = "MessageTooLarge"
	KindInternalError    = "InternalError"
)

// -------------------------------------------------------------------------
// Client Requests — Tagged-Variant Decoding
// -------------------------------------------------------------------------

// Request decoding errors. All of them surface as the BadRequest kind.
var (
	// ErrNotObject indicates a line that is not a JSON object.
	ErrNotObject = errors.New("request must be a JSON object")

	// ErrMissingType indicates an object without a "type" field.
	ErrMissingType = errors.New(`request is missing the "type" field`)

	// ErrTypeNotString indicates a "type" field that is not a string.
	ErrTypeNotString = errors.New(`request "type" field must be a string`)

	// ErrUnknownType indicates a "type" value outside the request set.
	ErrUnknownType = errors.New("unknown request type")

	// ErrMalformed indicates invalid JSON or wrongly typed fields.
	ErrMalformed = errors.New("malformed request")
)

// Request is implemented by every client request variant.
type Request interface {
	RequestType() string
}

// CreateSession asks the server to create a session and join it.
type CreateSession struct {
	// Framerate is a key from the supported framerate table.
	Framerate string `json:"framerate"`

	// InitialTimecode is the starting HH:MM:SS:FF label.
	// Empty means 00:00:00:00.
	InitialTimecode string `json:"initial_timecode,omitempty"`
}

// JoinSession asks the server to join an existing session.
type JoinSession struct {
	SessionID string `json:"session_id"`
}

// LeaveSession asks the server to leave the current session.
type LeaveSession struct{}

// StartTimecode starts the current session's ticker.
type StartTimecode struct{}

// StopTimecode stops the current session's ticker.
type StopTimecode struct{}

// ResetTimecode rewrites the current session's timecode.
type ResetTimecode struct {
	// Timecode is the new HH:MM:SS:FF label. Empty means 00:00:00:00.
	Timecode string `json:"timecode,omitempty"`
}

func (CreateSession) RequestType() string { return "create_session" }
func (JoinSession) RequestType() string   { return "join_session" }
func (LeaveSession) RequestType() string  { return "leave_session" }
func (StartTimecode) RequestType() string { return "start_timecode" }
func (StopTimecode) RequestType() string  { return "stop_timecode" }
func (ResetTimecode) RequestType() string { return "reset_timecode" }

// DecodeRequest parses one request line into its typed variant.
// Unknown request fields are ignored; wrongly typed known fields,
// a missing or non-string "type", and non-object lines are rejected.
func DecodeRequest(line []byte) (Request, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}

	var envelope struct {
		Type json.RawMessage `json:"type"`
	}

	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	// A literal null unmarshals into RawMessage as the bytes "null".
	if envelope.Type == nil || bytes.Equal(envelope.Type, []byte("null")) {
		return nil, ErrMissingType
	}

	var typ string
	if err := json.Unmarshal(envelope.Type, &typ); err != nil {
		return nil, ErrTypeNotString
	}

	var req Request

	switch typ {
	case "create_session":
		req = &CreateSession{}
	case "join_session":
		req = &JoinSession{}
	case "leave_session":
		req = &LeaveSession{}
	case "start_timecode":
		req = &StartTimecode{}
	case "stop_timecode":
		req = &StopTimecode{}
	case "reset_timecode":
		req = &ResetTimecode{}
	default:
		return nil, fmt.Errorf("%q: %w", typ, ErrUnknownType)
	}

	if err := json.Unmarshal(trimmed, req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return req, nil
}

// -------------------------------------------------------------------------
// Server Messages
// -------------------------------------------------------------------------

// Message is implemented by every server-to-client message. Type()
// returns the wire "type" tag, also used as the messages-sent metric
// label.
type Message interface {
	MessageType() string
}

// Welcome is sent once per connection, immediately after accept.
type Welcome struct {
	Type                string   `json:"type"`
	ClientID            string   `json:"client_id"`
	SupportedFramerates []string `json:"supported_framerates"`
}

// SessionCreated confirms create_session to the creator.
type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Framerate string `json:"framerate"`
	Timecode  string `json:"timecode"`
}

// SessionJoined confirms join_session, carrying the session state at
// the moment of joining.
type SessionJoined struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Framerate string `json:"framerate"`
	Timecode  string `json:"timecode"`
	Running   bool   `json:"running"`
}

// SessionLeft confirms leave_session. It is the final session-scoped
// message the leaving client receives for that session.
type SessionLeft struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// TimecodeStarted is broadcast when a session's ticker starts.
type TimecodeStarted struct {
	Type     string `json:"type"`
	Timecode string `json:"timecode"`
}

// TimecodeStopped is broadcast when a session's ticker stops.
type TimecodeStopped struct {
	Type     string `json:"type"`
	Timecode string `json:"timecode"`
}

// TimecodeReset is broadcast when a session's timecode is rewritten.
type TimecodeReset struct {
	Type     string `json:"type"`
	Timecode string `json:"timecode"`
}

// TimecodeUpdate carries one frame advance to every session member.
type TimecodeUpdate struct {
	Type     string `json:"type"`
	Timecode string `json:"timecode"`
}

// ServerShutdown tells clients the server is going away.
type ServerShutdown struct {
	Type string `json:"type"`
}

// ErrorMessage reports a failed request.
type ErrorMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (m *Welcome) MessageType() string         { return "welcome" }
func (m *SessionCreated) MessageType() string  { return "session_created" }
func (m *SessionJoined) MessageType() string   { return "session_joined" }
func (m *SessionLeft) MessageType() string     { return "session_left" }
func (m *TimecodeStarted) MessageType() string { return "timecode_started" }
func (m *TimecodeStopped) MessageType() string { return "timecode_stopped" }
func (m *TimecodeReset) MessageType() string   { return "timecode_reset" }
func (m *TimecodeUpdate) MessageType() string  { return "timecode_update" }
func (m *ServerShutdown) MessageType() string  { return "server_shutdown" }
func (m *ErrorMessage) MessageType() string    { return "error" }

// NewWelcome builds the per-connection greeting.
func NewWelcome(clientID string, framerates []string) *Welcome {
	return &Welcome{Type: "welcome", ClientID: clientID, SupportedFramerates: framerates}
}

// NewSessionCreated builds the create_session confirmation.
func NewSessionCreated(sessionID, framerate, tc string) *SessionCreated {
	return &SessionCreated{Type: "session_created", SessionID: sessionID, Framerate: framerate, Timecode: tc}
}

// NewSessionJoined builds the join_session confirmation.
func NewSessionJoined(sessionID, framerate, tc string, running bool) *SessionJoined {
	return &SessionJoined{Type: "session_joined", SessionID: sessionID, Framerate: framerate, Timecode: tc, Running: running}
}

// NewSessionLeft builds the leave_session confirmation.
func NewSessionLeft(sessionID string) *SessionLeft {
	return &SessionLeft{Type: "session_left", SessionID: sessionID}
}

// NewTimecodeStarted builds the start broadcast.
func NewTimecodeStarted(tc string) *TimecodeStarted {
	return &TimecodeStarted{Type: "timecode_started", Timecode: tc}
}

// NewTimecodeStopped builds the stop broadcast.
func NewTimecodeStopped(tc string) *TimecodeStopped {
	return &TimecodeStopped{Type: "timecode_stopped", Timecode: tc}
}

// NewTimecodeReset builds the reset broadcast.
func NewTimecodeReset(tc string) *TimecodeReset {
	return &TimecodeReset{Type: "timecode_reset", Timecode: tc}
}

// NewTimecodeUpdate builds one frame-advance notification.
func NewTimecodeUpdate(tc string) *TimecodeUpdate {
	return &TimecodeUpdate{Type: "timecode_update", Timecode: tc}
}

// NewServerShutdown builds the shutdown notice.
func NewServerShutdown() *ServerShutdown {
	return &ServerShutdown{Type: "server_shutdown"}
}

// NewError builds an error reply.
func NewError(kind, message string) *ErrorMessage {
	return &ErrorMessage{Type: "error", Kind: kind, Message: message}
}

// Package commands implements the gotcctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// sessionView is the client-side rendering of session state.
type sessionView struct {
	SessionID string `json:"session_id"`
	Framerate string `json:"framerate"`
	Timecode  string `json:"timecode"`
	Running   bool   `json:"running"`
}

// updateView is the JSON rendering of one streamed broadcast.
type updateView struct {
	Event    string `json:"event"`
	Timecode string `json:"timecode,omitempty"`
}

// formatSession renders session state in the requested format.
func formatSession(v sessionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionJSON(v)
	case formatTable:
		return formatSessionTable(v)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatUpdate renders a streamed broadcast in the requested format.
func formatUpdate(msg *serverMessage, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.Marshal(updateView{Event: msg.Type, Timecode: msg.Timecode})
		if err != nil {
			return "", fmt.Errorf("marshal update to JSON: %w", err)
		}

		return string(data), nil
	case formatTable:
		return formatUpdateLine(msg), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatSessionTable(v sessionView) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Session ID:\t%s\n", v.SessionID)
	fmt.Fprintf(w, "Framerate:\t%s\n", v.Framerate)
	fmt.Fprintf(w, "Timecode:\t%s\n", v.Timecode)
	fmt.Fprintf(w, "Running:\t%t\n", v.Running)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatUpdateLine(msg *serverMessage) string {
	switch msg.Type {
	case "timecode_update":
		return msg.Timecode
	case "timecode_started":
		return fmt.Sprintf("-- started at %s --", msg.Timecode)
	case "timecode_stopped":
		return fmt.Sprintf("-- stopped at %s --", msg.Timecode)
	case "timecode_reset":
		return fmt.Sprintf("-- reset to %s --", msg.Timecode)
	case "session_left":
		return "-- left session --"
	default:
		return fmt.Sprintf("-- %s --", msg.Type)
	}
}

// --- JSON formatters ---

func formatSessionJSON(v sessionView) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage timecode sessions",
	}

	cmd.AddCommand(sessionCreateCmd())
	cmd.AddCommand(sessionJoinCmd())
	cmd.AddCommand(sessionStartCmd())
	cmd.AddCommand(sessionStopCmd())
	cmd.AddCommand(sessionResetCmd())

	return cmd
}

// --- session create ---

func sessionCreateCmd() *cobra.Command {
	var (
		framerate string
		timecode  string
		start     bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new timecode session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := dialDaemon(serverAddr, requestTimeout)
			if err != nil {
				return err
			}
			defer c.Close()

			req := map[string]string{
				"type":      "create_session",
				"framerate": framerate,
			}
			if timecode != "" {
				req["initial_timecode"] = timecode
			}

			created, err := c.roundTrip(req, "session_created")
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}

			running := false

			if start {
				started, startErr := c.roundTrip(
					map[string]string{"type": "start_timecode"}, "timecode_started")
				if startErr != nil {
					return fmt.Errorf("start timecode: %w", startErr)
				}

				created.Timecode = started.Timecode
				running = true
			}

			out, err := formatSession(sessionView{
				SessionID: created.SessionID,
				Framerate: created.Framerate,
				Timecode:  created.Timecode,
				Running:   running,
			}, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&framerate, "framerate", "30",
		"session framerate: 23.976, 24, 29.97, 30, 50, 59.94 or 60")
	flags.StringVar(&timecode, "timecode", "", "initial timecode (HH:MM:SS:FF, default 00:00:00:00)")
	flags.BoolVar(&start, "start", false, "start the timecode immediately after creating")

	return cmd
}

// --- session join ---

func sessionJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <session-id>",
		Short: "Join a session and show its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := dialDaemon(serverAddr, requestTimeout)
			if err != nil {
				return err
			}
			defer c.Close()

			joined, err := c.join(args[0])
			if err != nil {
				return fmt.Errorf("join session: %w", err)
			}

			out, err := formatSession(sessionView{
				SessionID: joined.SessionID,
				Framerate: joined.Framerate,
				Timecode:  joined.Timecode,
				Running:   joined.Running,
			}, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- session start / stop ---

func sessionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start the timecode of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			msg, err := sessionAction(args[0], "start_timecode", "timecode_started")
			if err != nil {
				return fmt.Errorf("start timecode: %w", err)
			}

			fmt.Printf("Timecode started at %s.\n", msg.Timecode)

			return nil
		},
	}
}

func sessionStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop the timecode of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			msg, err := sessionAction(args[0], "stop_timecode", "timecode_stopped")
			if err != nil {
				return fmt.Errorf("stop timecode: %w", err)
			}

			fmt.Printf("Timecode stopped at %s.\n", msg.Timecode)

			return nil
		},
	}
}

// sessionAction joins the session and issues one bare control request.
func sessionAction(sessionID, reqType, wantType string) (*serverMessage, error) {
	c, err := dialDaemon(serverAddr, requestTimeout)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	if _, err := c.join(sessionID); err != nil {
		return nil, fmt.Errorf("join session: %w", err)
	}

	return c.roundTrip(map[string]string{"type": reqType}, wantType)
}

// --- session reset ---

func sessionResetCmd() *cobra.Command {
	var timecode string

	cmd := &cobra.Command{
		Use:   "reset <session-id>",
		Short: "Reset the timecode of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := dialDaemon(serverAddr, requestTimeout)
			if err != nil {
				return err
			}
			defer c.Close()

			if _, err := c.join(args[0]); err != nil {
				return fmt.Errorf("join session: %w", err)
			}

			req := map[string]string{"type": "reset_timecode"}
			if timecode != "" {
				req["timecode"] = timecode
			}

			msg, err := c.roundTrip(req, "timecode_reset")
			if err != nil {
				return fmt.Errorf("reset timecode: %w", err)
			}

			fmt.Printf("Timecode reset to %s.\n", msg.Timecode)

			return nil
		},
	}

	cmd.Flags().StringVar(&timecode, "timecode", "",
		"timecode to reset to (HH:MM:SS:FF, default 00:00:00:00)")

	return cmd
}

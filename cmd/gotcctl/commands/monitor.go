package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "monitor <session-id>",
		Short: "Stream timecode updates from a session",
		Long:  "Joins a session and prints every timecode update until interrupted (Ctrl+C).",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

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

			// Updates from a stopped session may be arbitrarily far
			// apart, so drop the per-read deadline and unblock the
			// reader by closing the connection on Ctrl+C.
			c.timeout = 0

			go func() {
				<-ctx.Done()
				c.conn.Close()
			}()

			return streamUpdates(ctx, c, count)
		},
	}

	cmd.Flags().IntVar(&count, "count", 0,
		"stop after this many updates (0 streams until interrupted)")

	return cmd
}

// streamUpdates prints incoming broadcasts until the connection drops,
// the context is cancelled, or limit updates were printed.
func streamUpdates(ctx context.Context, c *daemonClient, limit int) error {
	seen := 0

	for {
		msg, err := c.recv()
		if err != nil {
			// Ctrl+C closes the connection under the reader; that is
			// the expected way out, not an error.
			if ctx.Err() != nil || errors.Is(err, errConnClosed) {
				return nil
			}

			return fmt.Errorf("stream updates: %w", err)
		}

		if msg.Type == "server_shutdown" {
			fmt.Println("Server is shutting down.")

			return nil
		}

		out, err := formatUpdate(msg, outputFormat)
		if err != nil {
			return fmt.Errorf("format update: %w", err)
		}

		fmt.Println(out)

		if msg.Type == "timecode_update" {
			seen++
			if limit > 0 && seen >= limit {
				return nil
			}
		}
	}
}

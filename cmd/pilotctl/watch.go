package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browserpilot/pkg/client"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

var (
	runStartURL string
	runMaxSteps int
	showFrames  bool
	watchRole   string
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Start a session and follow it until it finishes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := newClient()
		info, err := c.CreateSession(ctx, models.CreateSessionRequest{
			Task:     strings.Join(args, " "),
			StartURL: runStartURL,
			MaxSteps: runMaxSteps,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s started\n", info.ID)
		return follow(ctx, c, info.ID, cmd.OutOrStdout())
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a running session's events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return follow(ctx, newClient(), args[0], cmd.OutOrStdout())
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sessions, err := newClient().ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPHASE\tOBSERVERS\tTASK")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Phase, s.Observers, truncate(s.Task, 60))
		}
		return tw.Flush()
	},
}

func init() {
	runCmd.Flags().StringVar(&runStartURL, "start-url", "", "Page to open before the first step")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "Step budget (0 = server default)")
	for _, c := range []*cobra.Command{runCmd, watchCmd} {
		c.Flags().BoolVar(&showFrames, "frames", false, "Print a line for every frame")
		c.Flags().StringVar(&watchRole, "role", "viewer", "Observer role")
	}
}

// follow prints the session's events until its final result arrives or the
// connection ends.
func follow(ctx context.Context, c *client.Client, sessionID string, out io.Writer) error {
	pool := client.NewPool(c, client.ConnOptions{})
	defer pool.Close()
	conn := pool.Open(ctx, sessionID, watchRole)

	for ev := range conn.Events() {
		if line := formatEvent(ev, showFrames); line != "" {
			fmt.Fprintln(out, line)
		}
		if fe, ok := ev.(models.FinalEvent); ok {
			if !fe.Result.Success {
				return fmt.Errorf("session %s ended %s", sessionID, fe.Result.Phase)
			}
			return nil
		}
	}

	err := conn.Err()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, client.ErrSessionEnded):
		fmt.Fprintln(out, "session ended")
		return nil
	}
	return err
}

func formatEvent(ev models.Event, frames bool) string {
	switch e := ev.(type) {
	case models.StatusEvent:
		return "status    " + string(e.Phase)
	case models.StepStartedEvent:
		return fmt.Sprintf("step %-4d %s", e.Step.ID, e.Step.Label)
	case models.StepCompletedEvent:
		return fmt.Sprintf("step %-4d ok", e.ID)
	case models.StepFailedEvent:
		return fmt.Sprintf("step %-4d failed: %s", e.ID, e.Error)
	case models.LogEvent:
		return fmt.Sprintf("%-9s %s", e.Level, e.Message)
	case models.FrameEvent:
		if !frames {
			return ""
		}
		return fmt.Sprintf("frame     %s (%d bytes)", e.URL, len(e.Data))
	case models.FinalEvent:
		verdict := "success"
		if !e.Result.Success {
			verdict = "failure"
		}
		return fmt.Sprintf("final     %s after %d steps: %s", verdict, e.Result.Steps, e.Result.Message)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// commandCmds builds one subcommand per session command.
func commandCmds() []*cobra.Command {
	simple := []struct {
		kind  models.CommandKind
		short string
	}{
		{models.CommandPause, "Pause a session between steps"},
		{models.CommandResume, "Resume a paused session"},
		{models.CommandStop, "Stop a session"},
	}

	var cmds []*cobra.Command
	for _, s := range simple {
		kind := s.kind
		cmds = append(cmds, &cobra.Command{
			Use:   string(kind) + " <session-id>",
			Short: s.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return sendCommand(cmd, args[0], models.Command{Type: kind})
			},
		})
	}

	cmds = append(cmds, &cobra.Command{
		Use:   "nudge <session-id> <text>",
		Short: "Add guidance to the next decision",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(cmd, args[0], models.Command{
				Type: models.CommandNudge,
				Text: strings.Join(args[1:], " "),
			})
		},
	})

	cmds = append(cmds, &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Tear a session down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s deleted\n", args[0])
			return nil
		},
	})
	return cmds
}

func sendCommand(cmd *cobra.Command, sessionID string, c models.Command) error {
	info, err := newClient().SendCommand(cmd.Context(), sessionID, c)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", info.ID, info.Phase)
	return nil
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/fsm"
)

func newCreateSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-session [session-id]",
		Short: "Create a session row (a random id is generated when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			sessionID := ""
			if len(args) == 1 {
				sessionID = args[0]
			}
			session, err := e.router.StartSession(commandContext(cmd), contractorID, sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), session.SessionID)
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the contractor's sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			sessions, err := e.router.ListSessions(commandContext(cmd), contractorID, limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-38s %-10s %-8s %-8s %s\n", "SESSION", "TYPE", "STATUS", "VERSION", "UPDATED")
			fmt.Fprintln(out, strings.Repeat("-", 90))
			for _, s := range sessions {
				fmt.Fprintf(out, "%-38s %-10s %-8s %-8d %s\n",
					s.SessionID, s.SessionType, s.SessionStatus, s.Version, s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions")

	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <session-id>",
		Short: "Show a session's restored state and agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			route, err := e.router.Describe(commandContext(cmd), contractorID, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), route)
		},
	}
}

func newSendCmd() *cobra.Command {
	var ev eventFlags

	cmd := &cobra.Command{
		Use:   "send <session-id> <trigger>",
		Short: "Send a raw trigger (MESSAGE_RECEIVED, EVENT_REGISTERED, EVENT_ENDED)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			var payload fsm.Payload
			if ev.set() {
				payload.EventContext = ev.context()
			}
			route, err := e.router.Trigger(commandContext(cmd), contractorID, args[0], fsm.ParseTrigger(args[1]), payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), route)
		},
	}

	ev.register(cmd)

	return cmd
}

func newRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route <session-id>",
		Short: "Route a message the way the server does, using the stored registrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			route, err := e.router.Route(commandContext(cmd), contractorID, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), route)
		},
	}
}

func newEndSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end-session <session-id>",
		Short: "Mark a session ended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.router.EndSession(commandContext(cmd), contractorID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s ended.\n", args[0])
			return nil
		},
	}
}

func newTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "table",
		Short: "Print the session state machine's transition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "initial: %s\n\n", domain.StateIdle)
			fmt.Fprintf(out, "%-18s %-34s %-28s %s\n", "TRIGGER", "FROM", "TO", "EFFECT")
			fmt.Fprintln(out, strings.Repeat("-", 110))
			for _, rule := range fsm.Table() {
				fmt.Fprintf(out, "%-18s %-34s %-28s %s\n",
					rule.Trigger, joinStates(rule.From), joinStates(rule.To), rule.Effect)
			}
			return nil
		},
	}
}

func joinStates(states []domain.StateKind) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

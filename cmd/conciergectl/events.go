package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/power100/concierge/internal/domain"
	"github.com/power100/concierge/internal/routing"
)

// eventFlags describe an event snapshot on the command line.
type eventFlags struct {
	id     int64
	name   string
	date   string
	status string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.id, "event-id", 0, "Event id")
	cmd.Flags().StringVar(&f.name, "event-name", "", "Event name")
	cmd.Flags().StringVar(&f.date, "event-date", "", "Event date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.status, "event-status", domain.EventStatusRegistered, "Registration status")
}

func (f *eventFlags) set() bool {
	return f.id != 0 || f.name != "" || f.date != ""
}

func (f *eventFlags) context() *domain.EventContext {
	date := f.date
	if normalized := routing.NormalizeDate(date); normalized != "" {
		date = normalized
	}
	return &domain.EventContext{
		EventID:     f.id,
		EventName:   f.name,
		EventDate:   date,
		EventStatus: f.status,
	}
}

func newRegisterEventCmd() *cobra.Command {
	var ev eventFlags

	cmd := &cobra.Command{
		Use:   "register-event",
		Short: "Create or update the contractor's registration for an event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ev.id <= 0 {
				return fmt.Errorf("--event-id is required")
			}
			if routing.NormalizeDate(ev.date) == "" {
				return fmt.Errorf("--event-date must be YYYY-MM-DD, got %q", ev.date)
			}

			e, err := openEnv(true)
			if err != nil {
				return err
			}
			defer e.Close()

			ec := ev.context()
			reg := &domain.EventRegistration{
				ContractorID: contractorID,
				EventID:      ec.EventID,
				EventName:    ec.EventName,
				EventDate:    ec.EventDate,
				EventStatus:  ec.EventStatus,
				UpdatedAt:    time.Now().UTC(),
			}
			if err := e.repo.UpsertEventRegistration(commandContext(cmd), reg); err != nil {
				return fmt.Errorf("register event: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Contractor %d registered for event %d on %s (%s).\n",
				contractorID, reg.EventID, reg.EventDate, reg.EventStatus)
			return nil
		},
	}

	ev.register(cmd)

	return cmd
}

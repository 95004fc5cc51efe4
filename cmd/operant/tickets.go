package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/operant/pkg/ticket"
)

func newTicketsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Inspect and manage tickets",
	}
	cmd.AddCommand(
		newTicketsListCmd(),
		newTicketsShowCmd(),
		newTicketsResolveCmd(),
		newTicketsHoldCmd(),
		newTicketsUnholdCmd(),
	)
	return cmd
}

func newTicketsListCmd() *cobra.Command {
	var subjectName string
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			var status *ticket.Status
			if statusFlag != "" {
				s := ticket.Status(statusFlag)
				status = &s
			}

			tickets, err := deps.tickets.List(ctx, status)
			if err != nil {
				return usageError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tHELD\tSEVERITY\tINVARIANT\tOCCURRENCES\tMESSAGE")
			for _, t := range tickets {
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Held, t.Severity, t.InvariantName, t.OccurrenceCount, t.Message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject whose tickets to list (required)")
	cmd.Flags().StringVar(&statusFlag, "status", "", "filter by status (open, acknowledged, diagnosed, resolved)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newTicketsShowCmd() *cobra.Command {
	var subjectName string

	cmd := &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket's full detail, including its diagnosis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			t, err := deps.tickets.Get(ctx, id)
			if err != nil {
				return notFoundError(fmt.Errorf("ticket %d: %w", id, err))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject the ticket belongs to (required)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newTicketsResolveCmd() *cobra.Command {
	return newTicketMutationCmd("resolve", "Mark a ticket resolved", func(ctx context.Context, s *ticket.Store, id int64) error {
		return s.Resolve(ctx, id)
	})
}

func newTicketsHoldCmd() *cobra.Command {
	return newTicketMutationCmd("hold", "Hold a ticket (blocks auto-resolution and resolve)", func(ctx context.Context, s *ticket.Store, id int64) error {
		return s.Hold(ctx, id)
	})
}

func newTicketsUnholdCmd() *cobra.Command {
	return newTicketMutationCmd("unhold", "Release a held ticket", func(ctx context.Context, s *ticket.Store, id int64) error {
		return s.Unhold(ctx, id)
	})
}

func newTicketMutationCmd(use, short string, mutate func(context.Context, *ticket.Store, int64) error) *cobra.Command {
	var subjectName string

	cmd := &cobra.Command{
		Use:   use + " <ticket-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			if err := mutate(ctx, deps.tickets, id); err != nil {
				return notFoundError(fmt.Errorf("ticket %d: %w", id, err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ticket %d: %s\n", id, use+"d")
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject the ticket belongs to (required)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

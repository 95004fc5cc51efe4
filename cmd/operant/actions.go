package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/operant/pkg/action"
	"github.com/codeready-toolchain/operant/pkg/safety"
)

func newActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect and manage proposed actions",
	}
	cmd.AddCommand(
		newActionsListCmd(),
		newActionsShowCmd(),
		newActionsApproveCmd(),
		newActionsRejectCmd(),
		newActionsCancelCmd(),
		newActionsKillSwitchCmd(),
		newActionsModeCmd(),
	)
	return cmd
}

func newActionsListCmd() *cobra.Command {
	var subjectName, statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action proposals in one status (proposed unless --status is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			status := action.StatusProposed
			if statusFlag != "" {
				status = action.Status(statusFlag)
			}
			proposals, err := deps.actions.ListByStatus(ctx, status)
			if err != nil {
				return usageError(err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tACTION\tTICKET\tPROPOSED_BY\tAPPROVED")
			for _, p := range proposals {
				ticketStr := "-"
				if p.TicketID != nil {
					ticketStr = strconv.FormatInt(*p.TicketID, 10)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%t\n", p.ID, p.Status, p.ActionType, p.ActionName, ticketStr, p.ProposedBy, p.IsApproved())
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject whose actions to list (required)")
	cmd.Flags().StringVar(&statusFlag, "status", "", "status to list, default proposed (proposed, validated, executing, completed, failed, cancelled)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newActionsShowCmd() *cobra.Command {
	var subjectName string

	cmd := &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal's full detail",
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

			p, err := deps.actions.GetProposal(ctx, id)
			if err != nil {
				return notFoundError(fmt.Errorf("proposal %d: %w", id, err))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject the proposal belongs to (required)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newActionsApproveCmd() *cobra.Command {
	var subjectName, approvedBy string

	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a proposal awaiting dual authorization",
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

			if err := deps.actions.Approve(ctx, id, approvedBy); err != nil {
				return notFoundError(fmt.Errorf("proposal %d: %w", id, err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proposal %d approved by %s\n", id, approvedBy)
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject the proposal belongs to (required)")
	cmd.Flags().StringVar(&approvedBy, "by", "operator", "identity of the approver")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newActionsRejectCmd() *cobra.Command {
	var subjectName, rejectedBy, reason string

	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a proposal",
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

			if err := deps.actions.Reject(ctx, id, rejectedBy, reason); err != nil {
				return notFoundError(fmt.Errorf("proposal %d: %w", id, err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proposal %d rejected by %s\n", id, rejectedBy)
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject the proposal belongs to (required)")
	cmd.Flags().StringVar(&rejectedBy, "by", "operator", "identity of the rejecter")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newActionsCancelCmd() *cobra.Command {
	var subjectName, reason string

	cmd := &cobra.Command{
		Use:   "cancel <proposal-id>",
		Short: "Cancel a pending proposal",
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

			if err := deps.dispatch.CancelProposal(ctx, id, reason); err != nil {
				return notFoundError(fmt.Errorf("proposal %d: %w", id, err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proposal %d cancelled\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject the proposal belongs to (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newActionsKillSwitchCmd() *cobra.Command {
	var subjectName string

	cmd := &cobra.Command{
		Use:   "kill-switch",
		Short: "Cancel all pending proposals, kill managed containers, and force observe-only mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			result, err := deps.safety.KillSwitch(ctx)
			if err != nil {
				return usageError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d pending proposals, killed %d containers, cancelled %d in-flight executions\n",
				result.PendingProposals, result.ContainersKilled, result.WorkCancelled)
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject to apply the kill switch to (required)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newActionsModeCmd() *cobra.Command {
	var subjectName string

	cmd := &cobra.Command{
		Use:   "mode [observe|execute]",
		Short: "Show or set the current execution mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), deps.safety.Mode())
				return nil
			}

			mode := safety.Mode(args[0])
			if mode != safety.ModeObserve && mode != safety.ModeExecute {
				return usageError(fmt.Errorf("invalid mode %q: must be %q or %q", args[0], safety.ModeObserve, safety.ModeExecute))
			}
			if err := deps.safety.SetMode(ctx, mode); err != nil {
				return usageError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mode set to %s\n", mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject whose mode to show or set (required)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, usageError(fmt.Errorf("invalid id %q: %w", s, err))
	}
	return id, nil
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/operant/pkg/agentloop"
	"github.com/codeready-toolchain/operant/pkg/diagnosis"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run or query the diagnosis-and-remediation agent",
	}
	cmd.AddCommand(newAgentStartCmd(), newAgentDiagnoseCmd())
	return cmd
}

func newAgentStartCmd() *cobra.Command {
	var subjectName string
	var intervalSec int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the agent daemon against open tickets for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			if deps.diag == nil {
				return usageError(fmt.Errorf("no LLM provider configured for %q", deps.cfg.Defaults.LLMProvider))
			}

			loop := agentloop.New(subjectName, deps.tickets, deps.gatherer, deps.diag, deps.dispatch, deps.subj, deps.safety, time.Duration(intervalSec)*time.Second)

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			loop.Start(runCtx)
			<-runCtx.Done()
			loop.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject whose tickets to diagnose (required)")
	cmd.Flags().IntVarP(&intervalSec, "interval", "i", 30, "tick interval in seconds")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newAgentDiagnoseCmd() *cobra.Command {
	var subjectName string

	cmd := &cobra.Command{
		Use:   "diagnose <ticket-id>",
		Short: "Diagnose one ticket immediately and print the result, without acting on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return usageError(fmt.Errorf("invalid ticket id %q: %w", args[0], err))
			}

			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			if deps.diag == nil {
				return usageError(fmt.Errorf("no LLM provider configured for %q", deps.cfg.Defaults.LLMProvider))
			}

			t, err := deps.tickets.Get(ctx, id)
			if err != nil {
				return notFoundError(fmt.Errorf("ticket %d: %w", id, err))
			}

			dc, err := deps.gatherer.Gather(ctx, t)
			if err != nil {
				return usageError(fmt.Errorf("gather context: %w", err))
			}

			out, err := deps.diag.Diagnose(ctx, dc)
			if err != nil {
				return usageError(fmt.Errorf("diagnose: %w", err))
			}

			fmt.Fprintln(cmd.OutOrStdout(), diagnosis.FormatMarkdown(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject the ticket belongs to (required)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

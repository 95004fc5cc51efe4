package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/operant/pkg/monitor"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the invariant-monitoring daemon",
	}
	cmd.AddCommand(newMonitorRunCmd())
	return cmd
}

func newMonitorRunCmd() *cobra.Command {
	var subjectName string
	var intervalSec int
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Observe the subject on an interval and open tickets for invariant violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx, subjectName)
			if err != nil {
				return usageError(err)
			}
			defer deps.Close()

			loop := monitor.New(subjectName, deps.subj, deps.subj, deps.tickets, time.Duration(intervalSec)*time.Second)

			server := monitor.NewServer()
			server.Register(subjectName, loop)
			go func() {
				if err := server.Start(healthAddr); err != nil {
					fmt.Fprintln(os.Stderr, "health server stopped:", err)
				}
			}()

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			loop.Start(runCtx)
			<-runCtx.Done()
			loop.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&subjectName, "subject", "", "subject to monitor (required)")
	cmd.Flags().IntVarP(&intervalSec, "interval", "i", 30, "observation interval in seconds")
	cmd.Flags().StringVar(&healthAddr, "health-addr", ":8090", "address for the health endpoint")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

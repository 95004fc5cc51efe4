package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/operant/pkg/version"
)

var configDir string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "operant",
		Short:         "Autonomous SRE operator: monitor, diagnose, and remediate invariant violations",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			envPath := filepath.Join(configDir, ".env")
			if err := godotenv.Load(envPath); err != nil {
				slog.Debug("no .env file loaded", "path", envPath, "error", err)
			}
		},
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")

	root.AddCommand(
		newMonitorCmd(),
		newAgentCmd(),
		newTicketsCmd(),
		newActionsCmd(),
		newEvalCmd(),
	)
	return root
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func fatalf(format string, args ...any) error {
	return usageError(fmt.Errorf(format, args...))
}

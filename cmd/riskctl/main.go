// Command riskctl is the operator CLI for the trade guard: it runs offline
// risk assessments and lists the stored audit trail.
package main

import (
	"os"

	"tradeguard/internal/common"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type rootConfig struct {
	dataPath string
	logLevel string
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:           "riskctl",
		Short:         "Inspect and exercise the trade guard risk engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, err := zerolog.ParseLevel(rc.logLevel)
			if err != nil {
				level = zerolog.WarnLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
		},
	}

	cmd.PersistentFlags().StringVar(&rc.dataPath, "data", common.DefaultDataPath, "Path to the data directory holding the audit store")
	cmd.PersistentFlags().StringVar(&rc.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	cmd.AddCommand(
		newAssessCmd(rc),
		newAuditCmd(rc),
		newEventsCmd(rc),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("riskctl failed")
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type command struct{}

func (c *command) Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "digestctl",
		Short:        "Approximate quantiles over streams of numbers",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		(&summarizeCommand{}).Cmd(),
		(&serveCommand{}).Cmd(),
		versionCmd,
	)

	return cmd
}

func newLogger(name string) (logr.Logger, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return logr.Discard(), fmt.Errorf("zap new development: %w", err)
	}

	return zapr.NewLogger(defaultLogger.Named(name)), nil
}

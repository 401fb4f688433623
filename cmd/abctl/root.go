package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/config"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/telemetry"
)

// commandContext carries what every subcommand shares once the root command
// has loaded the configuration.
type commandContext struct {
	cfg config.Config
	log *slog.Logger
	tp  *sdktrace.TracerProvider
}

func (c *commandContext) setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	c.cfg = cfg

	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	c.log = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.log)

	if cfg.Tracing {
		tp, err := telemetry.InitTracer(cmd.ErrOrStderr(), version)
		if err != nil {
			return err
		}
		c.tp = tp
	}
	return nil
}

func (c *commandContext) teardown() {
	if c.tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	telemetry.Shutdown(ctx, c.tp, c.log)
}

// newRootCommand builds the command tree. The returned context must be torn
// down once the command has run.
func newRootCommand() (*cobra.Command, *commandContext) {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "abctl",
		Short:         "Audiobook manifest pipeline tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newInspectCommand(ctx))
	rootCmd.AddCommand(newPresetsCommand(ctx))
	rootCmd.AddCommand(newJournalCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	return rootCmd, ctx
}

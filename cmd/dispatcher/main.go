package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ewsdispatch/internal/config"
	"ewsdispatch/internal/dispatch"
	"ewsdispatch/internal/logger"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/logging"
	"ewsdispatch/pkg/models"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ews-dispatcher",
		Short: "EWS mail dispatcher",
		Long:  "EWS mail dispatcher sends one Exchange message per queued email event, with an optional auto-reply",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, environment variables are always read)")

	rootCmd.AddCommand(serveCmd(), processCmd(), validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and the structured logger.
func setup() (*config.Config, logger.Logger, error) {
	earlyLog := logging.NewEarlyLog()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume email events from the configured broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting EWS dispatcher", "broker", cfg.Broker.Type)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Fatalf("Failed to initialize application: %v", err)
			}

			log.InfowCtx(ctx, "Service running")
			runErr := app.Run(ctx)
			if err := app.Shutdown(context.Background()); err != nil {
				log.ErrorwCtx(ctx, "Shutdown failed", "error", err)
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", runErr)
				return runErr
			}
			log.InfowCtx(ctx, "Service shutdown complete")
			return nil
		},
	}
}

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <event.json>",
		Short: "Dispatch a single event payload and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read event file: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, log)
			defer app.Shutdown(context.Background())
			if err := app.InitDispatcher(ctx); err != nil {
				return err
			}

			event, err := models.DecodeEvent(payload)
			if err != nil {
				return err
			}
			res := app.dispatcher.Process(ctx, event)

			fmt.Fprintf(cmd.OutOrStdout(), "outcome=%s stage=%s primary_sent=%t reply=%s reply_sent=%t\n",
				res.Outcome, res.FailedAtOrStage(), res.PrimarySent, res.ReplyDecision, res.ReplySent)
			if res.Outcome != dispatch.Ack {
				return res.Err
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check configuration, sender mapping and reply templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			app := NewApp(cfg, log)
			policy, _, version, err := app.staticConfig()
			if err != nil {
				log.Errorw("Configuration is invalid", apperrors.Fields(err)...)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: mode=%s accounts=%v exchange_version=%s replies=%t\n",
				policy.Mode(), policy.Accounts(), version.Name, cfg.Mail.Reply.Enabled)
			return nil
		},
	}
}

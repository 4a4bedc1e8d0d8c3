package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/config"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/observability"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/ops"
	"github.com/randalmurphal/sabbathtext/pkg/sabbathtext/service"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sabbathtext",
		Short:         "Sabbath text messaging backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (.yaml, .yml or .json)")

	// open builds the service for a subcommand.
	open := func(cmd *cobra.Command) (*service.Service, error) {
		settings, err := config.LoadSettings(configPath)
		if err != nil {
			return nil, err
		}
		logger, err := observability.NewLogger(cmd.ErrOrStderr(), settings.Log.Level, settings.Log.Format)
		if err != nil {
			return nil, err
		}
		return service.New(settings, logger)
	}

	root.AddCommand(
		newWorkerCmd(open),
		newSubscribeCmd(open),
		newUpdateZipCmd(open),
		newScheduleCmd(open),
		newDeadLettersCmd(open),
	)
	return root
}

type openFunc func(*cobra.Command) (*service.Service, error)

func newWorkerCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the checkpoint recovery worker until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			svc.Logger.Info("worker started",
				slog.Int("concurrency", svc.Settings.Worker.Concurrency),
				slog.String("store", svc.Settings.Store.Backend),
				slog.String("queue", svc.Settings.Queue.Backend),
				slog.Any("operations", svc.Registry.Types()))
			svc.Worker.Run(cmd.Context())
			svc.Logger.Info("worker stopped")
			return nil
		},
	}
}

func newSubscribeCmd(open openFunc) *cobra.Command {
	var req ops.SubscribeRequest
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			resp, err := svc.Subscribe(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&req.AccountID, "account", "", "account id")
	cmd.Flags().StringVar(&req.TrackingID, "tracking-id", "", "idempotency key")
	cmd.Flags().StringVar(&req.PhoneNumber, "phone", "", "phone number")
	markRequired(cmd, "account", "tracking-id", "phone")
	return cmd
}

func newUpdateZipCmd(open openFunc) *cobra.Command {
	var req ops.UpdateZipRequest
	cmd := &cobra.Command{
		Use:   "update-zip",
		Short: "Change an account's ZIP code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			resp, err := svc.UpdateZip(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&req.AccountID, "account", "", "account id")
	cmd.Flags().StringVar(&req.TrackingID, "tracking-id", "", "idempotency key")
	cmd.Flags().StringVar(&req.ZipCode, "zip", "", "ZIP code")
	markRequired(cmd, "account", "tracking-id", "zip")
	return cmd
}

func newScheduleCmd(open openFunc) *cobra.Command {
	var (
		req ops.ScheduledTextRequest
		at  string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a text to a subscribed account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				req.SendAt = t
			}
			svc, err := open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			resp, err := svc.ScheduleText(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringVar(&req.AccountID, "account", "", "account id")
	cmd.Flags().StringVar(&req.TrackingID, "tracking-id", "", "idempotency key")
	cmd.Flags().StringVar(&req.Body, "body", "", "message text")
	cmd.Flags().StringVar(&req.Kind, "kind", "", "message kind recorded on the account")
	cmd.Flags().StringVar(&at, "at", "", "send time, RFC 3339 (default now)")
	markRequired(cmd, "account", "tracking-id", "body")
	return cmd
}

func newDeadLettersCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "deadletters",
		Short: "List compensation messages diverted as poison",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := open(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			letters, err := svc.ListDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, letters)
		},
	}
}

func markRequired(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

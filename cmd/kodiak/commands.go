// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/pkg/logging"
	"github.com/AleutianAI/kodiak/services/engine/config"
	"github.com/AleutianAI/kodiak/services/engine/telemetry"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogDir    string
	flagTelemetry bool

	cfg               config.Config
	logger            *logging.Logger
	telemetryShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "kodiak",
	Short: "Multi-agent causal plan training engine",
	Long: `kodiak generates, fuses, and scores causal plans with a pool of
generator agents, and grows per-role lesson lists from reward variance
instead of gradient updates.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}

		// Text logs for humans, JSON lines when piped.
		interactive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		logger = logging.New(logging.Config{
			Level:   logging.ParseLevel(flagLogLevel),
			LogDir:  flagLogDir,
			Service: "kodiak",
			JSON:    !interactive,
		})
		slog.SetDefault(logger.Slog())

		if flagTelemetry {
			tcfg := telemetry.DefaultConfig()
			tcfg.ServiceVersion = Version
			telemetryShutdown, err = telemetry.Init(cmd.Context(), tcfg)
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := telemetryShutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown", "error", err.Error())
			}
		}
		if logger != nil {
			_ = logger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "kodiak.yaml", "path to the run config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogDir, "log-dir", "", "directory for JSON log files (disabled when empty)")
	rootCmd.PersistentFlags().BoolVar(&flagTelemetry, "telemetry", true, "export traces and metrics (exporters selected via OTEL_TRACES_EXPORTER and OTEL_METRICS_EXPORTER)")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(storesCmd)
	rootCmd.AddCommand(versionCmd)
}

// Version is stamped at build time via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kodiak version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "kodiak %s\n", Version)
	},
}

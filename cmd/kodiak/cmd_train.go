// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagProblems string
	flagEpochs   int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run the training loop over a problem file",
	Long: `Reads a JSONL problem file and runs the configured number of epochs.
Each problem fans out across the generator pool, fuses each group, and
updates per-role lesson lists when reward variance clears the gate.
The run report is printed to stdout as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		problems, err := loadProblems(flagProblems)
		if err != nil {
			return err
		}
		if flagEpochs > 0 {
			cfg.Training.Epochs = flagEpochs
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		report, err := eng.trainer.Run(ctx, problems)
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	},
}

func init() {
	trainCmd.Flags().StringVar(&flagProblems, "problems", "", "JSONL problem file (required)")
	trainCmd.Flags().IntVar(&flagEpochs, "epochs", 0, "override configured epoch count")
	if err := trainCmd.MarkFlagRequired("problems"); err != nil {
		panic(fmt.Sprintf("mark problems flag required: %v", err))
	}
}

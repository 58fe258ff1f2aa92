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

	badger "github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/kodiak/services/engine/experience"
)

var flagStoreRole string

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "Inspect and export experience stores",
}

var storesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles with stored lessons",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *experience.Store) error {
			roles, err := store.Roles(cmd.Context())
			if err != nil {
				return err
			}
			for _, role := range roles {
				list, err := store.Load(cmd.Context(), role)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%s\t%d lessons\n", role, len(list))
			}
			return nil
		})
	},
}

var storesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print one role's lessons as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *experience.Store) error {
			list, err := store.Load(cmd.Context(), flagStoreRole)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(list)
		})
	},
}

var storesExportCmd = &cobra.Command{
	Use:   "export [dir]",
	Short: "Write per-role JSON snapshots to a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *experience.Store) error {
			return store.Checkpoint(cmd.Context(), args[0])
		})
	},
}

// withStore opens the configured experience database read path and
// hands the store to fn. The stores commands require an on-disk store;
// an in-memory config has nothing to inspect.
func withStore(fn func(*experience.Store) error) error {
	if cfg.Paths.StoreDir == "" {
		return fmt.Errorf("store_dir is not configured; nothing to inspect")
	}
	db, err := badger.Open(badger.DefaultOptions(cfg.Paths.StoreDir).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("open experience store: %w", err)
	}
	defer db.Close()

	store, err := experience.NewStore(db)
	if err != nil {
		return err
	}
	return fn(store)
}

func init() {
	storesShowCmd.Flags().StringVar(&flagStoreRole, "role", experience.RoleCritic, "role to show")
	storesCmd.AddCommand(storesListCmd)
	storesCmd.AddCommand(storesShowCmd)
	storesCmd.AddCommand(storesExportCmd)
}

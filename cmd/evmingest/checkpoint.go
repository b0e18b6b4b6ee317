package main

import (
	"fmt"
	"strconv"

	"evmingest/internal/config"
	"evmingest/internal/infrastructure/storage"

	"github.com/spf13/cobra"
)

func newCheckpointCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or advance the stored checkpoint",
	}
	cmd.PersistentFlags().StringVar(&key, "key", "", "checkpoint key (default CHECKPOINT_KEY)")

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the last processed block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, repo, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()

			position, ok, err := repo.Checkpoint(cmd.Context(), checkpointKey(cfg, key))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "none")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), position)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <block>",
		Short: "Advance the checkpoint; lower values are ignored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid block %q: %w", args[0], err)
			}
			cfg, repo, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer repo.Close()

			name := checkpointKey(cfg, key)
			if err := repo.SetCheckpoint(cmd.Context(), name, position); err != nil {
				return err
			}
			stored, _, err := repo.Checkpoint(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), stored)
			return nil
		},
	})
	return cmd
}

func openStore(cmd *cobra.Command) (config.Config, storage.Backend, error) {
	cfg, err := config.LoadStorageFromEnv()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	repo, err := storage.Open(cmd.Context(), cfg.DBDSN)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, repo, nil
}

func checkpointKey(cfg config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.CheckpointKey
}

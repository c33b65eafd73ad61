package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stokkr/foreman/internal/adapters/backlog"
	"github.com/stokkr/foreman/internal/config"
	"github.com/stokkr/foreman/internal/core"
	"github.com/stokkr/foreman/internal/logging"
)

var releaseCmd = &cobra.Command{
	Use:   "release <item-id>",
	Short: "Drop a stale claim on a backlog item",
	Long: `release removes the claim marker from an item so another run can pick
it up. Use this after a crashed or interrupted run left items claimed
but unfinished.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoaderWithViper(viper.GetViper())
		if cfgFile != "" {
			loader.WithConfigFile(cfgFile)
		}
		cfg, err := loader.Load()
		if err != nil {
			return err
		}

		logger := logging.New(logging.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
		})

		var opts []backlog.Option
		if cfg.Backlog.ClaimLabel != "" {
			opts = append(opts, backlog.WithClaimLabel(cfg.Backlog.ClaimLabel))
		}
		client, err := backlog.NewClient(cfg.Backlog.Repo, logger, opts...)
		if err != nil {
			return err
		}

		id := core.ItemID(args[0])
		if err := client.Release(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Released claim on item %s.\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(releaseCmd)
}

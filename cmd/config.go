package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/getmodelgate/modelgate/pkg/config"
)

var configPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Write a default config file to edit by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("refusing to overwrite existing config at %s", configPath)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(configPath, config.Default()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", configPath)
			return nil
		},
	}
	configCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Config TOML path")
	rootCmd.AddCommand(configCmd)
}

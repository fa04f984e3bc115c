package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zjrosen/servhost/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit the configuration file",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file in use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), configTarget())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one key in the configuration file",
	Long: `Set a dotted key in the configuration file, keeping its comments.

Examples:
  servhost config set server.addr 127.0.0.1:9000
  servhost config set watch.debounce 2s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := configTarget()
		if err := config.SetKey(target, args[0], args[1]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (%s)\n", args[0], args[1], target)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configPathCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// configTarget is the file loaded at startup, or the user config path when
// none was loaded.
func configTarget() string {
	if cfgUsed != "" {
		return cfgUsed
	}
	return filepath.Join(config.UserConfigDir(), "config.yaml")
}

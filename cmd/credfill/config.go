package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conductor/credfill/internal/config"
)

// configCmd is the parent command for config operations
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect credfill configuration",
}

// configShowCmd shows the effective configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Display the configuration after the config file, environment variables
and flags have been applied.`,
	Example: `  credfill config show
  credfill config show -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		path := configFile
		if path == "" {
			path = getenv("CREDFILL_CONFIG")
		}
		if path == "" {
			path = config.DefaultPath()
		}

		if outputFormat == "json" {
			return writeJSON(out, map[string]interface{}{
				"file":   path,
				"config": env.cfg,
			})
		}

		data, err := yaml.Marshal(env.cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}

		fmt.Fprintf(out, "%s %s\n\n", Bold("Config file:"), path)
		fmt.Fprint(out, string(data))
		return nil
	},
}

// configPathCmd shows the config file path
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = getenv("CREDFILL_CONFIG")
		}
		if path == "" {
			path = config.DefaultPath()
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

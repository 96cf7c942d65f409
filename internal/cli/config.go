package cli

import (
	"fmt"

	"github.com/harun/ctxlab/internal/config"
	"github.com/spf13/cobra"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), config.NewLoader(cfgFile).GetConfigPath())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), redactConfig(cfg).String())
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK (%s)\n", config.NewLoader(cfgFile).GetConfigPath())
	return nil
}

// redactConfig returns a copy of cfg with credentials masked.
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Backend.APIKey != "" {
		out.Backend.APIKey = redacted
	}
	if out.Gateway.SharedSecret != "" {
		out.Gateway.SharedSecret = redacted
	}
	return &out
}

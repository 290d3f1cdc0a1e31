package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joetifa2003/universal/internal/config"
)

var validateCmd = &cobra.Command{
	Use:     "validate <file>",
	Aliases: []string{"lint"},
	Short:   "Validate a configuration file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		cfg, err := config.Load(path, nil)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file %s is valid\n", path)
		fmt.Fprint(cmd.OutOrStdout(), renderConfigSummary(cfg))
		return nil
	},
}

func renderConfigSummary(cfg *config.Config) string {
	var summary strings.Builder

	summary.WriteString("\nConfig Summary:\n")
	summary.WriteString(fmt.Sprintf("- Listen: %s\n", cfg.Listen))
	summary.WriteString(fmt.Sprintf("- Engine: %s x%d\n", cfg.Engine, cfg.Engines))
	summary.WriteString(fmt.Sprintf("- Routes: %s\n", strings.Join(cfg.Routes, ", ")))
	summary.WriteString(fmt.Sprintf("- Live reload: %t\n", cfg.LiveReload))

	return summary.String()
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joetifa2003/universal/internal/config"
	"github.com/joetifa2003/universal/internal/logging"
)

// Version is set during build using ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "universal",
	Short:        "Universal SSR host",
	Long:         `Serves server-side rendered pages from an Angular Universal server bundle.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the --config file, applies the flags the user set and
// validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, fmt.Errorf("--config flag is required")
	}

	overrides := map[string]any{}
	logOverrides := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		v, _ := flags.GetString("listen")
		overrides["listen"] = v
	}
	if flags.Changed("engines") {
		v, _ := flags.GetInt("engines")
		overrides["engines"] = v
	}
	if flags.Changed("log-level") {
		v, _ := flags.GetString("log-level")
		logOverrides["level"] = v
	}
	if flags.Changed("log-format") {
		v, _ := flags.GetString("log-format")
		logOverrides["format"] = v
	}
	if len(logOverrides) > 0 {
		overrides["log"] = logOverrides
	}

	cfg, err := config.Load(path, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	handler, err := logging.NewHandler(cfg.Log.Level, cfg.Log.Format, w)
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

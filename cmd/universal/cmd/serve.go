package cmd

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/robbyt/go-supervisor/runnables/httpserver"
	"github.com/robbyt/go-supervisor/supervisor"
	"github.com/spf13/cobra"

	"github.com/joetifa2003/universal"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SSR server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := newLogger(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		renderer, err := newRenderer(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create renderer: %w", err)
		}

		handler, err := universal.NewHandler(renderer,
			universal.WithRoutes(cfg.Routes...),
			universal.WithCharset(cfg.Charset),
			universal.WithHandlerLogger(logger.With("component", "handler")),
		)
		if err != nil {
			return fmt.Errorf("failed to create handler: %w", err)
		}

		// everything that is not a rendered route comes from the browser build
		static := http.FileServer(http.Dir(filepath.Dir(cfg.IndexPath)))
		route, err := httpserver.NewRouteFromHandlerFunc(
			"universal", "/", handler.Middleware(static).ServeHTTP)
		if err != nil {
			return fmt.Errorf("failed to create route: %w", err)
		}

		configCallback := func() (*httpserver.Config, error) {
			return httpserver.NewConfig(cfg.Listen, []httpserver.Route{*route},
				httpserver.WithWriteTimeout(cfg.Timeout()+cfg.Timeout()/2),
			)
		}
		server, err := httpserver.NewRunner(httpserver.WithConfigCallback(configCallback))
		if err != nil {
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}

		// renderer first so pages can be rendered once the listener is up
		super, err := supervisor.New(
			supervisor.WithContext(cmd.Context()),
			supervisor.WithLogHandler(logger.Handler()),
			supervisor.WithRunnables(renderer, server),
		)
		if err != nil {
			return fmt.Errorf("failed to create supervisor: %w", err)
		}

		logger.Info("Starting universal server", "listen", cfg.Listen, "engine", cfg.Engine, "engines", cfg.Engines)
		if err := super.Run(); err != nil {
			return fmt.Errorf("failed to run server: %w", err)
		}

		logger.Info("Server shutdown complete")
		return nil
	},
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to TOML configuration file")
	cmd.Flags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().String("log-format", "", "Log format (text, json)")
}

func init() {
	addConfigFlags(serveCmd)
	serveCmd.Flags().StringP("listen", "l", "", "Address to listen on")
	serveCmd.Flags().IntP("engines", "e", 0, "Number of render engines")
	rootCmd.AddCommand(serveCmd)
}

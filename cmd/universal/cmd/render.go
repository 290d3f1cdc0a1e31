package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var renderCmd = &cobra.Command{
	Use:   "render <uri>",
	Short: "Render a single page to stdout",
	Args:  cobra.ExactArgs(1),
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

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		runErr := make(chan error, 1)
		go func() { runErr <- renderer.Run(ctx) }()

		if err := waitRunning(ctx, renderer, runErr); err != nil {
			return err
		}

		html, err := renderer.Render(ctx, args[0])
		renderer.Stop()
		<-runErr
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", args[0], err)
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), html)
		return err
	},
}

type runningChecker interface {
	IsRunning() bool
}

func waitRunning(ctx context.Context, r runningChecker, runErr <-chan error) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !r.IsRunning() {
		select {
		case err := <-runErr:
			if err == nil {
				err = errors.New("renderer stopped before it was ready")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func init() {
	addConfigFlags(renderCmd)
	rootCmd.AddCommand(renderCmd)
}

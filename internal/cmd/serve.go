package cmd

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/phoebed/internal/api"
	"github.com/Iron-Ham/phoebed/internal/config"
	"github.com/Iron-Ham/phoebed/internal/logging"
	"github.com/Iron-Ham/phoebed/internal/orchestrator"
)

// shutdownTimeout bounds full teardown at exit: every live worker must be
// stopped and every port released within this window.
const shutdownTimeout = 60 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the phoebed daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Close()

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}
	orch.Start()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := api.New(addr, orch, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err.Error())
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("orchestrator shutdown incomplete: %w", err)
	}
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serverShutdownTimeout bounds how long in-flight API requests may drain.
const serverShutdownTimeout = 10 * time.Second

// errPollerStopped reports that the poller gave up after repeated failures.
var errPollerStopped = errors.New("poller stopped after repeated failures")

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poller, cache sweeper and HTTP API until interrupted",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)
	logger := a.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: a.Config.Server.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.Sweeper.Run(sweepCtx)

	runErr := a.Poller.Run(ctx)
	interrupted := ctx.Err() != nil
	stopSweep()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	if runErr != nil {
		return fmt.Errorf("run poller: %w", runErr)
	}
	if !interrupted {
		return errPollerStopped
	}
	return nil
}

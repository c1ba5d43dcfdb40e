package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"taskboard/internal/app"
	"taskboard/internal/observability"
)

var skipMigrate bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the taskboard automation server",
	RunE:  run,
}

func init() {
	runCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not auto-migrate the database on start")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}

	a, err := app.New(cfg, logger, !skipMigrate)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           a.Router(Version),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var startErr error
	select {
	case <-ctx.Done():
	case startErr = <-serveErr:
		if startErr != nil {
			logger.Errorf("Server failed to start: %v", startErr)
		}
	}
	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	a.Close(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warnf("tracing shutdown: %v", err)
	}

	logger.Info("Server exited")
	return startErr
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "quill",
	Short:         "Quill template engine",
	Long:          "Quill resolves templates with variables, loops, includes and sandboxed scripts.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "path to the JSON config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level string, w *os.File) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

// serve runs server cycles until a shutdown is requested by the API or an OS signal.
func serve(path string) error {
	baseLogger := newLogger("info", os.Stdout)

	actionChan := make(chan string, 1)

	go func() {
		osSignalChan := make(chan os.Signal, 1)
		signal.Notify(osSignalChan, syscall.SIGINT, syscall.SIGTERM)
		<-osSignalChan
		baseLogger.Info("OS signal received, initiating shutdown.")
		actionChan <- actionShutdown
	}()

	for {
		action, err := run(path, actionChan)
		if err != nil {
			baseLogger.Error("An error occurred during server run, shutting down.", "error", err)
			return err
		}
		if action != actionRestart {
			break
		}
		baseLogger.Info("--- Server Restarting ---")
	}

	baseLogger.Info("Quill has shut down.")
	return nil
}

// run hosts the API server and returns whenever it is shut down or restarted.
func run(path string, actionChan chan string) (string, error) {
	cm, err := NewConfigManager(path)
	if err != nil {
		return "", fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := cm.Get()

	logger := newLogger(cfg.Server.LogLevel, os.Stdout)
	logger.Info("Starting server cycle...", "store", cfg.Server.StoreBackend)

	if err = os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	server, err := NewServer(ctx, cm, logger, actionChan)
	if err != nil {
		return "", fmt.Errorf("failed to create server object: %w", err)
	}

	apiHttpServer := &http.Server{
		Addr:              cfg.Server.ApiAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting api server", "address", apiHttpServer.Addr)
		if err := apiHttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Api server failed", "error", err)
		}
	}()

	action := <-actionChan // Block here until API or OS signal sends an action.

	logger.Info("Stopping server for " + action + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = apiHttpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Api server shutdown failed", "error", err)
	}
	stop()
	logger.Info("HTTP server stopped.")

	if err = server.Close(); err != nil {
		logger.Error("Failed to close storage", "error", err)
	}

	return action, nil
}

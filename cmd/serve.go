package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/tsr/internal/api"
	"github.com/joescharf/tsr/internal/daemon"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server exposing the report API under /api/v1/tsr and
Prometheus metrics under /metrics. By default it listens on port 8090.

Use 'tsr serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8090, "port to listen on")
	_ = viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "tsr-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "tsr-serve.log")
}

func serveRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	engine, err := newEngine()
	if err != nil {
		return err
	}

	var summarizer api.Summarizer
	if c := newLLMClient(); c != nil {
		summarizer = c
	}
	srv := api.NewServer(s, engine, summarizer)

	addr := fmt.Sprintf(":%d", viper.GetInt("serve.port"))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	ui.Info("Serving API at http://localhost%s/api/v1/tsr", addr)
	slog.Info("server started", "addr", addr, "db", viper.GetString("db_path"))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would start server on port %d", viper.GetInt("serve.port"))
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	if err := os.MkdirAll(viper.GetString("state_dir"), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve", "--port", strconv.Itoa(viper.GetInt("serve.port"))}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.Acquire(child.Process.Pid); err != nil {
		_ = child.Process.Kill()
		return fmt.Errorf("record server pid: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server started (pid %d) on port %d", child.Process.Pid, viper.GetInt("serve.port"))
	ui.VerboseLog("Log: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	if dryRun {
		pid, running := pf.IsRunning()
		if !running {
			return fmt.Errorf("server not running")
		}
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	pid, err := pf.Stop(ctx, sigTERM(), sigKILL())
	switch {
	case errors.Is(err, daemon.ErrNotRunning):
		return fmt.Errorf("server %w", daemon.ErrNotRunning)
	case errors.Is(err, context.DeadlineExceeded):
		ui.Warning("Server (pid %d) did not exit in %s and was killed", pid, shutdownTimeout)
		return nil
	case err != nil:
		return fmt.Errorf("stop server: %w", err)
	}
	ui.Success("Server stopped (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server not running")
		return nil
	}
	ui.Success("Server running (pid %d)", pid)
	ui.VerboseLog("Log: %s", serveLogPath())
	return nil
}

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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crew/internal/api"
	"github.com/joescharf/crew/internal/daemon"
	"github.com/joescharf/crew/internal/events"
	"github.com/joescharf/crew/internal/reconcile"
	"github.com/joescharf/crew/internal/relay"
	"github.com/joescharf/crew/internal/sessions"
	"github.com/joescharf/crew/internal/store"
	"github.com/joescharf/crew/internal/supervisor"
)

var (
	serveDetach bool
	serveStop   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the crew daemon",
	Long: `Run the session daemon: spawns agent processes on pseudo-terminals,
persists session records, reconciles status against process liveness,
and serves the HTTP/WebSocket API the other commands talk to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveStop {
			return serveStopRun()
		}
		if serveDetach {
			return serveDetachRun()
		}
		return serveRun(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "Run the daemon in the background")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "Stop a running daemon")
	serveCmd.Flags().String("listen", "", "Listen address (default 127.0.0.1:7333)")
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	rootCmd.AddCommand(serveCmd)
}

// serveStopRun shuts down a detached daemon via its pid file.
func serveStopRun() error {
	pidFile := daemon.NewPIDFile(viper.GetString("pid_path"))
	pid, running := pidFile.IsRunning()
	if !running {
		ui.Info("Daemon is not running.")
		return nil
	}
	if err := pidFile.Stop(); err != nil {
		return fmt.Errorf("stop daemon (pid %d): %w", pid, err)
	}
	ui.Success("Daemon stopped (pid %d)", pid)
	return nil
}

// serveDetachRun re-executes crew serve detached from the terminal.
func serveDetachRun() error {
	pidFile := daemon.NewPIDFile(viper.GetString("pid_path"))
	if pid, running := pidFile.IsRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	child := exec.Command(exe, "serve")
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ui.Success("Daemon started (pid %d)", child.Process.Pid)
	return nil
}

func serveRun(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	s, err := store.NewSQLiteStore(viper.GetString("db_path"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = s.Close() }()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	pidFile := daemon.NewPIDFile(viper.GetString("pid_path"))
	if pid, running := pidFile.IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if err := pidFile.Write(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = pidFile.Remove() }()

	bus := events.NewBus(logger)
	sup := supervisor.New(bus, viper.GetDuration("kill_grace"), logger)
	reg := relay.NewRegistry(relay.Options{
		BufferBytes:     viper.GetInt("relay.buffer_bytes"),
		SubscriberQueue: viper.GetInt("relay.subscriber_queue"),
	}, logger)

	agent := sessions.AgentConfig{
		Command:      viper.GetString("agent.command"),
		Args:         viper.GetStringSlice("agent.args"),
		Dir:          viper.GetString("agent.dir"),
		ResumeFlag:   viper.GetString("agent.resume_flag"),
		TokenPattern: viper.GetString("agent.token_pattern"),
	}
	mgr, err := sessions.NewManager(s, sup, reg, bus, agent, logger)
	if err != nil {
		return fmt.Errorf("configure session manager: %w", err)
	}

	engine := reconcile.New(s, sup, bus, viper.GetDuration("reconcile.interval"), logger)
	srv := api.NewServer(engine, mgr, reg, bus, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mgr.Run(runCtx)
	go engine.Run(runCtx)

	httpServer := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon listening", "addr", httpServer.Addr, "db", viper.GetString("db_path"))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	sup.Shutdown(shutdownCtx)

	return nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

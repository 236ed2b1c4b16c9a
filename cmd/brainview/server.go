package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/brainview/internal/api"
	"github.com/kalambet/brainview/internal/brainns"
	"github.com/kalambet/brainview/internal/config"
	"github.com/kalambet/brainview/internal/segjob"
	"github.com/kalambet/brainview/internal/storage"
	"github.com/kalambet/brainview/internal/viewer"
	"github.com/kalambet/brainview/internal/viewport"
	"github.com/kalambet/brainview/internal/volume"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the brainview daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running brainview daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show brainview daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "brainview.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func pollInterval(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid tracker poll interval, using default 2s", "value", raw, "error", err)
		return 2 * time.Second
	}
	return d
}

func runServer(ctx context.Context, mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "brainview version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))
	logger := slog.Default()

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("brainview is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("brainview is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	backend := brainns.New(cfg.BrainNS.BaseURL, cfg.BrainNS.APIToken)

	tracker := segjob.NewTracker(backend, segjob.Options{
		Interval:    pollInterval(cfg.Tracker.PollInterval),
		MaxFailures: cfg.Tracker.MaxFailures,
		Logger:      logger.With("component", "tracker"),
	})
	cache := volume.NewCache(backend, volume.Options{
		MaxSubjects:    cfg.Cache.MaxSubjects,
		MaxLabelBuilds: cfg.Cache.MaxLabelBuilds,
		Assembler: volume.DefaultAssembler{
			Stack: volume.StackAssembler{Rows: cfg.Volume.SliceRows, Cols: cfg.Volume.SliceCols},
		},
		Logger: logger.With("component", "cache"),
	})
	syncer := viewport.New(viewport.NewHeadlessRenderer(), viewport.Options{
		Colormap: cfg.Viewer.Colormap,
		Logger:   logger.With("component", "viewport"),
	})
	session := viewer.NewSession(cache, syncer, backend, backend, viewer.Options{
		Colormap: cfg.Viewer.Colormap,
		AutoLoad: cfg.Viewer.AutoLoad,
		Logger:   logger.With("component", "viewer"),
	})

	// Persist first so an auto-load never races ahead of the record.
	tracker.Subscribe(api.NewRecorder(store, logger))
	tracker.OnDrop(api.NewDropRecorder(store, logger))
	tracker.Subscribe(session.OnJobChange)

	resumed, err := api.ResumeTracked(store, tracker)
	if err != nil {
		return fmt.Errorf("resuming tracked jobs: %w", err)
	}
	if resumed > 0 {
		slog.Info("resumed tracked jobs", "count", resumed)
	}
	tracker.Start(ctx)
	defer func() {
		tracker.StopAll()
		session.Wait()
	}()

	deps := api.AppDeps{
		Store:     store,
		Tracker:   tracker,
		Cache:     cache,
		Session:   session,
		Viewports: syncer,
		Predictor: backend,
		Token:     apiToken,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "brainview listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.NavigateAway(shutdownCtx); err != nil {
		slog.Warn("detaching viewports", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("brainview is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop brainview (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to brainview (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.BrainNS.BaseURL)
	printStatus("Poll interval", "%s", cfg.Tracker.PollInterval)

	if running {
		token, tokenErr := config.GetAPIToken(config.NewKeychain())
		if tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			if jobs, err := listJobs(ctx, c, true, 1000); err == nil {
				printStatus("Tracked jobs", "%d", len(jobs))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

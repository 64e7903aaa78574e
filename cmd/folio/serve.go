package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/folio/internal/api"
	"github.com/kalambet/folio/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with an in-process worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWorker, _ := cmd.Flags().GetBool("no-worker")
		skipCheck, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(noWorker, skipCheck)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone job worker against the shared database",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		drain, _ := cmd.Flags().GetBool("drain")
		skipCheck, _ := cmd.Flags().GetBool("skip-model-check")
		return runWorker(once, drain, skipCheck)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		withWorker, _ := cmd.Flags().GetBool("worker")
		return runMCP(withWorker)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running folio server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show folio system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("no-worker", false, "serve the API only; jobs are processed by `folio worker`")
	serveCmd.Flags().Bool("skip-model-check", false, "do not check or pull local Ollama models at startup")
	workerCmd.Flags().Bool("once", false, "process at most one job and exit")
	workerCmd.Flags().Bool("drain", false, "process jobs until the queue is empty and exit")
	workerCmd.Flags().Bool("skip-model-check", false, "do not check or pull local Ollama models at startup")
	mcpCmd.Flags().Bool("worker", false, "also run the job worker in this process")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "folio.pid")
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

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func serverAddr(cfg config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func runServer(noWorker, skipCheck bool) error {
	fmt.Fprintf(os.Stderr, "folio version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Server.APIToken == "" && !isLoopback(cfg.Server.Host) {
		return fmt.Errorf("server.api_token is required when listening on %s", cfg.Server.Host)
	}

	addr := serverAddr(cfg)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	pidPath := pidFilePath(cfg.Storage.DataDir)
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("folio is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", addr)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipCheck {
		if err := a.ensureModels(ctx, os.Stderr); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Service: a.service,
			Token:   cfg.Server.APIToken,
			Reload:  a.reloadFromDisk,
			Logger:  a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("folio listening", "addr", addr, "auth", cfg.Server.APIToken != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if !noWorker {
		g.Go(func() error {
			a.runtime.Run(gctx)
			return nil
		})
	}
	startReloaders(gctx, g, a)

	return g.Wait()
}

// startReloaders watches the config file and SIGHUP. Both apply the same
// runtime-reloadable subset of the configuration.
func startReloaders(ctx context.Context, g *errgroup.Group, a *app) {
	apply := func(cfg config.Config) {
		if err := a.reload(cfg); err != nil {
			a.logger.Error("config reload failed", "error", err)
			return
		}
		a.logger.Info("configuration reloaded",
			"generation", cfg.Providers.Generation,
			"embedding", cfg.Providers.Embedding,
			"log_level", cfg.Log.Level)
	}

	if w, err := config.NewWatcher(config.FilePath(), apply, a.logger); err != nil {
		a.logger.Warn("config file watching disabled", "error", err)
	} else {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				cfg, err := config.Load()
				if err != nil {
					a.logger.Error("config reload rejected", "error", err)
					continue
				}
				apply(cfg)
			}
		}
	})
}

func runWorker(once, drain, skipCheck bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipCheck {
		if err := a.ensureModels(ctx, os.Stderr); err != nil {
			return err
		}
	}

	switch {
	case once:
		ran, err := a.runtime.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ran {
			printStatus("Worker", "queue empty")
		}
		return nil
	case drain:
		n, err := a.runtime.Drain(ctx)
		printStatus("Worker", "processed %d job(s)", n)
		return err
	}

	a.logger.Info("worker started", "id", a.runtime.ID(), "concurrency", cfg.Worker.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.runtime.Run(gctx)
		return nil
	})
	startReloaders(gctx, g, a)
	return g.Wait()
}

func runMCP(withWorker bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr and the log file only.
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if withWorker {
		g.Go(func() error {
			a.runtime.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: a.service, Version: version})
		a.logger.Info("MCP server started (stdio transport)")
		err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		stop()
		return nil
	})
	return g.Wait()
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
		printError("folio is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop folio (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to folio (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	addr := serverAddr(cfg)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on %s", addr)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	if cfg.Providers.Generation == "ollama" || cfg.Providers.Embedding == "ollama" {
		if r, err := client.Get(cfg.Providers.OllamaURL + "/api/version"); err != nil {
			printStatus("Ollama", "not running")
		} else {
			r.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Providers.OllamaURL)
		}
	}

	printStatus("Generation", "%s (%s, large context %s)", cfg.Providers.Generation, cfg.Models.Default, cfg.Models.LargeContext)
	printStatus("Embedding", "%s (%s)", cfg.Providers.Embedding, cfg.Models.Embedding)
	printStatus("Transcription", "%s (%s)", cfg.Transcription.URL, cfg.Models.Transcription)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.FilePath())
	return nil
}

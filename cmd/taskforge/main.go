package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sentinelops/taskforge/pkg/agent"
	"github.com/sentinelops/taskforge/pkg/api"
	"github.com/sentinelops/taskforge/pkg/gateway"
	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/manager"
	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/runtime"
	"github.com/sentinelops/taskforge/pkg/storage"
	"github.com/sentinelops/taskforge/pkg/translator"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Taskforge - hierarchical task orchestrator for sandboxed security assessments",
	Long: `Taskforge decomposes high-level assessment objectives into a tree of
sub-tasks, drives each leaf through an LLM-guided executor inside a
sandboxed container, and exposes the whole run over an HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Taskforge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its HTTP API",
	Long: `Start the task manager, the reconcile loop, and the HTTP API.

Model access is configured through the environment (LLM_BASE_URL,
LLM_API_KEY, LLM_MODEL), optionally loaded from a .env file. Runtime
limits come from the environment too and may be overlaid from a YAML
file with --limits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		workDir, _ := cmd.Flags().GetString("work-dir")
		logDir, _ := cmd.Flags().GetString("log-dir")
		limitsFile, _ := cmd.Flags().GetString("limits")
		container, _ := cmd.Flags().GetString("container")
		socket, _ := cmd.Flags().GetString("containerd-socket")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		// Missing .env is fine; the environment may already be set.
		_ = godotenv.Load()

		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
		logger := log.WithComponent("main")

		l := limits.Init()
		if limitsFile != "" {
			var err error
			l, err = limits.FromFile(limitsFile, l)
			if err != nil {
				return err
			}
			limits.Set(l)
		}

		baseURL := os.Getenv("LLM_BASE_URL")
		model := os.Getenv("LLM_MODEL")
		if baseURL == "" || model == "" {
			return fmt.Errorf("LLM_BASE_URL and LLM_MODEL must be set")
		}

		counters := metrics.Default

		llm := gateway.New(gateway.Config{
			URL:    baseURL,
			APIKey: os.Getenv("LLM_API_KEY"),
			Model:  model,
		}, counters)

		runner, err := runtime.NewContainerdRunner(socket, container, counters)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %w", err)
		}
		defer runner.Close()

		pingCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		err = runner.Ping(pingCtx)
		cancel()
		if err != nil {
			// Keep serving; the container may come up later and the API
			// should stay reachable for status reads either way.
			logger.Warn().Err(err).Str("container", container).Msg("sandbox container not reachable yet")
		} else {
			logger.Info().Str("container", container).Msg("sandbox container ready")
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		mgr, err := manager.New(manager.Config{
			WorkDir:  workDir,
			LogDir:   logDir,
			LLM:      llm,
			Executor: agent.New(llm, runner, counters),
			Store:    store,
			Counters: counters,
		})
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		mgr.Start()

		apiServer := api.NewServer(api.Config{
			Manager:    mgr,
			Translator: translator.New(llm),
			Counters:   counters,
		})
		errCh := make(chan error, 1)
		go func() {
			errCh <- apiServer.Start(listenAddr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("api server stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("api shutdown incomplete")
		}
		if err := mgr.Close(); err != nil {
			logger.Warn().Err(err).Msg("manager shutdown incomplete")
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:8080", "Address for the HTTP API")
	serveCmd.Flags().String("data-dir", "./taskforge-data", "Directory for the bbolt archive")
	serveCmd.Flags().String("work-dir", "./taskforge-data/work", "Directory for per-task diagram files")
	serveCmd.Flags().String("log-dir", "./taskforge-data/logs", "Directory for per-node log files")
	serveCmd.Flags().String("limits", "", "Optional YAML file overlaying the runtime limits")
	serveCmd.Flags().String("container", "taskforge-sandbox", "Name of the sandbox container")
	serveCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "Path to the containerd socket")
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
}

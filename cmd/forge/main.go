package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/forge/internal/api"
	"github.com/terrpan/forge/internal/artifact"
	"github.com/terrpan/forge/internal/build"
	"github.com/terrpan/forge/internal/buildfile"
	"github.com/terrpan/forge/internal/buildinfo"
	"github.com/terrpan/forge/internal/buildlog"
	"github.com/terrpan/forge/internal/cancel"
	"github.com/terrpan/forge/internal/config"
	"github.com/terrpan/forge/internal/content"
	"github.com/terrpan/forge/internal/dind"
	"github.com/terrpan/forge/internal/executor"
	"github.com/terrpan/forge/internal/executor/local"
	"github.com/terrpan/forge/internal/gitmeta"
	"github.com/terrpan/forge/internal/health"
	"github.com/terrpan/forge/internal/otel"
	"github.com/terrpan/forge/internal/runner"
	"github.com/terrpan/forge/internal/store"
	"github.com/terrpan/forge/internal/worker"
)

var (
	cfgPath       string
	flagOverrides config.Config

	runDir           string
	runConfiguration string
	runProfiles      []string
	runVars          []string
	runUseDocker     bool

	verifyRef string

	serveListen string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forge -- script-driven build runner with local and container execution",
	Long: `forge loads a forge.yaml build definition, compiles it into an ordered
step list, and executes the steps sequentially on the host or inside a
throwaway container. Builds that invoke Docker operations are detected
up front and run in a privileged container automatically.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	Version:      buildinfo.Version,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rf := runCmd.Flags()
	rf.StringVarP(&runDir, "dir", "d", ".", "Directory containing the build definition")
	rf.StringVarP(&runConfiguration, "configuration", "c", "", "Build configuration name (e.g. debug, release)")
	rf.StringSliceVarP(&runProfiles, "profile", "p", nil, "Active profiles (repeatable)")
	rf.StringSliceVar(&runVars, "var", nil, "Variable override as key=value (repeatable)")
	rf.BoolVar(&runUseDocker, "docker", false, "Run inside a container even when no step requires it")

	scanCmd.Flags().StringVarP(&runDir, "dir", "d", ".", "Directory containing the build definition")
	verifyCmd.Flags().StringVarP(&runDir, "dir", "d", ".", "Directory containing the build definition")
	verifyCmd.Flags().StringVar(&verifyRef, "ref", "", "Verify the definition at this git ref in the configured GitHub repository")

	sf := serveCmd.Flags()
	sf.StringVar(&serveListen, "listen", ":8080", "Address the build service listens on")
	sf.Int64Var(&flagOverrides.Pool.Workers, "workers", 0, "Number of concurrent build workers")

	rootCmd.AddCommand(runCmd, verifyCmd, scanCmd, serveCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Pool.Workers != 0 {
		cfg.Pool.Workers = flagOverrides.Pool.Workers
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseVars splits --var key=value pairs.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q (expected key=value)", p)
		}
		vars[k] = v
	}
	return vars, nil
}

// ---------------------------------------------------------------------------
// forge run
// ---------------------------------------------------------------------------

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the build definition in the given directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancelFn := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancelFn()
		return runBuild(ctx)
	},
}

func runBuild(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	rootDir, err := filepath.Abs(runDir)
	if err != nil {
		return fmt.Errorf("resolving build directory: %w", err)
	}

	scriptPath := filepath.Join(rootDir, buildfile.DefaultScriptName)
	text, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("reading build definition: %w", err)
	}

	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 1. Scan for privileged requirements
	// ---------------------------------------------------------------
	// The scan walks the checked-out tree by absolute path, so it
	// always reads through the local provider.
	required, err := dind.New(content.Local{}, logger).Scan(ctx, scriptPath)
	if err != nil {
		return fmt.Errorf("privileged-requirement scan: %w", err)
	}
	privileged := len(required) > 0 || os.Getenv("FORGE_PRIVILEGED") == "1"

	// ---------------------------------------------------------------
	// 2. Load the script against a local binding
	// ---------------------------------------------------------------
	tempDir, err := os.MkdirTemp("", "forge-build-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	merged := gitmeta.Variables(rootDir, logger)
	for k, v := range vars {
		merged[k] = v
	}

	depth := 0
	if d, derr := strconv.Atoi(os.Getenv("FORGE_DEPTH")); derr == nil && d > 0 {
		depth = d
	}

	blog := buildlog.NewSlog(logger, depth)
	bind := executor.NewBinding(local.New(logger))

	bctx, err := buildfile.Load(text, rootDir, bind, buildfile.Options{
		Configuration: runConfiguration,
		Profiles:      runProfiles,
		Variables:     merged,
		TempDir:       tempDir,
		Depth:         depth,
		Privileged:    privileged,
	}, blog)
	if err != nil {
		var cerr *buildfile.CompilationError
		if errors.As(err, &cerr) {
			for _, d := range cerr.Diagnostics {
				fmt.Fprintf(os.Stderr, "%s: %s\n", d.Path, d.Message)
			}
		}
		return err
	}

	// ---------------------------------------------------------------
	// 3. Select the executor
	// ---------------------------------------------------------------
	// Nested invocations stay on the host: the parent already placed
	// this process inside the build container.
	useDocker := depth == 0 &&
		(runUseDocker || cfg.Executor.Type == "docker" || privileged)

	var containerExec worker.ContainerExecutor
	if useDocker {
		factory := cfg.NewDockerFactory(logger)
		containerExec, err = factory(ctx, rootDir, privileged)
		if err != nil {
			return fmt.Errorf("starting build container: %w", err)
		}
		defer func() {
			if cerr := containerExec.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Error("build container cleanup failed", slog.String("error", cerr.Error()))
			}
		}()
		if err := bind.Swap(containerExec); err != nil {
			return err
		}
	}

	// ---------------------------------------------------------------
	// 4. Run
	// ---------------------------------------------------------------
	result := runner.New(runner.Config{Logger: blog}).Run(ctx, filepath.Base(rootDir), bctx)

	if result.Succeeded() {
		var copier artifact.Copier
		if containerExec != nil {
			copier = containerExec
		}
		if _, aerr := artifact.New(blog).Extract(ctx, bctx.Artifacts, copier, rootDir); aerr != nil {
			logger.Warn("some artifacts failed to extract", slog.String("error", aerr.Error()))
		}
	}

	switch result.Status {
	case build.Succeeded:
		return nil
	case build.Cancelled:
		return fmt.Errorf("build cancelled after %d steps", result.StepsRun)
	default:
		return fmt.Errorf("build failed at step %q", result.FailedStep)
	}
}

// ---------------------------------------------------------------------------
// forge verify
// ---------------------------------------------------------------------------

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the build definition for errors without executing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		scriptPath := filepath.Join(runDir, buildfile.DefaultScriptName)

		var text []byte
		var err error
		if verifyRef != "" {
			// Verify a definition in the configured remote repository
			// without checking it out. The path is repo-relative.
			text, err = readRemoteDefinition(cmd.Context(), scriptPath)
		} else {
			text, err = os.ReadFile(scriptPath)
		}
		if err != nil {
			return fmt.Errorf("reading build definition: %w", err)
		}

		diags := buildfile.Verify(text)
		if len(diags) == 0 {
			fmt.Printf("%s: ok\n", scriptPath)
			return nil
		}
		for _, d := range diags {
			fmt.Fprintf(os.Stderr, "%s: %s\n", d.Path, d.Message)
		}
		return fmt.Errorf("%d problem(s) found", len(diags))
	},
}

// readRemoteDefinition fetches a build definition from the configured
// GitHub repository at the given ref.
func readRemoteDefinition(ctx context.Context, scriptPath string) ([]byte, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "" {
		return nil, errors.New("--ref requires github.owner and github.repo in the configuration")
	}
	provider, err := cfg.NewContentProvider(ctx)
	if err != nil {
		return nil, err
	}
	return provider.GetFileContent(ctx, verifyRef, filepath.ToSlash(scriptPath))
}

// ---------------------------------------------------------------------------
// forge scan
// ---------------------------------------------------------------------------

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Report which operations require privileged container access",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := cfg.NewLogger()

		scriptPath := filepath.Join(runDir, buildfile.DefaultScriptName)
		required, err := dind.New(content.Local{}, logger).Scan(cmd.Context(), scriptPath)
		if err != nil {
			return err
		}

		if len(required) == 0 {
			fmt.Println("no privileged operations detected")
			return nil
		}
		for _, op := range required.Values() {
			fmt.Println(op)
		}
		return nil
	},
}

// ---------------------------------------------------------------------------
// forge serve
// ---------------------------------------------------------------------------

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build service: accept builds over HTTP and execute them on a worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancelFn := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancelFn()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("executor", cfg.Executor.Type),
		slog.Int64("workers", cfg.Pool.Workers),
		slog.String("listen", serveListen),
	)

	// ---------------------------------------------------------------
	// 3. Initialize OpenTelemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "forge", otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: cfg.OTel.PrometheusPort,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Create store, cancellation registry, worker pool
	// ---------------------------------------------------------------
	st := store.NewMemory()
	cancels := cancel.NewRegistry()

	// The factory is always available: even under the local executor,
	// a build whose scan finds privileged operations must run in a
	// container. The pool decides per build.
	factory := cfg.NewDockerFactory(logger)

	pool := worker.New(worker.Config{
		Workers:   cfg.Pool.Workers,
		UseDocker: cfg.Executor.Type == "docker",
		Store:     st,
		Cancels:   cancels,
		Docker:    factory,
		Logger:    logger.WithGroup("worker"),
	})

	// ---------------------------------------------------------------
	// 5. Start the orphan sweeper
	// ---------------------------------------------------------------
	maxRunning, maxQueued, interval := cfg.SweepThresholds()
	sweeper := worker.NewSweeper(st, cancels, maxRunning, maxQueued, interval, logger.WithGroup("sweeper"))
	go sweeper.Run(ctx)

	// ---------------------------------------------------------------
	// 6. HTTP servers
	// ---------------------------------------------------------------
	apiHandler := api.Handler(pool, st, cancels, logger.WithGroup("api"))

	mux := http.NewServeMux()
	mux.Handle("/builds", apiHandler)
	mux.Handle("/builds/", apiHandler)
	mux.Handle("/healthz", health.Handler(cfg.Executor.Type))

	srv := &http.Server{
		Addr:              serveListen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("build service listening", slog.String("addr", serveListen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.OTel.PrometheusPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.OTel.PrometheusPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint listening", slog.Int("port", cfg.OTel.PrometheusPort))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// ---------------------------------------------------------------
	// 7. Wait for shutdown
	// ---------------------------------------------------------------
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer scancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}

	// A shutdown request stops accepting builds; in-flight builds run
	// to completion.
	pool.Wait()
	return nil
}

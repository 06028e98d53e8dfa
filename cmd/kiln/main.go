package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/kiln/internal/core"
	"github.com/3cpo-dev/kiln/internal/devserver"
	"github.com/3cpo-dev/kiln/internal/telemetry"
	"github.com/3cpo-dev/kiln/internal/watch"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kiln",
		Short: "kiln: incremental front-end asset builder",
		Long: "kiln compiles templates, data, stylesheets, scripts and images from src/ into dist/,\n" +
			"serves the result with live reload and rebuilds whatever changes.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefault(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().StringP("config", "c", "", "config file (default: kiln.yaml, kiln.yml or kiln.toml in --dir)")
	cmd.PersistentFlags().StringP("dir", "C", ".", "project root")
	cmd.Flags().Int("port", 0, "override server.port")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		switch levelStr {
		case "trace":
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "info":
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		case "fatal":
			zerolog.SetGlobalLevel(zerolog.FatalLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newBuildCmd())
	cmd.AddCommand(newLintCmd())
	cmd.AddCommand(newTasksCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newCompletionCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kiln %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// runDefault serves the output directory, binds every task to the file
// watcher and runs one full build, until interrupted.
func runDefault(cmd *cobra.Command) error {
	cfg, err := loadProject(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	store, err := core.NewStore(cfg.StatePath())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := telemetry.GetGlobal()
	srv, err := devserver.New(devserver.Options{
		Root:            cfg.OutputDir(),
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		SSI:             cfg.Server.SSI,
		SSIExt:          cfg.Server.SSIExt,
		ReloadOnRestart: cfg.Server.ReloadOnRestart,
		Collector:       collector,
	})
	if err != nil {
		return err
	}
	o, err := core.NewOrchestrator(cfg, core.DefaultRegistry(),
		core.WithStore(store), core.WithNotifier(srv), core.WithCollector(collector))
	if err != nil {
		return err
	}

	w, err := watch.NewFSNotifyWatcher(watch.WithIgnoreNames(cfg.Watch.Ignore...))
	if err != nil {
		return err
	}
	defer w.Close()
	router := watch.NewRouter(cfg.Root, w)
	binders := o.Bind(router, cfg.Debounce())
	if err := router.Start(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	log.Info().Int("binders", len(binders)).Int("paths", w.WatchedPaths()).Msg("Watching sources")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		router.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if _, err := o.Build(ctx, nil, false); err != nil {
			log.Error().Err(err).Msg("Initial build failed")
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case serveErr = <-errc:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		log.Warn().Err(err).Msg("Server shutdown")
	}
	wg.Wait()
	for _, b := range binders {
		b.Wait()
	}
	telemetry.Shutdown()
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// loadProject resolves --dir and --config and initializes telemetry.
func loadProject(cmd *cobra.Command) (core.Config, error) {
	dir, _ := cmd.Flags().GetString("dir")
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, path, err := core.LoadConfig(dir, cfgPath)
	if err != nil {
		return core.Config{}, err
	}
	if path == "" {
		log.Debug().Str("root", cfg.Root).Msg("No config file, using defaults")
	} else {
		log.Debug().Str("config", path).Msg("Loaded config")
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	return cfg, nil
}

// Setup the logger
func setupLogger() {
	level := zerolog.InfoLevel
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(level)
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

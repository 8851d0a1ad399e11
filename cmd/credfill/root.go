package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductor/credfill/internal/chain"
	"github.com/conductor/credfill/internal/config"
	"github.com/conductor/credfill/internal/fill"
	"github.com/conductor/credfill/internal/helper"
	"github.com/conductor/credfill/internal/memprotect"
	"github.com/conductor/credfill/pkg/log"
	"github.com/conductor/credfill/pkg/metrics"
	"github.com/conductor/credfill/pkg/tracing"
)

// Build information (set from main.go)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Global flags
var (
	configFile      string
	outputFormat    string
	noColor         bool
	logLevel        string
	helperFlags     []string
	metricsTextfile string
)

// runtimeEnv is everything a command needs to talk to helpers. It is built
// once in PersistentPreRunE and torn down by Execute.
type runtimeEnv struct {
	cfg      *config.Config
	logger   log.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
	resolver *chain.Resolver
	engine   *fill.Engine
}

var env *runtimeEnv

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "credfill",
	Short: "Resolve credentials through a chain of credential helpers",
	Long: `credfill fills in a partial credential by asking a chain of
credential helper programs, lets a policy approve or reject the result, and
tells the helpers to store or erase it.

Helpers speak the git credential helper protocol, so any
git-credential-<name> program on PATH can be used.

Environment variables:
  CREDFILL_CONFIG            Config file path (default: ~/.config/credfill/config.yaml)
  CREDFILL_ENV_FILE          Dotenv file loaded before the variables below
  CREDFILL_HELPERS           Semicolon separated helper commands
  CREDFILL_HELPER_TIMEOUT    Timeout for one helper invocation (default: 30s)
  CREDFILL_LOG_LEVEL         debug, info, warn, error (default: warn)
  CREDFILL_LOG_FORMAT        json, console (default: console)
  CREDFILL_METRICS_TEXTFILE  Write Prometheus metrics to this file
  CREDFILL_MLOCK             Lock process memory (default: false)
  CREDFILL_OUTPUT            Output format: json, table (default: table)`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		InitColor(!noColor)

		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		applyFlags(cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		outputFormat = resolveOutputFormat(outputFormat)

		logger := log.New(cfg.Log.Level, cfg.Log.Format)

		if err := memprotect.HardenProcess(logger, cfg.Memory.Lock); err != nil {
			return fmt.Errorf("failed to harden process: %w", err)
		}

		tracer, err := tracing.InitTracer(tracing.Config{
			ServiceName:    "credfill",
			ServiceVersion: Version,
			Environment:    cfg.Observability.Environment,
			Endpoint:       cfg.Observability.TracingEndpoint,
			Insecure:       cfg.Observability.TracingInsecure,
			SampleRate:     cfg.Observability.TracingSampleRate,
			Enabled:        cfg.Observability.TracingEnabled,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}

		var m *metrics.Metrics
		if cfg.MetricsEnabled() {
			m = metrics.NewMetrics()
		}

		invoker := helper.NewProcessInvoker(logger,
			helper.WithPrefix(cfg.Helper.Prefix),
			helper.WithShell(cfg.Helper.Shell),
			helper.WithTimeout(cfg.Helper.Timeout),
			helper.WithEnv(cfg.Helper.Env...),
		)
		resolver := chain.New(invoker, cfg.Helpers, chain.WithLogger(logger), chain.WithMetrics(m))

		env = &runtimeEnv{
			cfg:      cfg,
			logger:   logger,
			metrics:  m,
			tracer:   tracer,
			resolver: resolver,
			engine:   fill.NewEngine(resolver, fill.WithLogger(logger), fill.WithMetrics(m)),
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// close flushes traces and writes the metrics textfile.
func (e *runtimeEnv) close() error {
	if e == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tracer.Shutdown(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to flush traces")
	}

	if e.metrics != nil {
		if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

// applyFlags layers command-line flags over the loaded configuration.
func applyFlags(cfg *config.Config) {
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if metricsTextfile != "" {
		cfg.Metrics.Textfile = metricsTextfile
	}
	if len(helperFlags) > 0 {
		cfg.Helpers = nil
		for _, h := range helperFlags {
			cfg.Helpers = append(cfg.Helpers, config.ParseHelperList(h)...)
		}
	}
}

// commandContext tags ctx with the running command for logging.
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = log.ContextWithCommand(ctx, cmd.Name())
	if env != nil {
		ctx = log.ContextWithLogger(ctx, env.logger)
	}
	return ctx
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version, commit hash, and build time of credfill.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if resolveOutputFormat(outputFormat) == "json" {
			_ = writeJSON(out, map[string]string{
				"version":    Version,
				"commit":     Commit,
				"build_time": BuildTime,
				"go_version": runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			})
			return
		}

		fmt.Fprintf(out, "%s\n", Bold("credfill"))
		fmt.Fprintf(out, "  Version:    %s\n", Version)
		fmt.Fprintf(out, "  Commit:     %s\n", Commit)
		fmt.Fprintf(out, "  Built:      %s\n", BuildTime)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if closeErr := env.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ~/.config/credfill/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format: json, table (default: table)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringArrayVar(&helperFlags, "helper", nil, "Helper command, repeatable; replaces configured helpers")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(fillCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(helpersCmd)
	rootCmd.AddCommand(configCmd)
}

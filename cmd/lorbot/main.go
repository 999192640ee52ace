package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	logAdapter "github.com/dentalor/lorbot/internal/adapters/log"
	"github.com/dentalor/lorbot/internal/adapters/metrics"
	"github.com/dentalor/lorbot/internal/adapters/sqlite"
	"github.com/dentalor/lorbot/internal/adapters/telegram"
	"github.com/dentalor/lorbot/internal/app"
	"github.com/dentalor/lorbot/internal/config"
	"github.com/dentalor/lorbot/internal/consult"
	"github.com/dentalor/lorbot/internal/dispatch"
	"github.com/dentalor/lorbot/internal/ports"
	"github.com/dentalor/lorbot/plugins/configwatcher"
	"github.com/dentalor/lorbot/plugins/draftcleanup"
)

const helpDescription = `
Telegram bot connecting dental surgeons with an ENT doctor.

Dentists fill in a short profile and a consultation questionnaire
(complaints, history, planned work, CT scans). Finished requests are
archived and posted to the ENT chat.

Configure via file ($HOME/.lorbot/config.toml), environment or flags.
BOT_TOKEN and LOR_TARGET_CHAT_ID are required.
`

var exampleUsage = strings.TrimSpace(`
  BOT_TOKEN=123:abc LOR_TARGET_CHAT_ID=-100123 lorbot
  lorbot --config /etc/lorbot/config.toml --metrics-addr :9090
`)

// Exit codes.
const (
	exitFailure = 1
	exitConfig  = 2
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	os.Exit(execute(os.Args[1:], nil))
}

// execute runs the root command and maps the outcome to an exit code.
// A nil environ reads the process environment.
func execute(args []string, environ map[string]string) int {
	root := newRootCommand(environ)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "lorbot: %v\n", err)
	return exitCode(err)
}

func exitCode(err error) int {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFailure
}

func newRootCommand(environ map[string]string) *cobra.Command {
	cfg := config.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:           "lorbot",
		Short:         "Telegram bot for dentist to ENT consultations",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Build set of changed flags
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			loaded, err := config.Load(cfg, config.LoadOptions{
				Changed:    changed,
				Environ:    environ,
				ConfigPath: cfgPath,
			})
			if err != nil {
				return err
			}

			logger, err := logAdapter.New(os.Stderr, loaded.LogFormat, loaded.LogLevel)
			if err != nil {
				return &config.Error{Option: "LOG_FORMAT", Reason: err.Error()}
			}
			zl := logger.Logger()
			zl.Info().Interface("config", loaded.Redacted()).Msg("configuration")

			pinned := changed["log-level"] || envSet(environ, "LOG_LEVEL")
			return run(loaded, logger, pinned)
		},
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.lorbot/config.toml)")
	f.StringVar(&cfg.Token, "token", cfg.Token, "Bot API token")
	f.Int64Var(&cfg.TargetChatID, "target-chat", cfg.TargetChatID, "chat receiving finished consultations")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console, json)")

	f.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "pause after an empty long poll")
	f.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "long poll timeout")
	f.DurationVar(&cfg.BackoffBase, "backoff-base", cfg.BackoffBase, "first reconnect wait")
	f.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "reconnect wait ceiling")
	f.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "consecutive failures before giving up")
	f.DurationVar(&cfg.HTTPTimeout, "timeout", cfg.HTTPTimeout, "HTTP timeout")
	f.Float64Var(&cfg.SendRate, "send-rate", cfg.SendRate, "outbound requests per second")

	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "conversations handled concurrently")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "drain budget on stop")
	f.StringVar(&cfg.Unmatched, "unmatched", cfg.Unmatched, "unmatched events: ignore or log")

	f.IntVar(&cfg.MaxZipMB, "max-zip-mb", cfg.MaxZipMB, "archive size ceiling in MB before sending media groups")
	f.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database (default: $DATA_DIR/bot.db)")
	f.DurationVar(&cfg.DraftTTL, "draft-ttl", cfg.DraftTTL, "remove drafts untouched for this long (0 keeps them)")

	f.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "Bot API base URL")
	if err := f.MarkHidden("api-url"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to hide api-url flag: %v\n", err)
	}
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")

	return root
}

func envSet(environ map[string]string, key string) bool {
	if environ != nil {
		_, ok := environ[key]
		return ok
	}
	_, ok := os.LookupEnv(key)
	return ok
}

// reloadLogLevel applies log_level from a changed config file unless the
// level was pinned by a flag or the environment.
func reloadLogLevel(pinned bool, logger ports.Logger) configwatcher.ApplyFunc {
	return func(fc config.FileConfig) error {
		if pinned || fc.LogLevel == "" {
			return nil
		}
		if err := logAdapter.SetLevel(fc.LogLevel); err != nil {
			return err
		}
		logger.Info("log level changed", ports.String("level", fc.LogLevel))
		return nil
	}
}

func run(cfg config.Config, logger *logAdapter.ZerologAdapter, levelPinned bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)
	if err := recorder.Register(); err != nil {
		_ = store.Close()
		return fmt.Errorf("register metrics: %w", err)
	}

	client := telegram.New(telegram.Config{
		Token:        cfg.Token,
		APIURL:       cfg.APIURL,
		PollTimeout:  cfg.PollTimeout,
		PollInterval: cfg.PollInterval,
		HTTPTimeout:  cfg.HTTPTimeout,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		MaxRetries:   cfg.MaxRetries,
		SendRate:     cfg.SendRate,
		Logger:       logger,
		Observer:     recorder,
	})

	bot := consult.New(consult.Config{
		Store:           store,
		Sender:          client,
		Files:           client,
		TargetChat:      cfg.TargetChatID,
		MaxArchiveBytes: cfg.MaxZipBytes(),
		Logger:          logger,
		Recorder:        recorder,
	})
	handlers := dispatch.NewRegistry()
	bot.Register(handlers)

	commands := make([]telegram.Command, 0, len(consult.Commands))
	for _, c := range consult.Commands {
		commands = append(commands, telegram.Command{Name: c.Name, Description: c.Description})
	}

	svc := app.New(client, handlers,
		app.WithLogger(logger),
		app.WithEventEmitter(recorder),
		app.WithCloser(store),
		app.WithConfigPath(cfg.ConfigPath),
		app.WithShutdownTimeout(cfg.ShutdownTimeout),
		app.WithDispatchOptions(dispatch.Options{
			Workers:       cfg.Workers,
			Unmatched:     cfg.Unmatched,
			FailureNotice: consult.FailureNotice,
			Logger:        logger,
			Observer:      recorder,
		}),
		app.WithPostInit(func(ctx context.Context) error {
			logger.Info("bot connected", ports.String("username", client.Username()))
			client.SetCommands(ctx, commands)
			client.SetDescriptions(ctx, consult.ShortDescription, consult.Description)
			return nil
		}),
		configwatcher.WithConfigWatcher(configwatcher.Config{
			Apply: reloadLogLevel(levelPinned, logger),
		}),
		draftcleanup.WithDraftCleanup(store, draftcleanup.Config{
			CheckInterval:  6 * time.Hour,
			MaxAge:         cfg.DraftTTL,
			RunImmediately: true,
		}),
	)

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start lorbot: %w", err)
	}
	logger.Info("lorbot started", ports.String("version", getVersion()))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, registry, logger)
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()

		// Wait for signal or completion
		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping", ports.String("signal", sig.String()))
		case <-svc.Done():
			logger.Error("lorbot stopped unexpectedly", ports.String("state", svc.Status().String()))
			return svc.Err()
		case <-gctx.Done():
		}

		// Graceful shutdown
		if err := svc.Stop(); err != nil {
			return fmt.Errorf("stop lorbot: %w", err)
		}
		logger.Info("lorbot stopped")
		return nil
	})
	return g.Wait()
}

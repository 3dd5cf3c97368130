// Package main provides the collabpressd service entrypoint.
//
// collabpressd serves the HTTP trigger API over a configured event
// store and publication client. Configuration comes from a YAML or
// JSON file, with selected overrides available as flags and
// environment variables.
//
// Usage:
//
//	collabpressd serve --config collabpress.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ayatsuji/collabpress/pkg/collabpress/config"
	"github.com/ayatsuji/collabpress/pkg/collabpress/key"
	"github.com/ayatsuji/collabpress/pkg/collabpress/notify"
	"github.com/ayatsuji/collabpress/pkg/collabpress/observability"
	"github.com/ayatsuji/collabpress/pkg/collabpress/pipeline"
	"github.com/ayatsuji/collabpress/pkg/collabpress/postid"
	"github.com/ayatsuji/collabpress/pkg/collabpress/provider"
	"github.com/ayatsuji/collabpress/pkg/collabpress/slug"
	"github.com/ayatsuji/collabpress/pkg/collabpress/store"
	"github.com/ayatsuji/collabpress/pkg/collabpress/trigger"
	"github.com/ayatsuji/collabpress/pkg/collabpress/vcs"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

const version = "0.3.0"

func main() {
	app := &cli.App{
		Name:    "collabpressd",
		Usage:   "idempotent event-to-publication pipeline service",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Commands: []*cli.Command{
			serveCommand(),
			sweepCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to the YAML or JSON config file",
			EnvVars: []string{"COLLABPRESS_CONFIG"},
			Value:   "collabpress.yaml",
		},
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "HTTP listen address (overrides config)",
			EnvVars: []string{"COLLABPRESS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "event store backend: memory, sqlite, or redis (overrides config)",
			EnvVars: []string{"COLLABPRESS_STORE"},
		},
		&cli.StringFlag{
			Name:    "trigger-secret",
			Usage:   "shared secret for the trigger API (overrides config)",
			EnvVars: []string{"COLLABPRESS_TRIGGER_SECRET"},
		},
		&cli.StringFlag{
			Name:    "vcs-token",
			Usage:   "access token for the VCS API (overrides config)",
			EnvVars: []string{"COLLABPRESS_VCS_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level: debug, info, warn, error",
			EnvVars: []string{"COLLABPRESS_LOG_LEVEL"},
			Value:   "info",
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the trigger HTTP server",
		Flags: configFlags(),
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c.String("log-level"))
			if err != nil {
				return err
			}

			settings, err := loadSettings(c)
			if err != nil {
				return err
			}

			svc, err := buildService(settings, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			return serve(c.Context, settings.ListenAddr, svc, logger)
		},
	}
}

func sweepCommand() *cli.Command {
	flags := append(configFlags(), &cli.DurationFlag{
		Name:  "older-than",
		Usage: "minimum pending-record age to reconcile",
		Value: pipeline.DefaultSweepAge,
	})

	return &cli.Command{
		Name:  "sweep",
		Usage: "reconcile records stuck in pending, then exit",
		Flags: flags,
		Action: func(c *cli.Context) error {
			logger, err := newLogger(c.String("log-level"))
			if err != nil {
				return err
			}

			settings, err := loadSettings(c)
			if err != nil {
				return err
			}

			svc, err := buildService(settings, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.orchestrator.SweepPending(c.Context, c.Duration("older-than"))
			if err != nil {
				return err
			}
			logger.Info("sweep finished",
				slog.Int("examined", report.Examined),
				slog.Int("settled", report.Settled),
				slog.Int("requeued", report.Requeued),
				slog.Int("skipped", report.Skipped),
			)
			return nil
		},
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// loadSettings reads the config file and applies flag overrides.
func loadSettings(c *cli.Context) (config.Settings, error) {
	cfg, err := config.FromFile(c.String("config"))
	if err != nil {
		return config.Settings{}, err
	}

	// Secrets are typically injected through the environment, not the
	// config file; apply overrides before validation.
	overrides := map[string]string{
		"listen_addr":    c.String("listen"),
		"store_backend":  c.String("store"),
		"trigger_secret": c.String("trigger-secret"),
	}
	for k, v := range overrides {
		if v != "" {
			cfg.Set(k, v)
		}
	}
	if token := c.String("vcs-token"); token != "" {
		cfg.SetIn("vcs", "token", token)
	}

	return config.SettingsFrom(cfg)
}

// service bundles everything the commands need.
type service struct {
	orchestrator *pipeline.Orchestrator
	handler      *trigger.Handler
	docs         store.DocStore
	notifier     *notify.Webhook
}

func (s *service) Close() {
	if s.notifier != nil {
		_ = s.notifier.Close()
	}
	if s.docs != nil {
		_ = s.docs.Close()
	}
}

func buildService(settings config.Settings, logger *slog.Logger) (*service, error) {
	docs, err := openDocStore(settings)
	if err != nil {
		return nil, err
	}

	ids, err := postid.NewGenerator()
	if err != nil {
		docs.Close()
		return nil, err
	}

	// Names missing from the dictionaries fall back to the registered
	// slug-generator chain.
	fallback, err := provider.NewChain(provider.StaticName)
	if err != nil {
		docs.Close()
		return nil, err
	}

	resolver := slug.NewResolver(settings.DictionaryDir, logger)
	builder := key.NewBuilder(resolver, key.WithFallback(fallback))
	events := store.NewEventStore(docs, builder, ids)

	tokens, err := openTokenSource(settings.VCS)
	if err != nil {
		docs.Close()
		return nil, err
	}

	metrics := observability.NewMetricsRecorder()

	client, err := vcs.NewClient(vcs.Config{
		BaseURL:    settings.VCS.BaseURL,
		Owner:      settings.VCS.Owner,
		Repo:       settings.VCS.Repo,
		Tokens:     tokens,
		Timeout:    settings.VCS.Timeout,
		MaxRetries: settings.VCS.MaxRetries,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		docs.Close()
		return nil, err
	}

	publisher := vcs.NewPublisher(client, logger,
		vcs.WithBaseBranch(settings.VCS.BaseBranch),
	)

	opts := []pipeline.Option{
		pipeline.WithMetrics(metrics),
		pipeline.WithSpans(observability.NewSpanManager()),
	}

	svc := &service{docs: docs}
	if settings.NotifyURL != "" {
		svc.notifier, err = notify.New(notify.Config{URL: settings.NotifyURL})
		if err != nil {
			docs.Close()
			return nil, err
		}
		opts = append(opts, pipeline.WithNotifier(svc.notifier))
	}

	svc.orchestrator = pipeline.New(events, publisher, logger, opts...)

	svc.handler, err = trigger.NewHandler(svc.orchestrator, settings.TriggerSecret, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// openTokenSource builds the VCS token source. A configured token file
// gets a caching source that re-reads the file when the TTL lapses or
// an auth failure forces a refresh; otherwise the literal token is
// used as-is.
func openTokenSource(v config.VCSSettings) (vcs.TokenSource, error) {
	if v.TokenFile == "" {
		return vcs.StaticTokenSource(v.Token), nil
	}

	fetch := func(_ context.Context, name string) (string, error) {
		raw, err := os.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return vcs.NewCachedTokenSource(fetch, v.TokenFile, v.TokenTTL)
}

func openDocStore(settings config.Settings) (store.DocStore, error) {
	switch settings.StoreBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendSQLite:
		return store.NewSQLiteStore(settings.SQLitePath)
	case config.BackendRedis:
		return store.NewRedisStore(store.RedisConfig{URL: settings.RedisURL})
	default:
		return nil, fmt.Errorf("unknown store backend %q", settings.StoreBackend)
	}
}

// serve runs the HTTP server until the context is cancelled or an
// interrupt arrives, then shuts down gracefully.
func serve(ctx context.Context, addr string, svc *service, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.handler.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trigger server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nholik/watch-notifier/internal/channel"
	"github.com/nholik/watch-notifier/internal/config"
	"github.com/nholik/watch-notifier/internal/healthcheck"
	"github.com/nholik/watch-notifier/internal/logging"
	"github.com/nholik/watch-notifier/internal/metrics"
	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/nholik/watch-notifier/internal/poster"
	"github.com/nholik/watch-notifier/internal/report"
	"github.com/nholik/watch-notifier/internal/runner"
	"github.com/nholik/watch-notifier/internal/server"
	"github.com/nholik/watch-notifier/internal/store"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := logging.New()
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.NewWithLevel(cfg.LogLevel)
	logger.Info().Msg("watch-notifier starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("watch-notifier stopped with error")
	}
	logger.Info().Msg("watch-notifier stopped")
}

func run(ctx context.Context, logger zerolog.Logger, cfg config.Config) error {
	metricsCollector := metrics.New()
	tracker := healthcheck.NewTracker()

	var (
		directory notify.Directory
		sqlStore  *store.SQLStore
	)
	if cfg.DatabaseURL != "" {
		opened, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer opened.Close()
		sqlStore = opened
		directory = opened
		logger.Info().Str("dialect", string(store.DialectFor(cfg.DatabaseURL))).Msg("database opened")
	} else {
		loaded, err := store.LoadDirectoryFile(cfg.DirectoryFile)
		if err != nil {
			return err
		}
		directory = loaded
		logger.Info().Str("path", cfg.DirectoryFile).Int("resources", loaded.Len()).Msg("directory file loaded")
	}

	emailSender, err := buildEmailSender(logger, cfg)
	if err != nil {
		return err
	}
	messagingSender, err := buildMessagingSender(logger, cfg)
	if err != nil {
		return err
	}

	sinks, journal, err := buildSinks(ctx, logger, cfg, metricsCollector, sqlStore)
	if err != nil {
		return err
	}

	orchestrator := notify.New(logger, notify.NewResolver(directory, directory),
		notify.WithEmailSender(emailSender),
		notify.WithMessagingSender(messagingSender),
		notify.WithWorkers(cfg.Workers),
		notify.WithSinkTimeout(cfg.SinkTimeout),
		notify.WithReportSinks(sinks),
	)

	serverOpts := server.Options{
		PollInterval: cfg.PollInterval,
		Tracker:      tracker,
		Metrics:      metricsCollector,
		Admin:        server.AdminOptions{Notifier: orchestrator},
		HealthPort:   cfg.HealthPort,
		MetricsPort:  cfg.MetricsPort,
		AdminPort:    cfg.AdminPort,
	}
	if sqlStore != nil {
		serverOpts.Store = sqlStore
	}
	if journal != nil {
		serverOpts.Admin.Reports = journal
	}
	server.Start(ctx, logger, serverOpts)

	opts := []runner.Option{
		runner.WithNotifier(orchestrator),
		runner.WithBatchSize(cfg.BatchSize),
		runner.WithCycleTimeout(cfg.CycleTimeout),
		runner.WithTracker(tracker),
		runner.WithMetrics(metricsCollector),
	}
	if sqlStore != nil {
		opts = append(opts, runner.WithChangeQueue(sqlStore))
	} else {
		// A directory file has no change queue; cycles come from the admin
		// API and the loop only keeps the health tracker current.
		if cfg.AdminPort == 0 {
			logger.Warn().Msg("no change queue and admin API disabled; nothing will trigger notifications")
		} else {
			logger.Info().Int("admin_port", cfg.AdminPort).Msg("no change queue configured; serving admin API only")
		}
		opts = append(opts, runner.WithRunOnce(func(context.Context) error {
			tracker.RecordCycle(0, 0, 0)
			return nil
		}))
	}

	r := runner.New(logger, cfg.PollInterval, opts...)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildEmailSender(logger zerolog.Logger, cfg config.Config) (notify.ChannelSender, error) {
	var sender notify.ChannelSender
	if cfg.EmailConfigured() {
		client, err := channel.NewPostmarkClient(channel.PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			From:         cfg.EmailFrom,
			Tag:          "page-change",
		})
		if err != nil {
			return nil, err
		}
		sender = channel.NewEmailSender(client, nil)
	} else if !cfg.DryRun {
		logger.Warn().Msg("email channel not configured; email deliveries will fail")
		sender = channel.NewUnconfigured(logger, notify.ChannelEmail, "postmark credentials missing")
	}
	if cfg.DryRun {
		return channel.NewDryRun(logger, notify.ChannelEmail, sender), nil
	}
	return sender, nil
}

func buildMessagingSender(logger zerolog.Logger, cfg config.Config) (notify.ChannelSender, error) {
	var sender notify.ChannelSender
	if cfg.MessagingConfigured() {
		client, err := channel.NewHTTPPushClient(logger, cfg.PushAccessToken,
			channel.WithPushEndpoint(cfg.PushEndpoint),
			channel.WithPushRate(cfg.PushRate, cfg.PushBurst),
		)
		if err != nil {
			return nil, err
		}
		sender = channel.NewMessagingSender(client, nil)
	} else if !cfg.DryRun {
		logger.Warn().Msg("messaging channel not configured; messaging deliveries will fail")
		sender = channel.NewUnconfigured(logger, notify.ChannelMessaging, "push access token missing")
	}
	if cfg.DryRun {
		return channel.NewDryRun(logger, notify.ChannelMessaging, sender), nil
	}
	return sender, nil
}

func buildSinks(ctx context.Context, logger zerolog.Logger, cfg config.Config, m *metrics.Metrics, sqlStore *store.SQLStore) (*report.MultiSink, *report.JournalSink, error) {
	sinks := []notify.ReportSink{
		report.NewLogSink(logger),
		report.NewMetricsSink(m),
	}
	if sqlStore != nil {
		sinks = append(sinks, sqlStore)
	}

	var journal *report.JournalSink
	if cfg.JournalPath != "" {
		opened, err := report.NewJournalSink(ctx, cfg.JournalPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open report journal: %w", err)
		}
		journal = opened
		sinks = append(sinks, journal)
	}

	webhook, err := report.NewWebhookSink(logger, cfg.ReportWebhookURL, cfg.ReportWebhookTemplate, poster.DefaultTiming)
	if err != nil {
		return nil, nil, err
	}
	if webhook != nil {
		sinks = append(sinks, webhook)
	}

	policy, err := report.ParseAlertPolicy(cfg.SlackAlertPolicy)
	if err != nil {
		return nil, nil, err
	}
	if slack := report.NewSlackSink(logger, cfg.SlackWebhookURL, report.WithAlertPolicy(policy)); slack != nil {
		sinks = append(sinks, slack)
	}

	return report.NewMultiSink(sinks...), journal, nil
}

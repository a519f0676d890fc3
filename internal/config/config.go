package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envDatabaseURL           = "WN_DATABASE_URL"
	envDirectoryFile         = "WN_DIRECTORY_FILE"
	envPollInterval          = "WN_POLL_INTERVAL"
	envCycleTimeout          = "WN_CYCLE_TIMEOUT"
	envWorkers               = "WN_WORKERS"
	envBatchSize             = "WN_BATCH_SIZE"
	envPostmarkServerToken   = "WN_POSTMARK_SERVER_TOKEN"
	envPostmarkAccountToken  = "WN_POSTMARK_ACCOUNT_TOKEN"
	envEmailFrom             = "WN_EMAIL_FROM"
	envPushAccessToken       = "WN_PUSH_ACCESS_TOKEN"
	envPushEndpoint          = "WN_PUSH_ENDPOINT"
	envPushRate              = "WN_PUSH_RATE"
	envPushBurst             = "WN_PUSH_BURST"
	envSlackWebhookURL       = "WN_SLACK_WEBHOOK_URL"
	envSlackAlertPolicy      = "WN_SLACK_ALERT_POLICY"
	envReportWebhookURL      = "WN_REPORT_WEBHOOK_URL"
	envReportWebhookTemplate = "WN_REPORT_WEBHOOK_TEMPLATE"
	envJournalPath           = "WN_JOURNAL_PATH"
	envSinkTimeout           = "WN_SINK_TIMEOUT"
	envDryRun                = "WN_DRY_RUN"
	envLogLevel              = "WN_LOG_LEVEL"
	envHealthPort            = "WN_HEALTH_PORT"
	envMetricsPort           = "WN_METRICS_PORT"
	envAdminPort             = "WN_ADMIN_PORT"
)

const (
	defaultPollInterval     = 30 * time.Second
	defaultCycleTimeout     = 2 * time.Minute
	defaultWorkers          = 8
	defaultBatchSize        = 50
	defaultPushRate         = 100
	defaultPushBurst        = 100
	defaultSinkTimeout      = 10 * time.Second
	defaultSlackAlertPolicy = "any-failure"
	defaultLogLevel         = "info"
	defaultHealthPort       = 8080
	defaultMetricsPort      = 9090
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	DatabaseURL   string
	DirectoryFile string

	PollInterval time.Duration
	CycleTimeout time.Duration
	Workers      int
	BatchSize    int

	PostmarkServerToken  string
	PostmarkAccountToken string
	EmailFrom            string

	PushAccessToken string
	PushEndpoint    string
	// PushRate is requests per second across all pushes; 0 disables limiting.
	PushRate  int
	PushBurst int

	SlackWebhookURL       string
	SlackAlertPolicy      string
	ReportWebhookURL      string
	ReportWebhookTemplate string
	JournalPath           string
	SinkTimeout           time.Duration

	DryRun      bool
	LogLevel    string
	HealthPort  int
	MetricsPort int
	// AdminPort serves the admin API; 0 leaves it disabled.
	AdminPort int
}

// EmailConfigured reports whether the email channel has credentials.
func (c Config) EmailConfigured() bool {
	return c.PostmarkServerToken != "" && c.EmailFrom != ""
}

// MessagingConfigured reports whether the messaging channel has credentials.
func (c Config) MessagingConfigured() bool {
	return c.PushAccessToken != ""
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		PollInterval:     defaultPollInterval,
		CycleTimeout:     defaultCycleTimeout,
		Workers:          defaultWorkers,
		BatchSize:        defaultBatchSize,
		PushRate:         defaultPushRate,
		PushBurst:        defaultPushBurst,
		SinkTimeout:      defaultSinkTimeout,
		SlackAlertPolicy: defaultSlackAlertPolicy,
		LogLevel:         defaultLogLevel,
		HealthPort:       defaultHealthPort,
		MetricsPort:      defaultMetricsPort,
	}

	strs := []struct {
		key  string
		dest *string
	}{
		{envDatabaseURL, &cfg.DatabaseURL},
		{envDirectoryFile, &cfg.DirectoryFile},
		{envPostmarkServerToken, &cfg.PostmarkServerToken},
		{envPostmarkAccountToken, &cfg.PostmarkAccountToken},
		{envEmailFrom, &cfg.EmailFrom},
		{envPushAccessToken, &cfg.PushAccessToken},
		{envPushEndpoint, &cfg.PushEndpoint},
		{envSlackWebhookURL, &cfg.SlackWebhookURL},
		{envReportWebhookURL, &cfg.ReportWebhookURL},
		{envReportWebhookTemplate, &cfg.ReportWebhookTemplate},
		{envJournalPath, &cfg.JournalPath},
	}
	for _, s := range strs {
		if value, ok := lookupTrimmed(s.key); ok {
			*s.dest = value
		}
	}

	if value, ok := lookupTrimmed(envSlackAlertPolicy); ok && value != "" {
		cfg.SlackAlertPolicy = strings.ToLower(value)
	}
	if value, ok := lookupTrimmed(envLogLevel); ok && value != "" {
		cfg.LogLevel = value
	}

	var err error
	if cfg.PollInterval, err = parsePositiveDuration(envPollInterval, cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.CycleTimeout, err = parsePositiveDuration(envCycleTimeout, cfg.CycleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = parsePositiveInt(envWorkers, cfg.Workers); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = parsePositiveInt(envBatchSize, cfg.BatchSize); err != nil {
		return Config{}, err
	}
	if cfg.SinkTimeout, err = parsePositiveDuration(envSinkTimeout, cfg.SinkTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PushRate, err = parseNonNegativeInt(envPushRate, cfg.PushRate); err != nil {
		return Config{}, err
	}
	if cfg.PushBurst, err = parsePositiveInt(envPushBurst, cfg.PushBurst); err != nil {
		return Config{}, err
	}
	if cfg.HealthPort, err = parsePort(envHealthPort, cfg.HealthPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = parsePort(envMetricsPort, cfg.MetricsPort); err != nil {
		return Config{}, err
	}
	if cfg.AdminPort, err = parsePort(envAdminPort, cfg.AdminPort); err != nil {
		return Config{}, err
	}
	if value, ok := lookupTrimmed(envDryRun); ok && value != "" {
		dryRun, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDryRun, err)
		}
		cfg.DryRun = dryRun
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.DatabaseURL == "" && c.DirectoryFile == "":
		return fmt.Errorf("one of %s or %s is required", envDatabaseURL, envDirectoryFile)
	case c.DatabaseURL != "" && c.DirectoryFile != "":
		return fmt.Errorf("%s and %s are mutually exclusive", envDatabaseURL, envDirectoryFile)
	}

	switch c.SlackAlertPolicy {
	case "any-failure", "all-failed":
	default:
		return fmt.Errorf("invalid %s: %q (want any-failure or all-failed)", envSlackAlertPolicy, c.SlackAlertPolicy)
	}

	if c.AdminPort > 0 && (c.AdminPort == c.HealthPort || c.AdminPort == c.MetricsPort) {
		return fmt.Errorf("%s must differ from %s and %s", envAdminPort, envHealthPort, envMetricsPort)
	}

	urls := []struct {
		name  string
		value string
	}{
		{envPushEndpoint, c.PushEndpoint},
		{envSlackWebhookURL, c.SlackWebhookURL},
		{envReportWebhookURL, c.ReportWebhookURL},
	}
	for _, u := range urls {
		if u.value == "" {
			continue
		}
		if err := validateURL(u.value, u.name); err != nil {
			return err
		}
	}

	if c.EmailFrom != "" {
		if _, err := mail.ParseAddress(c.EmailFrom); err != nil {
			return fmt.Errorf("invalid %s: %w", envEmailFrom, err)
		}
	}
	if c.PostmarkServerToken != "" && c.EmailFrom == "" {
		return fmt.Errorf("%s is required when %s is set", envEmailFrom, envPostmarkServerToken)
	}

	return nil
}

func parsePositiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", key)
	}
	return parsed, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", key)
	}
	return parsed, nil
}

func parseNonNegativeInt(key string, fallback int) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return parsed, nil
}

func parsePort(key string, fallback int) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed < 0 || parsed > 65535 {
		return 0, fmt.Errorf("%s must be between 0 and 65535", key)
	}
	return parsed, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}

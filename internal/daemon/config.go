package daemon

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/vigil-dev/vigil/internal/backup"
	"github.com/vigil-dev/vigil/internal/platform"
)

// Duration wraps time.Duration for TOML string parsing ("10s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

// Config is the daemon's TOML configuration. Entity definitions (alert
// rules, backup targets, federation nodes) live in separate YAML files
// referenced by path; those reload at runtime, the TOML itself does not.
type Config struct {
	Log        LogConfig        `toml:"log"`
	Ops        OpsConfig        `toml:"ops"`
	Secrets    SecretsConfig    `toml:"secrets"`
	Sink       SinkConfig       `toml:"sink"`
	Notify     NotifyConfig     `toml:"notify"`
	Alerts     AlertsConfig     `toml:"alerts"`
	Heal       HealConfig       `toml:"heal"`
	Backups    BackupsConfig    `toml:"backups"`
	Federation FederationConfig `toml:"federation"`
	Host       HostConfig       `toml:"host"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// OpsConfig configures the operational HTTP listener. An empty address
// disables it.
type OpsConfig struct {
	Listen string `toml:"listen"`
}

type SecretsConfig struct {
	Dir string `toml:"dir"`
}

// SinkConfig points at the time-series database. An empty URL degrades the
// sink to a no-op so the plane runs without storage.
type SinkConfig struct {
	URL        string   `toml:"url"`
	Timeout    Duration `toml:"timeout"`
	QueueSize  int      `toml:"queue_size"`
	BatchSize  int      `toml:"batch_size"`
	FlushEvery Duration `toml:"flush_every"`
}

type NotifyConfig struct {
	Defaults     []string        `toml:"defaults"`
	Window       Duration        `toml:"window"`
	MaxPerWindow int             `toml:"max_per_window"`
	Slack        SlackConfig     `toml:"slack"`
	Email        EmailConfig     `toml:"email"`
	SMS          SMSConfig       `toml:"sms"`
	Webhook      WebhookConfig   `toml:"webhook"`
	PagerDuty    PagerDutyConfig `toml:"pagerduty"`
}

// SlackConfig enables the Slack channel. The webhook URL may come from the
// secret slack_webhook_url instead of the config file.
type SlackConfig struct {
	Enabled    bool   `toml:"enabled"`
	WebhookURL string `toml:"webhook_url"`
}

// EmailConfig enables the SMTP channel. The password comes from the secret
// smtp_password.
type EmailConfig struct {
	Enabled  bool     `toml:"enabled"`
	SMTPHost string   `toml:"smtp_host"`
	SMTPPort int      `toml:"smtp_port"`
	From     string   `toml:"from"`
	To       []string `toml:"to"`
	Username string   `toml:"username"`
}

// SMSConfig enables an SMS gateway channel. The bearer token may come from
// the secret sms_token.
type SMSConfig struct {
	Enabled bool     `toml:"enabled"`
	URL     string   `toml:"url"`
	From    string   `toml:"from"`
	To      []string `toml:"to"`
}

// WebhookConfig enables generic webhook fan-out. The bearer token may come
// from the secret webhook_token.
type WebhookConfig struct {
	Enabled bool              `toml:"enabled"`
	URLs    []string          `toml:"urls"`
	Headers map[string]string `toml:"headers"`
}

// PagerDutyConfig enables the PagerDuty events channel. The routing key may
// come from the secret pagerduty_routing_key.
type PagerDutyConfig struct {
	Enabled    bool   `toml:"enabled"`
	RoutingKey string `toml:"routing_key"`
	Source     string `toml:"source"`
}

type AlertsConfig struct {
	Rules         string   `toml:"rules"`
	EvaluateEvery Duration `toml:"evaluate_every"`
}

type HealConfig struct {
	Enabled         bool              `toml:"enabled"`
	DockerSocket    string            `toml:"docker_socket"`
	Include         []string          `toml:"include"`
	Exclude         []string          `toml:"exclude"`
	CheckInterval   Duration          `toml:"check_interval"`
	RecoveryTimeout Duration          `toml:"recovery_timeout"`
	MaxAttempts     int               `toml:"max_attempts"`
	CooldownWait    Duration          `toml:"cooldown_wait"`
	Maintenance     MaintenanceConfig `toml:"maintenance"`
}

// MaintenanceConfig schedules maintenance windows and their routine tasks.
// Windows are 5-field cron expressions naming when a window opens.
type MaintenanceConfig struct {
	Windows       []string   `toml:"windows"`
	WindowLength  Duration   `toml:"window_length"`
	TasksPerCycle int        `toml:"tasks_per_cycle"`
	TaskTimeout   Duration   `toml:"task_timeout"`
	LogDirs       []string   `toml:"log_dirs"`
	LogRetention  Duration   `toml:"log_retention"`
	ConfigPaths   []string   `toml:"config_paths"`
	Mounts        []string   `toml:"mounts"`
	Commands      [][]string `toml:"commands"`
}

type BackupsConfig struct {
	Targets         string           `toml:"targets"`
	Tick            Duration         `toml:"tick"`
	DefaultSchedule Duration         `toml:"default_schedule"`
	Timeout         Duration         `toml:"timeout"`
	ScratchDir      string           `toml:"scratch_dir"`
	RetainEvery     Duration         `toml:"retain_every"`
	Locations       []LocationConfig `toml:"locations"`
}

type LocationConfig struct {
	Name     string `toml:"name"`
	Type     string `toml:"type"`
	Path     string `toml:"path"`
	Priority int    `toml:"priority"`
	Default  bool   `toml:"default"`
}

type FederationConfig struct {
	Nodes           string   `toml:"nodes"`
	Origin          string   `toml:"origin"`
	ProbeInterval   Duration `toml:"probe_interval"`
	CollectInterval Duration `toml:"collect_interval"`
	PullInterval    Duration `toml:"pull_interval"`
	PushEvery       Duration `toml:"push_every"`
	HealthTimeout   Duration `toml:"health_timeout"`
	MetricsTimeout  Duration `toml:"metrics_timeout"`
	FetchTimeout    Duration `toml:"fetch_timeout"`
	Concurrency     int      `toml:"concurrency"`
}

type HostConfig struct {
	Interval Duration `toml:"interval"`
	Mounts   []string `toml:"mounts"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Alerts.EvaluateEvery.Duration == 0 {
		cfg.Alerts.EvaluateEvery.Duration = 60 * time.Second
	}
	if cfg.Heal.DockerSocket == "" {
		cfg.Heal.DockerSocket = "/var/run/docker.sock"
	}
	if cfg.Heal.CheckInterval.Duration == 0 {
		cfg.Heal.CheckInterval.Duration = 60 * time.Second
	}
	if len(cfg.Heal.Maintenance.Windows) == 0 {
		cfg.Heal.Maintenance.Windows = []string{"0 2 * * *", "0 14 * * *"}
	}
	if cfg.Backups.Tick.Duration == 0 {
		cfg.Backups.Tick.Duration = 10 * time.Minute
	}
	if cfg.Backups.RetainEvery.Duration == 0 {
		cfg.Backups.RetainEvery.Duration = time.Hour
	}
	if cfg.Federation.PushEvery.Duration == 0 {
		cfg.Federation.PushEvery.Duration = 30 * time.Second
	}
	if cfg.Host.Interval.Duration == 0 {
		cfg.Host.Interval.Duration = 30 * time.Second
	}
	// Remaining zero values fall through to the component defaults.
}

func validate(cfg *Config) error {
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Sink.URL != "" {
		if err := validateURL("sink.url", cfg.Sink.URL); err != nil {
			return err
		}
	}
	if cfg.Alerts.EvaluateEvery.Duration < time.Second {
		return fmt.Errorf("alerts.evaluate_every must be >= 1s, got %s", cfg.Alerts.EvaluateEvery.Duration)
	}
	if err := validateNotify(&cfg.Notify); err != nil {
		return err
	}
	for _, expr := range cfg.Heal.Maintenance.Windows {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("heal.maintenance.windows %q: %w", expr, err)
		}
	}
	for i, cmd := range cfg.Heal.Maintenance.Commands {
		if len(cmd) == 0 {
			return fmt.Errorf("heal.maintenance.commands[%d]: empty command", i)
		}
	}
	if err := validateLocations(cfg.Backups.Locations); err != nil {
		return err
	}
	return nil
}

func validateNotify(nc *NotifyConfig) error {
	for _, name := range nc.Defaults {
		if _, err := platform.ParseChannel(name); err != nil {
			return fmt.Errorf("notify.defaults: %w", err)
		}
	}
	if nc.Email.Enabled {
		if nc.Email.SMTPHost == "" || nc.Email.From == "" || len(nc.Email.To) == 0 {
			return fmt.Errorf("notify.email: smtp_host, from, and to are required when enabled")
		}
	}
	if nc.SMS.Enabled && nc.SMS.URL == "" {
		return fmt.Errorf("notify.sms: url is required when enabled")
	}
	if nc.Webhook.Enabled {
		if len(nc.Webhook.URLs) == 0 {
			return fmt.Errorf("notify.webhook: at least one url is required when enabled")
		}
		for _, u := range nc.Webhook.URLs {
			if err := validateURL("notify.webhook.urls", u); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateLocations(locs []LocationConfig) error {
	seen := make(map[string]bool, len(locs))
	for i, lc := range locs {
		if lc.Name == "" {
			return fmt.Errorf("backups.locations[%d]: name is required", i)
		}
		if seen[lc.Name] {
			return fmt.Errorf("backups.locations[%d]: duplicate name %q", i, lc.Name)
		}
		seen[lc.Name] = true
		if lc.Path == "" {
			return fmt.Errorf("backups.locations[%d]: path is required", i)
		}
		if _, err := backup.ParseLocationType(lc.Type); err != nil {
			return fmt.Errorf("backups.locations[%d]: %w", i, err)
		}
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid url: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: url scheme must be http or https, got %q", key, u.Scheme)
	}
	return nil
}

// NewLogger builds the process logger at the configured level. The level was
// validated by LoadConfig, so a parse failure here falls back to info.
func NewLogger(level string) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// parseLevel maps a config level name onto slog.
func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

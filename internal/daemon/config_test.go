package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Alerts.EvaluateEvery.Duration != 60*time.Second {
		t.Errorf("evaluate_every = %s, want 60s", cfg.Alerts.EvaluateEvery.Duration)
	}
	if cfg.Heal.DockerSocket != "/var/run/docker.sock" {
		t.Errorf("docker_socket = %q", cfg.Heal.DockerSocket)
	}
	if cfg.Heal.CheckInterval.Duration != 60*time.Second {
		t.Errorf("check_interval = %s, want 60s", cfg.Heal.CheckInterval.Duration)
	}
	want := []string{"0 2 * * *", "0 14 * * *"}
	if len(cfg.Heal.Maintenance.Windows) != len(want) {
		t.Fatalf("maintenance windows = %v, want %v", cfg.Heal.Maintenance.Windows, want)
	}
	for i, expr := range want {
		if cfg.Heal.Maintenance.Windows[i] != expr {
			t.Errorf("window[%d] = %q, want %q", i, cfg.Heal.Maintenance.Windows[i], expr)
		}
	}
	if cfg.Backups.Tick.Duration != 10*time.Minute {
		t.Errorf("backup tick = %s, want 10m", cfg.Backups.Tick.Duration)
	}
	if cfg.Backups.RetainEvery.Duration != time.Hour {
		t.Errorf("retain_every = %s, want 1h", cfg.Backups.RetainEvery.Duration)
	}
	if cfg.Federation.PushEvery.Duration != 30*time.Second {
		t.Errorf("push_every = %s, want 30s", cfg.Federation.PushEvery.Duration)
	}
	if cfg.Host.Interval.Duration != 30*time.Second {
		t.Errorf("host interval = %s, want 30s", cfg.Host.Interval.Duration)
	}
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
[log]
level = "debug"

[ops]
listen = "127.0.0.1:9090"

[secrets]
dir = "/etc/vigil/secrets"

[sink]
url = "http://tsdb:8086"
timeout = "3s"
queue_size = 500
batch_size = 100
flush_every = "2s"

[notify]
defaults = ["slack", "email"]
window = "5m"
max_per_window = 2

[notify.slack]
enabled = true
webhook_url = "https://hooks.example.com/T/B/x"

[notify.email]
enabled = true
smtp_host = "mail.example.com"
smtp_port = 465
from = "vigil@example.com"
to = ["ops@example.com"]
username = "vigil"

[alerts]
rules = "/etc/vigil/rules.yaml"
evaluate_every = "90s"

[heal]
enabled = true
include = ["web-*"]
check_interval = "30s"
max_attempts = 5

[heal.maintenance]
windows = ["0 3 * * *"]
window_length = "1h"
log_dirs = ["/var/log/app"]
commands = [["certbot", "renew"]]

[backups]
targets = "/etc/vigil/backups.yaml"
default_schedule = "12h"
scratch_dir = "/var/tmp/vigil"

[[backups.locations]]
name = "primary"
type = "local"
path = "/backups"
priority = 1
default = true

[[backups.locations]]
name = "offsite"
type = "network"
path = "/mnt/offsite"
priority = 2

[federation]
nodes = "/etc/vigil/nodes.yaml"
origin = "dc1-vigil"
probe_interval = "15s"
metrics_timeout = "5s"
fetch_timeout = "45s"
concurrency = 3

[host]
interval = "10s"
mounts = ["/", "/data"]
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
	if cfg.Ops.Listen != "127.0.0.1:9090" {
		t.Errorf("ops listen = %q", cfg.Ops.Listen)
	}
	if cfg.Sink.Timeout.Duration != 3*time.Second || cfg.Sink.BatchSize != 100 {
		t.Errorf("sink = %+v", cfg.Sink)
	}
	if len(cfg.Notify.Defaults) != 2 || cfg.Notify.Defaults[1] != "email" {
		t.Errorf("notify defaults = %v", cfg.Notify.Defaults)
	}
	if !cfg.Notify.Email.Enabled || cfg.Notify.Email.SMTPPort != 465 {
		t.Errorf("email = %+v", cfg.Notify.Email)
	}
	if cfg.Alerts.EvaluateEvery.Duration != 90*time.Second {
		t.Errorf("evaluate_every = %s", cfg.Alerts.EvaluateEvery.Duration)
	}
	if !cfg.Heal.Enabled || cfg.Heal.MaxAttempts != 5 || len(cfg.Heal.Include) != 1 {
		t.Errorf("heal = %+v", cfg.Heal)
	}
	if len(cfg.Heal.Maintenance.Windows) != 1 || cfg.Heal.Maintenance.Windows[0] != "0 3 * * *" {
		t.Errorf("windows = %v", cfg.Heal.Maintenance.Windows)
	}
	if len(cfg.Heal.Maintenance.Commands) != 1 || cfg.Heal.Maintenance.Commands[0][0] != "certbot" {
		t.Errorf("commands = %v", cfg.Heal.Maintenance.Commands)
	}
	if cfg.Backups.DefaultSchedule.Duration != 12*time.Hour {
		t.Errorf("default_schedule = %s", cfg.Backups.DefaultSchedule.Duration)
	}
	if len(cfg.Backups.Locations) != 2 || cfg.Backups.Locations[1].Type != "network" {
		t.Errorf("locations = %+v", cfg.Backups.Locations)
	}
	if cfg.Federation.Origin != "dc1-vigil" || cfg.Federation.ProbeInterval.Duration != 15*time.Second {
		t.Errorf("federation = %+v", cfg.Federation)
	}
	if cfg.Federation.MetricsTimeout.Duration != 5*time.Second || cfg.Federation.FetchTimeout.Duration != 45*time.Second {
		t.Errorf("federation timeouts = %+v", cfg.Federation)
	}
	if len(cfg.Host.Mounts) != 2 {
		t.Errorf("host mounts = %v", cfg.Host.Mounts)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad toml",
			body: "[log\nlevel = ",
			want: "parse config",
		},
		{
			name: "bad duration",
			body: "[alerts]\nevaluate_every = \"fast\"",
			want: "invalid duration",
		},
		{
			name: "unknown level",
			body: "[log]\nlevel = \"loud\"",
			want: "unknown log level",
		},
		{
			name: "bad sink scheme",
			body: "[sink]\nurl = \"ftp://tsdb\"",
			want: "scheme must be http or https",
		},
		{
			name: "evaluate too fast",
			body: "[alerts]\nevaluate_every = \"100ms\"",
			want: "must be >= 1s",
		},
		{
			name: "unknown default channel",
			body: "[notify]\ndefaults = [\"pigeon\"]",
			want: "unknown channel",
		},
		{
			name: "email missing fields",
			body: "[notify.email]\nenabled = true",
			want: "notify.email",
		},
		{
			name: "webhook without urls",
			body: "[notify.webhook]\nenabled = true",
			want: "notify.webhook",
		},
		{
			name: "bad cron window",
			body: "[heal.maintenance]\nwindows = [\"99 99 * * *\"]",
			want: "heal.maintenance.windows",
		},
		{
			name: "empty maintenance command",
			body: "[heal.maintenance]\ncommands = [[]]",
			want: "empty command",
		},
		{
			name: "location without path",
			body: "[[backups.locations]]\nname = \"primary\"\ntype = \"local\"",
			want: "path is required",
		},
		{
			name: "duplicate location",
			body: "[[backups.locations]]\nname = \"a\"\ntype = \"local\"\npath = \"/x\"\n[[backups.locations]]\nname = \"a\"\ntype = \"local\"\npath = \"/y\"",
			want: "duplicate name",
		},
		{
			name: "unknown location type",
			body: "[[backups.locations]]\nname = \"a\"\ntype = \"tape\"\npath = \"/x\"",
			want: "unknown location type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"WARN", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"", slog.LevelInfo, true},
		{"loud", 0, false},
	}
	for _, tt := range tests {
		lvl, err := parseLevel(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("parseLevel(%q) err = %v, ok = %v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && lvl != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, lvl, tt.want)
		}
	}
}

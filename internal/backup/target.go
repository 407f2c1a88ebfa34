package backup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TargetType distinguishes what a target backs up.
type TargetType string

// Target types.
const (
	TargetDirectory TargetType = "directory"
	TargetDatabase  TargetType = "database"
)

// BackupType states how much of the source one run captures.
type BackupType string

// Backup types. Full and snapshot runs capture everything; incremental runs
// capture files modified since the target's previous completed run, and
// differential runs capture files modified since its last full capture. A
// run with no earlier capture to build on falls back to capturing
// everything.
const (
	BackupFull         BackupType = "full"
	BackupIncremental  BackupType = "incremental"
	BackupDifferential BackupType = "differential"
	BackupSnapshot     BackupType = "snapshot"
)

// ParseBackupType validates a backup type from config. Empty defaults to
// full.
func ParseBackupType(s string) (BackupType, error) {
	switch b := BackupType(s); b {
	case BackupFull, BackupIncremental, BackupDifferential, BackupSnapshot:
		return b, nil
	case "":
		return BackupFull, nil
	}
	return "", fmt.Errorf("unknown backup type %q", s)
}

// Engine names a database dump engine.
type Engine string

// Supported engines.
const (
	EngineSQLite   Engine = "sqlite"
	EnginePostgres Engine = "postgres"
	EngineMySQL    Engine = "mysql"
	EngineInflux   Engine = "influxdb"
)

// RetentionPolicy names a rotation scheme. Only the first tier's keep-count
// is enforced; the tier names describe the intended operator cadence.
type RetentionPolicy string

// Retention policies and their keep-counts.
const (
	RetentionDaily7   RetentionPolicy = "daily_7_weekly_4_monthly_12"
	RetentionDaily30  RetentionPolicy = "daily_30_weekly_8_monthly_6"
	RetentionHourly24 RetentionPolicy = "hourly_24_daily_7_weekly_4"
)

// Keep returns how many artifacts the policy retains per target.
func (p RetentionPolicy) Keep() int {
	switch p {
	case RetentionDaily30:
		return 30
	case RetentionHourly24:
		return 24
	default:
		return 7
	}
}

// ParseRetentionPolicy validates a policy name from config. Empty defaults
// to the 7-day scheme.
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	switch p := RetentionPolicy(s); p {
	case RetentionDaily7, RetentionDaily30, RetentionHourly24:
		return p, nil
	case "":
		return RetentionDaily7, nil
	}
	return "", fmt.Errorf("unknown retention policy %q", s)
}

// Target describes one thing to back up. For database targets, DSN is
// engine-specific: a connection string for pg_dump, extra CLI arguments for
// mysqldump, the host address for influxd; sqlite targets need only the
// database file path. Priority orders due targets, lower first.
type Target struct {
	ID          string
	Name        string
	Type        TargetType
	BackupType  BackupType
	Paths       []string
	Engine      Engine
	DSN         string
	Excludes    []string
	Retention   RetentionPolicy
	Compress    bool
	PreCommand  []string
	PostCommand []string
	Schedule    time.Duration
	Priority    int
	Verify      bool
}

type targetSpec struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	BackupType  string   `yaml:"backup_type"`
	Path        string   `yaml:"path"`
	Paths       []string `yaml:"paths"`
	Engine      string   `yaml:"engine"`
	DSN         string   `yaml:"dsn"`
	Excludes    []string `yaml:"excludes"`
	Retention   string   `yaml:"retention"`
	Compress    *bool    `yaml:"compress"`
	PreCommand  []string `yaml:"pre_command"`
	PostCommand []string `yaml:"post_command"`
	Schedule    string   `yaml:"schedule"`
	Priority    int      `yaml:"priority"`
	Verify      *bool    `yaml:"verify"`
}

type targetFile struct {
	Targets []targetSpec `yaml:"targets"`
}

// LoadTargets reads backup targets from a YAML file. Invalid targets are
// logged and skipped; only an unreadable or unparseable file is an error.
func LoadTargets(path string, logger *slog.Logger) ([]Target, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	var f targetFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}

	targets := make([]Target, 0, len(f.Targets))
	seen := make(map[string]bool)
	for i, spec := range f.Targets {
		t, err := spec.build()
		if err != nil {
			logger.Error("skipping invalid backup target", "index", i, "id", spec.ID, "error", err)
			continue
		}
		if seen[t.ID] {
			logger.Error("skipping duplicate backup target", "id", t.ID)
			continue
		}
		seen[t.ID] = true
		targets = append(targets, t)
	}
	return targets, nil
}

func (s targetSpec) build() (Target, error) {
	if s.ID == "" {
		return Target{}, errors.New("missing id")
	}
	paths := s.Paths
	if s.Path != "" {
		paths = append([]string{s.Path}, s.Paths...)
	}
	if len(paths) == 0 {
		return Target{}, errors.New("missing path")
	}

	t := Target{
		ID:          s.ID,
		Name:        s.Name,
		Paths:       paths,
		DSN:         s.DSN,
		Excludes:    s.Excludes,
		Compress:    true,
		PreCommand:  s.PreCommand,
		PostCommand: s.PostCommand,
		Priority:    s.Priority,
		Verify:      true,
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	if s.Compress != nil {
		t.Compress = *s.Compress
	}
	if s.Verify != nil {
		t.Verify = *s.Verify
	}

	switch tt := TargetType(s.Type); tt {
	case TargetDirectory:
		t.Type = tt
		if s.Engine != "" {
			return Target{}, errors.New("engine is only valid for database targets")
		}
	case TargetDatabase:
		t.Type = tt
		switch e := Engine(s.Engine); e {
		case EngineSQLite, EnginePostgres, EngineMySQL, EngineInflux:
			t.Engine = e
		default:
			return Target{}, fmt.Errorf("unknown engine %q", s.Engine)
		}
		if len(paths) > 1 {
			return Target{}, errors.New("database targets take a single path")
		}
	default:
		return Target{}, fmt.Errorf("unknown target type %q", s.Type)
	}

	bt, err := ParseBackupType(s.BackupType)
	if err != nil {
		return Target{}, err
	}
	if t.Type == TargetDatabase && (bt == BackupIncremental || bt == BackupDifferential) {
		return Target{}, fmt.Errorf("%s backups are only valid for directory targets, engine dumps are always complete", bt)
	}
	t.BackupType = bt

	policy, err := ParseRetentionPolicy(s.Retention)
	if err != nil {
		return Target{}, err
	}
	t.Retention = policy

	if s.Schedule != "" {
		d, err := time.ParseDuration(s.Schedule)
		if err != nil {
			return Target{}, fmt.Errorf("schedule: %w", err)
		}
		if d <= 0 {
			return Target{}, errors.New("schedule must be positive")
		}
		t.Schedule = d
	}
	return t, nil
}

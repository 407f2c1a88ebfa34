package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTargets(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTargets(t *testing.T) {
	path := writeTargets(t, `
targets:
  - id: app-data
    name: Application data
    type: directory
    backup_type: incremental
    path: /srv/app
    paths: ["/etc/app"]
    excludes: ["*.tmp", "cache"]
    retention: daily_30_weekly_8_monthly_6
    schedule: 12h
    priority: 2
    compress: false
  - id: metrics-db
    type: database
    engine: sqlite
    path: /var/lib/vigil/metrics.db
    verify: false
  - id: orders
    type: database
    engine: postgres
    path: /var/lib/postgresql
    dsn: postgres://backup@db/orders
    pre_command: ["pg-quiesce", "--wait"]
`)
	targets, err := LoadTargets(path, testLogger())
	if err != nil {
		t.Fatalf("LoadTargets: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("got %d targets, want 3", len(targets))
	}

	app := targets[0]
	if app.Name != "Application data" || app.Type != TargetDirectory {
		t.Errorf("app = %+v", app)
	}
	if app.BackupType != BackupIncremental {
		t.Errorf("backup type = %q, want incremental", app.BackupType)
	}
	if len(app.Paths) != 2 || app.Paths[0] != "/srv/app" || app.Paths[1] != "/etc/app" {
		t.Errorf("paths = %v, want path merged before paths", app.Paths)
	}
	if app.Retention != RetentionDaily30 || app.Retention.Keep() != 30 {
		t.Errorf("retention = %q keep %d", app.Retention, app.Retention.Keep())
	}
	if app.Schedule != 12*time.Hour {
		t.Errorf("schedule = %v, want 12h", app.Schedule)
	}
	if app.Priority != 2 {
		t.Errorf("priority = %d, want 2", app.Priority)
	}
	if app.Compress {
		t.Error("compress: false should stick")
	}
	if !app.Verify {
		t.Error("verify should default to true")
	}

	db := targets[1]
	if db.Name != "metrics-db" {
		t.Errorf("name should default to id, got %q", db.Name)
	}
	if db.Engine != EngineSQLite || db.Verify {
		t.Errorf("db = %+v", db)
	}
	if db.BackupType != BackupFull {
		t.Errorf("backup type should default to full, got %q", db.BackupType)
	}
	if !db.Compress {
		t.Error("compress should default to true")
	}
	if db.Retention != RetentionDaily7 {
		t.Errorf("retention should default to %q, got %q", RetentionDaily7, db.Retention)
	}

	pg := targets[2]
	if pg.Engine != EnginePostgres || pg.DSN != "postgres://backup@db/orders" {
		t.Errorf("pg = %+v", pg)
	}
	if len(pg.PreCommand) != 2 || pg.PreCommand[0] != "pg-quiesce" {
		t.Errorf("pre_command = %v", pg.PreCommand)
	}
}

func TestLoadTargetsSkipsInvalid(t *testing.T) {
	path := writeTargets(t, `
targets:
  - id: good
    type: directory
    path: /srv/good
  - name: no id
    type: directory
    path: /srv/anon
  - id: no-path
    type: directory
  - id: bad-engine
    type: database
    engine: oracle
    path: /var/lib/oracle
  - id: bad-type
    type: snapshot
    path: /srv/x
  - id: dir-with-engine
    type: directory
    engine: sqlite
    path: /srv/x
  - id: bad-schedule
    type: directory
    path: /srv/x
    schedule: -1h
  - id: bad-backup-type
    type: directory
    path: /srv/x
    backup_type: hourly
  - id: incremental-db
    type: database
    engine: sqlite
    path: /var/lib/x.db
    backup_type: incremental
  - id: multi-path-db
    type: database
    engine: sqlite
    paths: ["/var/lib/a.db", "/var/lib/b.db"]
  - id: good
    type: directory
    path: /srv/duplicate
`)
	targets, err := LoadTargets(path, testLogger())
	if err != nil {
		t.Fatalf("LoadTargets: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("got %d targets, want 1: %+v", len(targets), targets)
	}
	if targets[0].Paths[0] != "/srv/good" {
		t.Errorf("kept wrong target: %+v", targets[0])
	}
}

func TestLoadTargetsMissingFile(t *testing.T) {
	if _, err := LoadTargets(filepath.Join(t.TempDir(), "absent.yaml"), testLogger()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseRetentionPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    RetentionPolicy
		wantErr bool
	}{
		{"", RetentionDaily7, false},
		{"daily_7_weekly_4_monthly_12", RetentionDaily7, false},
		{"daily_30_weekly_8_monthly_6", RetentionDaily30, false},
		{"hourly_24_daily_7_weekly_4", RetentionHourly24, false},
		{"weekly_52", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRetentionPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRetentionPolicy(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRetentionPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRetentionKeep(t *testing.T) {
	if got := RetentionDaily7.Keep(); got != 7 {
		t.Errorf("daily_7 keep = %d", got)
	}
	if got := RetentionDaily30.Keep(); got != 30 {
		t.Errorf("daily_30 keep = %d", got)
	}
	if got := RetentionHourly24.Keep(); got != 24 {
		t.Errorf("hourly_24 keep = %d", got)
	}
}

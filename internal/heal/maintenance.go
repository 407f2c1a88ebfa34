package heal

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/vigil-dev/vigil/internal/platform"
)

// MaintenanceConfig tunes maintenance windows and their routine tasks.
type MaintenanceConfig struct {
	WindowLength     time.Duration // default 30m
	TasksPerCycle    int           // tasks run per check cycle, default 5
	TaskTimeout      time.Duration // per task, default 5m
	LogDirs          []string      // directories swept by log rotation
	LogRetention     time.Duration // default 30 days
	ScratchDir       string        // backup scratch directory
	ScratchRetention time.Duration // default 7 days
	ConfigPaths      []string      // files or dirs snapshotted by config backup
	Mounts           []string      // mounts reported on, default ["/"]
	Commands         [][]string    // operator checks, e.g. cert renewal
}

func (c *MaintenanceConfig) setDefaults() {
	if c.WindowLength <= 0 {
		c.WindowLength = 30 * time.Minute
	}
	if c.TasksPerCycle <= 0 {
		c.TasksPerCycle = 5
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 30 * 24 * time.Hour
	}
	if c.ScratchRetention <= 0 {
		c.ScratchRetention = 7 * 24 * time.Hour
	}
	if len(c.Mounts) == 0 {
		c.Mounts = []string{"/"}
	}
}

// task is one queued maintenance action.
type task struct {
	name     string
	priority int
	run      func(ctx context.Context) (string, error)
}

// BeginMaintenance opens a maintenance window: recovery pauses for the
// configured length, queued recovery candidates are discarded, and the
// routine task list is queued for the coming cycles. Driven by the daemon's
// cron schedule.
func (o *Orchestrator) BeginMaintenance() {
	o.mu.Lock()
	o.windowUntil = o.now().Add(o.cfg.Maintenance.WindowLength)
	o.pending = o.tasks()
	until := o.windowUntil
	queued := len(o.pending)
	o.mu.Unlock()

	if dropped := len(o.queue.Drain(0)); dropped > 0 {
		o.logger.Info("discarded queued recoveries for maintenance", "count", dropped)
	}
	o.logger.Info("maintenance window opened", "until", until, "tasks", queued)
}

// InMaintenance reports whether a maintenance window is currently open.
func (o *Orchestrator) InMaintenance() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inMaintenanceLocked()
}

func (o *Orchestrator) inMaintenanceLocked() bool {
	return o.now().Before(o.windowUntil)
}

// tasks builds the maintenance task list, ordered by priority.
func (o *Orchestrator) tasks() []task {
	tasks := []task{
		{name: "docker_prune", priority: 1, run: o.taskPrune},
		{name: "log_rotation", priority: 2, run: o.taskLogRotation},
		{name: "backup_cleanup", priority: 3, run: o.taskBackupCleanup},
		{name: "health_validation", priority: 4, run: o.taskHealthValidation},
		{name: "config_backup", priority: 5, run: o.taskConfigBackup},
		{name: "disk_report", priority: 6, run: o.taskDiskReport},
	}
	for _, argv := range o.cfg.Maintenance.Commands {
		if len(argv) == 0 {
			continue
		}
		tasks = append(tasks, task{
			name:     "command_" + filepath.Base(argv[0]),
			priority: 7,
			run: func(ctx context.Context) (string, error) {
				out, err := o.runner.Run(ctx, o.cfg.Maintenance.TaskTimeout, argv...)
				return firstLine(out), err
			},
		})
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].priority < tasks[j].priority })
	return tasks
}

// maintain runs up to TasksPerCycle queued tasks. Remaining tasks wait for
// the next cycle; tasks left when the window closes are dropped with it.
func (o *Orchestrator) maintain(ctx context.Context) {
	for range o.cfg.Maintenance.TasksPerCycle {
		o.mu.Lock()
		if len(o.pending) == 0 || !o.inMaintenanceLocked() {
			o.mu.Unlock()
			return
		}
		t := o.pending[0]
		o.pending = o.pending[1:]
		o.mu.Unlock()
		o.runTask(ctx, t)
	}
}

func (o *Orchestrator) runTask(ctx context.Context, t task) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Maintenance.TaskTimeout)
	defer cancel()

	start := o.now()
	detail, err := t.run(ctx)
	elapsed := o.now().Sub(start)

	ok := 1.0
	if err != nil {
		ok = 0
		o.logger.Warn("maintenance task failed", "task", t.name, "error", err)
	} else {
		o.logger.Info("maintenance task finished", "task", t.name, "took", elapsed, "detail", detail)
	}
	o.sink.Write(platform.DBMaintenance, platform.Point{
		Measurement: "maintenance",
		Tags:        map[string]string{"task": t.name},
		Fields:      map[string]float64{"ok": ok, "duration_seconds": elapsed.Seconds()},
		Time:        o.now(),
	})
}

func (o *Orchestrator) taskPrune(ctx context.Context) (string, error) {
	reclaimed, err := o.containers.Prune(ctx)
	if err != nil {
		return "", err
	}
	return "reclaimed " + platform.HumanBytes(reclaimed), nil
}

// taskLogRotation deletes aged-out log files under the configured
// directories. Unreadable entries are skipped silently.
func (o *Orchestrator) taskLogRotation(_ context.Context) (string, error) {
	cutoff := o.now().Add(-o.cfg.Maintenance.LogRetention)
	removed := 0
	var freed uint64
	for _, dir := range o.cfg.Maintenance.LogDirs {
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if ok, _ := filepath.Match("*.log*", d.Name()); !ok {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.ModTime().After(cutoff) {
				return nil
			}
			if err := os.Remove(path); err == nil {
				removed++
				freed += uint64(info.Size())
			}
			return nil
		})
	}
	return fmt.Sprintf("removed %d files, freed %s", removed, platform.HumanBytes(freed)), nil
}

// taskBackupCleanup removes aged-out entries from the backup scratch
// directory.
func (o *Orchestrator) taskBackupCleanup(_ context.Context) (string, error) {
	dir := o.cfg.Maintenance.ScratchDir
	if dir == "" {
		return "no scratch dir configured", nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	cutoff := o.now().Add(-o.cfg.Maintenance.ScratchRetention)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return fmt.Sprintf("removed %d entries", removed), nil
}

// taskHealthValidation re-assesses every service and writes a summary point.
func (o *Orchestrator) taskHealthValidation(ctx context.Context) (string, error) {
	services, err := o.containers.List(ctx)
	if err != nil {
		return "", err
	}
	var healthy, warning, critical int
	for i := range services {
		switch Assess(services[i]).Level {
		case LevelWarning:
			warning++
		case LevelCritical:
			critical++
		default:
			healthy++
		}
	}
	o.sink.Write(platform.DBMaintenance, platform.Point{
		Measurement: "health_validation",
		Fields: map[string]float64{
			"healthy":  float64(healthy),
			"warning":  float64(warning),
			"critical": float64(critical),
		},
		Time: o.now(),
	})
	return fmt.Sprintf("%d healthy, %d warning, %d critical", healthy, warning, critical), nil
}

// taskConfigBackup snapshots the configured config files and directories
// into a dated directory under the scratch dir. Backup cleanup ages the
// snapshots out with the rest of the scratch entries.
func (o *Orchestrator) taskConfigBackup(_ context.Context) (string, error) {
	if len(o.cfg.Maintenance.ConfigPaths) == 0 {
		return "no config paths configured", nil
	}
	if o.cfg.Maintenance.ScratchDir == "" {
		return "no scratch dir configured", nil
	}
	dest := filepath.Join(o.cfg.Maintenance.ScratchDir, "config-"+o.now().Format("20060102_150405"))
	copied := 0
	var size uint64
	for _, root := range o.cfg.Maintenance.ConfigPaths {
		base := filepath.Base(root)
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			dst := filepath.Join(dest, base)
			if rel != "." {
				dst = filepath.Join(dst, rel)
			}
			if err := copyFile(path, dst); err != nil {
				o.logger.Warn("config copy failed", "path", path, "error", err)
				return nil
			}
			copied++
			if info, err := d.Info(); err == nil {
				size += uint64(info.Size())
			}
			return nil
		})
	}
	if copied == 0 {
		return "no files copied", nil
	}
	return fmt.Sprintf("copied %d files, %s", copied, platform.HumanBytes(size)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// taskDiskReport samples usage on each configured mount.
func (o *Orchestrator) taskDiskReport(ctx context.Context) (string, error) {
	var parts []string
	for _, mount := range o.cfg.Maintenance.Mounts {
		usage, err := disk.UsageWithContext(ctx, mount)
		if err != nil {
			o.logger.Warn("disk usage failed", "mount", mount, "error", err)
			continue
		}
		o.sink.Write(platform.DBResources, platform.Point{
			Measurement: "disk",
			Tags:        map[string]string{"mount": mount},
			Fields: map[string]float64{
				"used_percent": usage.UsedPercent,
				"free_bytes":   float64(usage.Free),
				"total_bytes":  float64(usage.Total),
			},
			Time: o.now(),
		})
		o.observe("disk_used_percent", usage.UsedPercent, map[string]string{"mount": mount})
		parts = append(parts, fmt.Sprintf("%s %.0f%%", mount, usage.UsedPercent))
	}
	if len(parts) == 0 {
		return "no mounts reported", nil
	}
	return strings.Join(parts, ", "), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

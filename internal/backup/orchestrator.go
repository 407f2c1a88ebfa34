package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-dev/vigil/internal/platform"
)

// Status is an operation's lifecycle state.
type Status string

// Operation states, in pipeline order.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusVerified  Status = "verified"
)

// Operation records one backup run.
type Operation struct {
	ID          string
	TargetID    string
	Type        BackupType
	Status      Status
	StartedAt   time.Time
	FinishedAt  time.Time
	Artifact    string
	SizeBytes   uint64
	SourceBytes uint64
	Ratio       float64
	FileCount   int
	SHA256      string
	Location    string
	Err         string
}

// ErrUnknownTarget reports a trigger for a target that is not configured.
var ErrUnknownTarget = errors.New("backup target not found")

const (
	backupQueueSize  = 100
	operationHistory = 1000
	cmdTimeout       = 5 * time.Minute // pre/post commands
)

// Config tunes the backup pipeline.
type Config struct {
	Tick            time.Duration // due-target scan cadence, default 10m
	DefaultSchedule time.Duration // per-target fallback interval, default 24h
	Timeout         time.Duration // per operation, default 30m
	ScratchDir      string        // dump scratch space, default os.TempDir()
	Locations       []Location
}

func (c *Config) setDefaults() {
	if c.Tick <= 0 {
		c.Tick = 10 * time.Minute
	}
	if c.DefaultSchedule <= 0 {
		c.DefaultSchedule = 24 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
}

// Orchestrator runs the backup pipeline: a periodic tick queues due targets,
// a single worker produces, verifies, and rotates artifacts sequentially. A
// target is never backed up concurrently with itself.
type Orchestrator struct {
	logger    *slog.Logger
	runner    platform.CommandRunner
	sink      *platform.Sink
	notifier  *platform.Notifier
	cfg       Config
	locations []Location // sorted by ascending priority
	free      func(path string) (uint64, error)
	queue     *platform.Queue[string]
	history   *platform.Ring[Operation]
	now       func() time.Time
	done      chan struct{}

	mu       sync.Mutex
	targets  map[string]Target
	queued   map[string]bool
	inflight map[string]bool
	lastDone map[string]time.Time // FinishedAt per target, drives scheduling
	lastRun  map[string]time.Time // StartedAt of the last completed run, incremental baseline
	lastFull map[string]time.Time // StartedAt of the last complete capture, differential baseline
}

// New creates the backup orchestrator over the given targets and locations.
func New(cfg Config, targets []Target, runner platform.CommandRunner, sink *platform.Sink, notifier *platform.Notifier, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	locations := append([]Location(nil), cfg.Locations...)
	sort.SliceStable(locations, func(i, j int) bool {
		return locations[i].Priority < locations[j].Priority
	})

	o := &Orchestrator{
		logger:    logger.With("component", "backup"),
		runner:    runner,
		sink:      sink,
		notifier:  notifier,
		cfg:       cfg,
		locations: locations,
		free:      diskFree,
		queue:     platform.NewQueue[string](backupQueueSize),
		history:   platform.NewRing[Operation](operationHistory),
		now:       time.Now,
		done:      make(chan struct{}),
		targets:   make(map[string]Target),
		queued:    make(map[string]bool),
		inflight:  make(map[string]bool),
		lastDone:  make(map[string]time.Time),
		lastRun:   make(map[string]time.Time),
		lastFull:  make(map[string]time.Time),
	}
	for _, t := range targets {
		o.targets[t.ID] = t
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o750); err != nil {
		o.logger.Warn("scratch dir unavailable", "dir", cfg.ScratchDir, "error", err)
	}
	return o
}

// Run drains the operation queue sequentially until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue.C():
			o.process(ctx, id)
		}
	}
}

// Wait blocks until Run() has exited.
func (o *Orchestrator) Wait() {
	<-o.done
}

// Tick queues every target whose last completed operation is older than its
// schedule, lowest priority value first. Registered with the scheduler.
func (o *Orchestrator) Tick(context.Context) {
	now := o.now()
	o.mu.Lock()
	var due []Target
	for id, t := range o.targets {
		if o.queued[id] || o.inflight[id] {
			continue
		}
		interval := t.Schedule
		if interval <= 0 {
			interval = o.cfg.DefaultSchedule
		}
		if last, ok := o.lastDone[id]; !ok || now.Sub(last) >= interval {
			due = append(due, t)
		}
	}
	o.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ID < due[j].ID
	})
	for _, t := range due {
		o.enqueue(t.ID)
	}
}

// TriggerNow queues an immediate backup of the target.
func (o *Orchestrator) TriggerNow(id string) error {
	o.mu.Lock()
	_, ok := o.targets[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %q: %w", id, ErrUnknownTarget)
	}
	if !o.enqueue(id) {
		return fmt.Errorf("target %s already queued or in flight", id)
	}
	return nil
}

func (o *Orchestrator) enqueue(id string) bool {
	o.mu.Lock()
	if o.queued[id] || o.inflight[id] {
		o.mu.Unlock()
		return false
	}
	o.queued[id] = true
	o.mu.Unlock()

	if !o.queue.Push(id) {
		o.mu.Lock()
		delete(o.queued, id)
		o.mu.Unlock()
		platform.QueueDrops.WithLabelValues("backups").Inc()
		o.logger.Warn("backup queue full, dropping", "target", id)
		return false
	}
	return true
}

// ReloadTargets swaps the target set. In-flight work finishes under the old
// definition; state for removed targets is dropped.
func (o *Orchestrator) ReloadTargets(targets []Target) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := make(map[string]Target, len(targets))
	for _, t := range targets {
		next[t.ID] = t
	}
	for id := range o.lastDone {
		if _, ok := next[id]; !ok {
			delete(o.lastDone, id)
			delete(o.lastRun, id)
			delete(o.lastFull, id)
		}
	}
	o.targets = next
	o.logger.Info("backup targets reloaded", "count", len(next))
}

// History returns up to limit operations, newest first. limit <= 0 returns
// everything retained.
func (o *Orchestrator) History(limit int) []Operation {
	return o.history.Last(limit)
}

// process runs the full pipeline for one target.
func (o *Orchestrator) process(ctx context.Context, id string) {
	o.mu.Lock()
	t, ok := o.targets[id]
	delete(o.queued, id)
	if !ok {
		o.mu.Unlock()
		o.logger.Warn("backup target vanished before run", "target", id)
		return
	}
	o.inflight[id] = true
	// Incremental and differential runs capture changes past a baseline; a
	// zero baseline (nothing completed yet) captures everything.
	var since time.Time
	switch t.BackupType {
	case BackupIncremental:
		since = o.lastRun[id]
	case BackupDifferential:
		since = o.lastFull[id]
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, id)
		o.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	op := Operation{
		ID:        "op-" + uuid.NewString(),
		TargetID:  id,
		Type:      t.BackupType,
		Status:    StatusPending,
		StartedAt: o.now(),
	}
	o.record(op)
	o.logger.Info("backup started", "target", id, "type", t.BackupType)

	if len(t.PreCommand) > 0 {
		if _, err := o.runner.Run(ctx, cmdTimeout, t.PreCommand...); err != nil {
			o.logger.Warn("pre-command failed", "target", id, "error", err)
		}
	}

	loc, fellBack, err := o.chooseLocation(estimateSize(t))
	if err != nil {
		o.fail(&op, t, fmt.Errorf("storage selection: %w", err))
		return
	}
	if fellBack {
		o.logger.Warn("no location has free headroom, using default",
			"target", id, "location", loc.Name)
		o.notifier.Notify(platform.Notification{
			Key:      "backup-storage:" + id,
			Title:    "Backup storage fallback: " + t.Name,
			Body:     fmt.Sprintf("no location has free headroom, falling back to %s", loc.Name),
			Severity: platform.SeverityMedium,
			Time:     o.now(),
		})
	}
	op.Location = loc.Name

	artifact := artifactPath(loc, t, op.StartedAt)
	if err := os.MkdirAll(filepath.Dir(artifact), 0o750); err != nil {
		o.fail(&op, t, fmt.Errorf("artifact dir: %w", err))
		return
	}
	op.Artifact = artifact
	op.Status = StatusRunning
	o.record(op)

	res, err := o.produce(ctx, t, artifact, since)
	if err != nil {
		os.Remove(artifact)
		op.Artifact = ""
		o.fail(&op, t, err)
		return
	}
	op.SizeBytes = res.SizeBytes
	op.SourceBytes = res.SourceBytes
	op.FileCount = res.FileCount
	op.SHA256 = res.SHA256
	if res.SizeBytes > 0 {
		op.Ratio = float64(res.SourceBytes) / float64(res.SizeBytes)
	}
	op.FinishedAt = o.now()
	op.Status = StatusCompleted
	o.record(op)

	if t.Verify {
		if err := verifyArchive(artifact, op.SHA256); err != nil {
			o.fail(&op, t, fmt.Errorf("verification: %w", err))
			return
		}
		op.Status = StatusVerified
		o.record(op)
	}

	if len(t.PostCommand) > 0 {
		if _, err := o.runner.Run(ctx, cmdTimeout, t.PostCommand...); err != nil {
			o.logger.Warn("post-command failed", "target", id, "error", err)
		}
	}

	o.mu.Lock()
	o.lastDone[id] = op.FinishedAt
	o.lastRun[id] = op.StartedAt
	if since.IsZero() {
		o.lastFull[id] = op.StartedAt
	}
	o.mu.Unlock()
	o.history.Append(op)
	platform.BackupRuns.WithLabelValues(string(op.Status)).Inc()

	o.logger.Info("backup finished",
		"target", id, "artifact", filepath.Base(artifact),
		"size", platform.HumanBytes(op.SizeBytes), "files", op.FileCount,
		"took", op.FinishedAt.Sub(op.StartedAt).Round(time.Millisecond))
	body := fmt.Sprintf("%s (%s, %d files, ratio %.1fx)",
		filepath.Base(artifact), platform.HumanBytes(op.SizeBytes), op.FileCount, op.Ratio)
	o.notifier.Notify(platform.Notification{
		Key:      "backup:" + id,
		Title:    "Backup completed: " + t.Name,
		Body:     body,
		Severity: platform.SeverityInfo,
		Time:     op.FinishedAt,
	})

	o.retain(t)
}

// produce creates the artifact for t: directories are archived in place,
// databases are dumped to scratch first.
func (o *Orchestrator) produce(ctx context.Context, t Target, artifact string, since time.Time) (archiveResult, error) {
	if t.Type == TargetDirectory {
		return buildArchive(artifact, archiveSpec{
			Roots:    t.Paths,
			Excludes: t.Excludes,
			Since:    since,
			Compress: t.Compress,
		})
	}
	scratch, err := os.MkdirTemp(o.cfg.ScratchDir, "dump-"+t.ID+"-")
	if err != nil {
		return archiveResult{}, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	src, err := o.dumpTo(ctx, t, scratch)
	if err != nil {
		return archiveResult{}, err
	}
	return buildArchive(artifact, archiveSpec{Roots: []string{src}, Compress: t.Compress})
}

func (o *Orchestrator) fail(op *Operation, t Target, err error) {
	op.Status = StatusFailed
	op.Err = err.Error()
	op.FinishedAt = o.now()
	o.record(*op)
	o.history.Append(*op)
	platform.BackupRuns.WithLabelValues(string(StatusFailed)).Inc()

	o.logger.Error("backup failed", "target", op.TargetID, "error", err)
	o.notifier.Notify(platform.Notification{
		Key:      "backup:" + op.TargetID,
		Title:    "Backup failed: " + t.Name,
		Body:     err.Error(),
		Severity: platform.SeverityHigh,
		Time:     op.FinishedAt,
	})
}

// record writes the operation's current state as a point.
func (o *Orchestrator) record(op Operation) {
	var duration float64
	if !op.FinishedAt.IsZero() {
		duration = op.FinishedAt.Sub(op.StartedAt).Seconds()
	}
	o.sink.Write(platform.DBRecovery, platform.Point{
		Measurement: "backups",
		Tags: map[string]string{
			"target":   op.TargetID,
			"type":     string(op.Type),
			"status":   string(op.Status),
			"location": op.Location,
		},
		Fields: map[string]float64{
			"size_bytes":       float64(op.SizeBytes),
			"source_bytes":     float64(op.SourceBytes),
			"ratio":            op.Ratio,
			"file_count":       float64(op.FileCount),
			"duration_seconds": duration,
		},
		Time: o.now(),
	})
}

// RetainAll applies retention for every target, used at startup.
func (o *Orchestrator) RetainAll() {
	o.mu.Lock()
	targets := make([]Target, 0, len(o.targets))
	for _, t := range o.targets {
		targets = append(targets, t)
	}
	o.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	for _, t := range targets {
		o.retain(t)
	}
}

// retain keeps the newest artifacts per the target's policy and deletes the
// rest, along with emptied date directories. Failures are logged, never
// fatal.
func (o *Orchestrator) retain(t Target) {
	type artifact struct {
		path string
		mod  time.Time
		size int64
	}
	var artifacts []artifact
	for _, loc := range o.locations {
		for _, ext := range []string{"*.tar.gz", "*.tar"} {
			pattern := filepath.Join(loc.Path, t.ID, "*", "*", "*", ext)
			matches, err := filepath.Glob(pattern)
			if err != nil {
				continue
			}
			for _, m := range matches {
				info, err := os.Stat(m)
				if err != nil {
					continue
				}
				artifacts = append(artifacts, artifact{m, info.ModTime(), info.Size()})
			}
		}
	}

	keep := t.Retention.Keep()
	if len(artifacts) <= keep {
		return
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].mod.After(artifacts[j].mod) })

	removed := 0
	var freed uint64
	for _, a := range artifacts[keep:] {
		if err := os.Remove(a.path); err != nil {
			o.logger.Warn("retention delete failed", "artifact", a.path, "error", err)
			continue
		}
		removed++
		freed += uint64(a.size)
		pruneEmptyDirs(filepath.Dir(a.path), 3)
	}
	if removed > 0 {
		o.logger.Info("retention pruned artifacts",
			"target", t.ID, "removed", removed, "freed", platform.HumanBytes(freed), "keep", keep)
	}
}

// pruneEmptyDirs removes dir and up to depth empty parents, stopping at the
// first non-empty one.
func pruneEmptyDirs(dir string, depth int) {
	for range depth {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

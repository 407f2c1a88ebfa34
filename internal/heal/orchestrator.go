package heal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-dev/vigil/internal/platform"
)

// ObserveFunc feeds a named metric into alert evaluation. The healer reports
// what it sees; the alert orchestrator decides what to do with it.
type ObserveFunc func(metric string, value float64, meta map[string]string)

const (
	recoveryQueueSize = 50
	recoveryHistory   = 1000
	failureSuppress   = 10 * time.Minute
)

// Config tunes the recovery loop.
type Config struct {
	CheckInterval   time.Duration // default 1m
	RecoveryTimeout time.Duration // per recovery action, default 1m
	MaxAttempts     int           // failures before session blacklist, default 3
	CooldownWait    time.Duration // pause inside a cooldown restart, default 10s
	Maintenance     MaintenanceConfig
}

func (c *Config) setDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CooldownWait <= 0 {
		c.CooldownWait = 10 * time.Second
	}
	c.Maintenance.setDefaults()
}

// Recovery records one executed recovery action.
type Recovery struct {
	ID       string
	Service  string
	Strategy Strategy
	Attempt  int
	Started  time.Time
	Finished time.Time
	OK       bool
	Detail   string
}

// candidate is one queued recovery decision, carrying the service snapshot
// the decision was made on.
type candidate struct {
	service  Service
	strategy Strategy
	level    Level
}

// Orchestrator assesses managed services each cycle and executes recovery
// actions for the unhealthy ones. Repeated failures blacklist a service for
// the rest of the session; maintenance windows pause recovery and run routine
// tasks instead.
type Orchestrator struct {
	logger     *slog.Logger
	containers Containers
	runner     platform.CommandRunner
	sink       *platform.Sink
	notifier   *platform.Notifier
	observe    ObserveFunc
	cfg        Config
	queue      *platform.Queue[candidate]
	history    *platform.Ring[Recovery]
	now        func() time.Time

	mu          sync.Mutex
	attempts    map[string]int
	blacklist   map[string]bool
	waiting     map[string]bool // restarting services given one cycle to settle
	windowUntil time.Time
	pending     []task

	// drainMu serializes recovery execution across the cycle loop and the
	// event watcher.
	drainMu sync.Mutex
}

// New creates the recovery orchestrator. observe may be nil.
func New(cfg Config, containers Containers, runner platform.CommandRunner, sink *platform.Sink, notifier *platform.Notifier, observe ObserveFunc, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	if observe == nil {
		observe = func(string, float64, map[string]string) {}
	}
	return &Orchestrator{
		logger:     logger.With("component", "heal"),
		containers: containers,
		runner:     runner,
		sink:       sink,
		notifier:   notifier,
		observe:    observe,
		cfg:        cfg,
		queue:      platform.NewQueue[candidate](recoveryQueueSize),
		history:    platform.NewRing[Recovery](recoveryHistory),
		now:        time.Now,
		attempts:   make(map[string]int),
		blacklist:  make(map[string]bool),
		waiting:    make(map[string]bool),
	}
}

// Run drives assessment cycles until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	o.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Check(ctx)
		}
	}
}

// Check runs one cycle: assess every managed service, queue recovery
// candidates, then execute them. Inside a maintenance window recovery is
// paused and queued maintenance tasks run instead; assessment itself never
// pauses.
func (o *Orchestrator) Check(ctx context.Context) {
	services, err := o.containers.List(ctx)
	if err != nil {
		o.logger.Error("service listing failed", "error", err)
		return
	}
	for i := range services {
		o.handle(Assess(services[i]))
	}
	if o.InMaintenance() {
		o.maintain(ctx)
		return
	}
	o.drain(ctx)
}

// CheckService re-assesses a single service outside the regular cycle, used
// by the event watcher to react to dies and failed health probes without
// waiting for the next tick.
func (o *Orchestrator) CheckService(ctx context.Context, name string) {
	services, err := o.containers.List(ctx)
	if err != nil {
		o.logger.Warn("service listing failed", "error", err)
		return
	}
	for i := range services {
		if services[i].Name != name {
			continue
		}
		o.handle(Assess(services[i]))
		if !o.InMaintenance() {
			o.drain(ctx)
		}
		return
	}
}

// handle reports one assessment and queues a recovery candidate when the
// verdict calls for action.
func (o *Orchestrator) handle(a Assessment) {
	o.report(a)
	name := a.Service.Name

	o.mu.Lock()
	defer o.mu.Unlock()

	if a.Level == LevelHealthy {
		delete(o.waiting, name)
		return
	}
	dominant := a.Dominant()
	strategy, ok := strategyFor(dominant)
	if !ok {
		o.logger.Warn("service degraded, no recovery strategy",
			"service", name, "level", a.Level, "issue", dominant)
		return
	}
	if o.blacklist[name] {
		o.logger.Warn("service blacklisted, skipping recovery",
			"service", name, "issue", dominant)
		return
	}
	if o.inMaintenanceLocked() {
		o.logger.Debug("maintenance window active, deferring recovery",
			"service", name, "issue", dominant)
		return
	}
	if dominant == IssueRestarting {
		// A restarting engine may settle on its own; intervene only when the
		// restart is still in flight one cycle later.
		if !o.waiting[name] {
			o.waiting[name] = true
			o.logger.Info("service restarting, waiting one cycle", "service", name)
			return
		}
	}
	delete(o.waiting, name)

	if !o.queue.Push(candidate{service: a.Service, strategy: strategy, level: a.Level}) {
		platform.QueueDrops.WithLabelValues("recoveries").Inc()
		o.logger.Warn("recovery queue full, dropping candidate", "service", name)
	}
}

// report persists the assessment and feeds service metrics into alerting.
func (o *Orchestrator) report(a Assessment) {
	s := a.Service
	healthy := 0.0
	if a.Level == LevelHealthy {
		healthy = 1
	}
	o.sink.Write(platform.DBResources, platform.Point{
		Measurement: "service_health",
		Tags:        map[string]string{"service": s.Name, "state": s.State, "level": string(a.Level)},
		Fields: map[string]float64{
			"healthy":       healthy,
			"mem_percent":   s.MemPercent,
			"restart_count": float64(s.RestartCount),
		},
		Time: o.now(),
	})
	meta := map[string]string{"service": s.Name}
	o.observe("service_memory_percent", s.MemPercent, meta)
	o.observe("service_restart_count", float64(s.RestartCount), meta)
}

// drain executes queued recoveries one at a time.
func (o *Orchestrator) drain(ctx context.Context) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()
	for _, c := range o.queue.Drain(0) {
		if ctx.Err() != nil {
			return
		}
		o.recover(ctx, c)
	}
}

// recover executes one recovery action and records the outcome. The third
// consecutive failure blacklists the service for the rest of the session.
func (o *Orchestrator) recover(ctx context.Context, c candidate) {
	name := c.service.Name

	o.mu.Lock()
	if o.blacklist[name] || o.inMaintenanceLocked() {
		o.mu.Unlock()
		return
	}
	attempt := o.attempts[name] + 1
	o.mu.Unlock()

	rec := Recovery{
		ID:       "rec-" + uuid.NewString(),
		Service:  name,
		Strategy: c.strategy,
		Attempt:  attempt,
		Started:  o.now(),
	}
	o.logger.Info("attempting recovery",
		"service", name, "strategy", c.strategy, "attempt", attempt)

	err := o.execute(ctx, c)

	rec.Finished = o.now()
	rec.OK = err == nil
	blacklisted := false

	o.mu.Lock()
	if err != nil {
		rec.Detail = err.Error()
		o.attempts[name] = attempt
		if attempt >= o.cfg.MaxAttempts {
			o.blacklist[name] = true
			blacklisted = true
		}
	} else {
		rec.Detail = "recovered"
		delete(o.attempts, name)
	}
	o.mu.Unlock()
	o.history.Append(rec)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	platform.RecoveryAttempts.WithLabelValues(string(c.strategy), outcome).Inc()
	o.sink.Write(platform.DBMaintenance, platform.Point{
		Measurement: "recoveries",
		Tags:        map[string]string{"service": name, "strategy": string(c.strategy), "outcome": outcome},
		Fields: map[string]float64{
			"attempt":          float64(attempt),
			"duration_seconds": rec.Finished.Sub(rec.Started).Seconds(),
		},
		Time: rec.Finished,
	})

	// Only critical services page; warning-level recoveries are routine.
	if err != nil {
		o.logger.Error("recovery failed",
			"service", name, "strategy", c.strategy, "attempt", attempt, "error", err)
		if blacklisted {
			o.logger.Warn("service blacklisted for this session",
				"service", name, "attempts", attempt)
		}
		if c.level == LevelCritical {
			o.notifier.Notify(platform.Notification{
				Key:      "recover:" + name,
				Title:    "Recovery failed: " + name,
				Body:     fmt.Sprintf("%s attempt %d/%d failed: %v", c.strategy, attempt, o.cfg.MaxAttempts, err),
				Severity: platform.SeverityHigh,
				Time:     rec.Finished,
				Fields:   recoveryFields(rec),
				Suppress: failureSuppress,
			})
		}
		return
	}

	o.logger.Info("recovery succeeded",
		"service", name, "strategy", c.strategy, "attempt", attempt)
	if c.level == LevelCritical {
		o.notifier.Notify(platform.Notification{
			Key:      "recovered:" + name,
			Title:    "Recovered: " + name,
			Body:     fmt.Sprintf("%s succeeded on attempt %d", c.strategy, attempt),
			Severity: platform.SeverityInfo,
			Time:     rec.Finished,
			Fields:   recoveryFields(rec),
		})
	}
}

// execute performs the actual engine calls for one strategy under the
// recovery timeout.
func (o *Orchestrator) execute(ctx context.Context, c candidate) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RecoveryTimeout)
	defer cancel()
	id := c.service.ID

	switch c.strategy {
	case StrategyStart:
		return o.containers.Start(ctx, id)
	case StrategyRestart:
		return o.containers.Restart(ctx, id)
	case StrategyKillStart:
		if err := o.containers.Kill(ctx, id); err != nil {
			return err
		}
		return o.containers.Start(ctx, id)
	case StrategyCooldown:
		if err := o.containers.Stop(ctx, id); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.CooldownWait):
		}
		return o.containers.Start(ctx, id)
	}
	return fmt.Errorf("unknown strategy %q", c.strategy)
}

func recoveryFields(rec Recovery) []platform.Field {
	return []platform.Field{
		{Title: "service", Value: rec.Service},
		{Title: "strategy", Value: string(rec.Strategy)},
		{Title: "attempt", Value: strconv.Itoa(rec.Attempt)},
	}
}

// History returns up to limit recoveries, newest first. limit <= 0 returns
// everything retained.
func (o *Orchestrator) History(limit int) []Recovery {
	return o.history.Last(limit)
}

// Blacklisted returns the services excluded from recovery, sorted by name.
func (o *Orchestrator) Blacklisted() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.blacklist))
	for name := range o.blacklist {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Unblacklist clears a service's blacklist entry and failure counter so
// recovery may try again. Returns false if the service was not blacklisted.
func (o *Orchestrator) Unblacklist(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.blacklist[name] {
		return false
	}
	delete(o.blacklist, name)
	delete(o.attempts, name)
	o.logger.Info("service removed from blacklist", "service", name)
	return true
}

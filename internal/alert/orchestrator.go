package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/internal/platform"
)

// ErrNotFound is returned for operations on an unknown alert id.
var ErrNotFound = errors.New("alert not found")

// Status is an alert lifecycle state.
type Status string

// Lifecycle states, in progression order. Transitions never go backward.
const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Alert is one active or historical rule breach, keyed by (rule, host).
type Alert struct {
	ID              string
	RuleID          string
	Name            string
	Metric          string
	Value           float64
	Threshold       float64
	Severity        platform.Severity
	Status          Status
	Host            string
	Service         string
	StartedAt       time.Time
	LastSeenAt      time.Time
	ResolvedAt      time.Time
	AckBy           string
	AckAt           time.Time
	CorrelationID   string
	EscalationLevel int
	Metadata        map[string]string
}

// Observation is one metric sample offered for evaluation.
type Observation struct {
	Metric string
	Value  float64
	Time   time.Time
	Meta   map[string]string
}

const (
	observationQueueSize = 10000
	historyLimit         = 50000
	historyRetention     = 24 * time.Hour
)

type instanceKey struct {
	ruleID string
	host   string
}

// Orchestrator evaluates observations against rules and owns the alert
// lifecycle: firing, acknowledgement, resolution, correlation, and
// escalation. Observations arrive through Observe and are processed by
// Evaluate, which the scheduler drives.
type Orchestrator struct {
	logger     *slog.Logger
	sink       *platform.Sink
	notifier   *platform.Notifier
	thresholds *Calculator
	queue      *platform.Queue[Observation]
	now        func() time.Time

	mu        sync.Mutex // protects rules, active, pending, history, deferred
	rules     []Rule
	active    map[instanceKey]*Alert
	pending   map[instanceKey]time.Time // first breach per instance, for sustain_for
	history   []*Alert
	deferred  []func() // slow side effects collected under mu, executed after release
	lastSweep time.Time
}

// New creates an orchestrator over the given rule set.
func New(rules []Rule, sink *platform.Sink, notifier *platform.Notifier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		logger:     logger.With("component", "alerts"),
		sink:       sink,
		notifier:   notifier,
		thresholds: NewCalculator(),
		queue:      platform.NewQueue[Observation](observationQueueSize),
		now:        time.Now,
		rules:      rules,
		active:     make(map[instanceKey]*Alert),
		pending:    make(map[instanceKey]time.Time),
		deferred:   make([]func(), 0, 8),
	}
}

// Observe queues a sample for the next evaluation pass. Never blocks; a full
// queue drops the newest sample.
func (o *Orchestrator) Observe(metric string, value float64, meta map[string]string) {
	ok := o.queue.Push(Observation{Metric: metric, Value: value, Time: o.now(), Meta: meta})
	if !ok {
		platform.QueueDrops.WithLabelValues("observations").Inc()
	}
}

// WarmupThresholds backfills dynamic threshold history from the sink so a
// restart does not reset every baseline to the static value. Best effort.
func (o *Orchestrator) WarmupThresholds(ctx context.Context) {
	o.mu.Lock()
	metrics := make(map[string]bool)
	for i := range o.rules {
		if o.rules[i].Dynamic {
			metrics[o.rules[i].Metric] = true
		}
	}
	o.mu.Unlock()

	for metric := range metrics {
		n := 0
		for p := range o.sink.QueryRecent(ctx, platform.DBResources, metric, recentWindow, nil) {
			if v, ok := p.Fields["value"]; ok {
				o.thresholds.Record(metric, v, p.Time)
				n++
			}
		}
		if n > 0 {
			o.logger.Debug("backfilled threshold history", "metric", metric, "points", n)
		}
	}
}

// Evaluate drains queued observations and advances the alert state machine.
// Driven by the scheduler; one pass also applies escalations, resolves
// alerts whose rule was removed, and prunes old history hourly.
func (o *Orchestrator) Evaluate(_ context.Context) {
	start := time.Now()
	obs := o.queue.Drain(0)

	o.mu.Lock()
	o.deferred = o.deferred[:0]
	now := o.now()

	for _, ob := range obs {
		o.process(ob, now)
	}
	o.resolveOrphans(now)
	o.escalate(now)
	if now.Sub(o.lastSweep) >= time.Hour {
		o.sweep(now)
		o.lastSweep = now
	}
	o.runDeferred()

	platform.EvalDuration.Observe(time.Since(start).Seconds())
}

// process evaluates one observation against every matching rule.
// Caller holds o.mu.
func (o *Orchestrator) process(ob Observation, now time.Time) {
	o.thresholds.Record(ob.Metric, ob.Value, ob.Time)
	host := ob.Meta["host"]
	if host == "" {
		host = "unknown"
	}

	for i := range o.rules {
		r := &o.rules[i]
		if !r.Matches(ob.Metric) {
			continue
		}
		threshold := r.Threshold
		if r.Dynamic {
			threshold = o.thresholds.Effective(ob.Metric, r.Operator, r.Threshold, r.Sensitivity)
		}
		breach := r.Operator.Check(ob.Value, threshold, r.EqualityTolerance)
		o.transition(r, instanceKey{ruleID: r.ID, host: host}, ob, threshold, breach, now)
	}
}

// transition advances one (rule, host) instance. Caller holds o.mu.
func (o *Orchestrator) transition(r *Rule, key instanceKey, ob Observation, threshold float64, breach bool, now time.Time) {
	cur := o.active[key]
	switch {
	case breach && cur == nil:
		if r.SustainFor > 0 {
			since, ok := o.pending[key]
			if !ok {
				o.pending[key] = ob.Time
				return
			}
			if ob.Time.Sub(since) < r.SustainFor {
				return
			}
		}
		delete(o.pending, key)
		o.fire(r, key, ob, threshold, now)
	case breach && cur != nil:
		cur.Value = ob.Value
		cur.Threshold = threshold
		cur.LastSeenAt = now
	case !breach && cur != nil:
		o.resolve(cur, now)
	default:
		delete(o.pending, key)
	}
}

// fire opens a new alert and defers its notification. Caller holds o.mu.
func (o *Orchestrator) fire(r *Rule, key instanceKey, ob Observation, threshold float64, now time.Time) {
	meta := make(map[string]string, len(ob.Meta))
	for k, v := range ob.Meta {
		meta[k] = v
	}
	service := r.Service
	if service == "" {
		service = meta["service"]
	}

	a := &Alert{
		ID:         newAlertID(r.ID, now, meta),
		RuleID:     r.ID,
		Name:       r.Name,
		Metric:     ob.Metric,
		Value:      ob.Value,
		Threshold:  threshold,
		Severity:   r.Severity,
		Status:     StatusActive,
		Host:       key.host,
		Service:    service,
		StartedAt:  now,
		LastSeenAt: now,
		Metadata:   meta,
	}
	a.CorrelationID = Correlate(a, o.activeByAge())

	o.active[key] = a
	o.history = append(o.history, a)
	if len(o.history) > historyLimit {
		o.history = o.history[len(o.history)-historyLimit:]
	}

	o.logger.Warn("alert firing",
		"rule", r.ID, "host", key.host, "metric", ob.Metric,
		"value", ob.Value, "threshold", threshold, "correlation", a.CorrelationID)
	platform.AlertsOpened.WithLabelValues(string(r.Severity)).Inc()
	platform.AlertsActive.Set(float64(len(o.active)))

	snapshot := *a
	rule := *r
	o.deferred = append(o.deferred, func() {
		o.persist(snapshot)
		o.notifier.Notify(alertNotification(rule, snapshot, rule.Channels))
	})
}

// resolve closes an alert and defers the recovery notification.
// Caller holds o.mu.
func (o *Orchestrator) resolve(a *Alert, now time.Time) {
	a.Status = StatusResolved
	a.ResolvedAt = now
	delete(o.active, instanceKey{ruleID: a.RuleID, host: a.Host})
	delete(o.pending, instanceKey{ruleID: a.RuleID, host: a.Host})
	platform.AlertsActive.Set(float64(len(o.active)))
	o.logger.Info("alert resolved", "rule", a.RuleID, "host", a.Host, "after", now.Sub(a.StartedAt))

	var channels []platform.Channel
	if r := o.ruleByID(a.RuleID); r != nil {
		channels = r.Channels
	}
	snapshot := *a
	o.deferred = append(o.deferred, func() {
		o.persist(snapshot)
		o.notifier.Notify(platform.Notification{
			Key:      snapshot.RuleID + ":resolved",
			Title:    "Resolved: " + snapshot.Name,
			Body:     fmt.Sprintf("%s back within threshold after %s", snapshot.Metric, snapshot.ResolvedAt.Sub(snapshot.StartedAt).Round(time.Second)),
			Severity: platform.SeverityInfo,
			Time:     snapshot.ResolvedAt,
			Fields:   alertFields(snapshot),
			Channels: channels,
		})
	})
}

// resolveOrphans closes alerts whose rule disappeared in a reload.
// Caller holds o.mu.
func (o *Orchestrator) resolveOrphans(now time.Time) {
	var orphans []*Alert
	for _, a := range o.active {
		if o.ruleByID(a.RuleID) == nil {
			orphans = append(orphans, a)
		}
	}
	for _, a := range orphans {
		o.logger.Info("resolving orphaned alert", "rule", a.RuleID, "host", a.Host)
		o.resolve(a, now)
	}
}

// escalate applies the highest applicable escalation step to alerts that
// keep breaching. Caller holds o.mu.
func (o *Orchestrator) escalate(now time.Time) {
	for key, a := range o.active {
		if a.Status != StatusActive {
			continue
		}
		r := o.ruleByID(a.RuleID)
		if r == nil || len(r.Escalations) == 0 {
			continue
		}

		var step *EscalationStep
		for i := range r.Escalations {
			s := &r.Escalations[i]
			if s.Level <= a.EscalationLevel {
				continue
			}
			if now.Sub(a.StartedAt) < s.After {
				continue
			}
			if !r.Operator.Check(a.Value, s.Threshold, r.EqualityTolerance) {
				continue
			}
			if step == nil || s.Level > step.Level {
				step = s
			}
		}
		if step == nil {
			continue
		}

		a.EscalationLevel = step.Level
		if step.Severity.Rank() > a.Severity.Rank() {
			a.Severity = step.Severity
		}
		o.logger.Warn("alert escalated", "rule", a.RuleID, "host", key.host, "level", step.Level, "severity", a.Severity)

		snapshot := *a
		rule := *r
		channels := step.Channels
		if len(channels) == 0 {
			channels = rule.Channels
		}
		o.deferred = append(o.deferred, func() {
			o.persist(snapshot)
			n := alertNotification(rule, snapshot, channels)
			n.Title = fmt.Sprintf("Escalated (level %d): %s", snapshot.EscalationLevel, snapshot.Name)
			o.notifier.Notify(n)
		})
	}
}

// sweep drops resolved alerts older than the retention horizon.
// Caller holds o.mu.
func (o *Orchestrator) sweep(now time.Time) {
	kept := o.history[:0]
	for _, a := range o.history {
		if a.Status == StatusResolved && now.Sub(a.ResolvedAt) > historyRetention {
			continue
		}
		kept = append(kept, a)
	}
	clear(o.history[len(kept):])
	o.history = kept
}

// runDeferred copies deferred side effects, releases o.mu, then executes
// them. Caller must hold o.mu.
func (o *Orchestrator) runDeferred() {
	pending := make([]func(), len(o.deferred))
	copy(pending, o.deferred)
	o.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Acknowledge marks an active alert acknowledged: it keeps updating but no
// longer escalates or re-notifies.
func (o *Orchestrator) Acknowledge(id, by string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.active {
		if a.ID != id {
			continue
		}
		if a.Status != StatusActive {
			return fmt.Errorf("alert %s is %s", id, a.Status)
		}
		a.Status = StatusAcknowledged
		a.AckBy = by
		a.AckAt = o.now()
		o.logger.Info("alert acknowledged", "alert", id, "by", by)
		return nil
	}
	return fmt.Errorf("acknowledge %s: %w", id, ErrNotFound)
}

// ResolveByID manually resolves an active alert. Resolving an alert that
// already resolved is a no-op.
func (o *Orchestrator) ResolveByID(id string) error {
	o.mu.Lock()
	o.deferred = o.deferred[:0]
	for _, a := range o.active {
		if a.ID == id {
			o.resolve(a, o.now())
			o.runDeferred()
			return nil
		}
	}
	for _, a := range o.history {
		if a.ID == id && a.Status == StatusResolved {
			o.mu.Unlock()
			return nil
		}
	}
	o.mu.Unlock()
	return fmt.Errorf("resolve %s: %w", id, ErrNotFound)
}

// ReloadRules swaps the rule set. Alerts whose rule disappeared resolve on
// the next evaluation pass.
func (o *Orchestrator) ReloadRules(rules []Rule) {
	o.mu.Lock()
	o.rules = rules
	o.mu.Unlock()
	o.logger.Info("alert rules reloaded", "rules", len(rules))
}

// Active returns copies of unresolved alerts, newest first.
func (o *Orchestrator) Active() []Alert {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Alert, 0, len(o.active))
	for _, a := range o.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// History returns up to limit alerts, newest first. limit <= 0 returns
// everything retained.
func (o *Orchestrator) History(limit int) []Alert {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(o.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *o.history[i])
	}
	return out
}

// activeByAge returns active alerts newest first for deterministic
// correlation. Caller holds o.mu.
func (o *Orchestrator) activeByAge() []*Alert {
	out := make([]*Alert, 0, len(o.active))
	for _, a := range o.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ruleByID finds a rule, or nil. Caller holds o.mu.
func (o *Orchestrator) ruleByID(id string) *Rule {
	for i := range o.rules {
		if o.rules[i].ID == id {
			return &o.rules[i]
		}
	}
	return nil
}

func (o *Orchestrator) persist(a Alert) {
	o.sink.Write(platform.DBAlerting, platform.Point{
		Measurement: "alerts",
		Tags: map[string]string{
			"rule":     a.RuleID,
			"severity": string(a.Severity),
			"status":   string(a.Status),
			"host":     a.Host,
			"service":  a.Service,
		},
		Fields: map[string]float64{
			"value":            a.Value,
			"threshold":        a.Threshold,
			"escalation_level": float64(a.EscalationLevel),
		},
		Time: a.LastSeenAt,
	})
}

func alertNotification(r Rule, a Alert, channels []platform.Channel) platform.Notification {
	return platform.Notification{
		Key:      r.ID,
		Title:    a.Name,
		Body:     fmt.Sprintf("%s = %.2f breaches threshold %.2f (%s)", a.Metric, a.Value, a.Threshold, r.Operator),
		Severity: a.Severity,
		Time:     a.LastSeenAt,
		Fields:   alertFields(a),
		Channels: channels,
		Suppress: r.Suppress,
	}
}

func alertFields(a Alert) []platform.Field {
	fields := []platform.Field{
		{Title: "rule", Value: a.RuleID},
		{Title: "metric", Value: a.Metric},
		{Title: "value", Value: fmt.Sprintf("%.2f", a.Value)},
	}
	if a.Host != "" {
		fields = append(fields, platform.Field{Title: "host", Value: a.Host})
	}
	if a.Service != "" {
		fields = append(fields, platform.Field{Title: "service", Value: a.Service})
	}
	if a.CorrelationID != "" {
		fields = append(fields, platform.Field{Title: "correlation", Value: a.CorrelationID})
	}
	return fields
}

// newAlertID builds "alert-<rule>-<unix>-<hash>", hashing the observation
// metadata so distinct sources firing in the same second get distinct ids.
func newAlertID(ruleID string, now time.Time, meta map[string]string) string {
	pairs := make([]string, 0, len(meta))
	for k, v := range meta {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return fmt.Sprintf("alert-%s-%d-%s", ruleID, now.Unix(), shortHash(strings.Join(pairs, "|")))
}

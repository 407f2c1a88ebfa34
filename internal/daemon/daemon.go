// Package daemon wires the control plane together: the shared platform
// services, the alerting, healing, backup, and federation orchestrators, the
// host collector, scheduled work, entity hot reload, and the ops listener.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigil-dev/vigil/internal/alert"
	"github.com/vigil-dev/vigil/internal/backup"
	"github.com/vigil-dev/vigil/internal/federate"
	"github.com/vigil-dev/vigil/internal/heal"
	"github.com/vigil-dev/vigil/internal/platform"
	"github.com/vigil-dev/vigil/internal/sysmon"
)

// maintenanceWindow is the scheduler window name shared by the cron entries,
// the healer, and the healthz status.
const maintenanceWindow = "maintenance"

// reloadDebounce coalesces bursts of file events into one entity reload.
const reloadDebounce = 500 * time.Millisecond

// Daemon is the assembled control plane. Construct with New, drive with Run.
type Daemon struct {
	cfg     *Config
	logger  *slog.Logger
	version string
	origin  string

	hub      *platform.Hub
	sink     *platform.Sink
	notifier *platform.Notifier
	sched    *platform.Scheduler

	alerts     *alert.Orchestrator
	docker     *heal.DockerRuntime
	healer     *heal.Orchestrator
	watcher    *heal.Watcher
	backups    *backup.Orchestrator
	federation *federate.Orchestrator
	host       *sysmon.Collector

	wg sync.WaitGroup
}

// New assembles the daemon from a validated config. Entity files named by
// the config are loaded here; an unreadable file aborts startup, invalid
// entries inside a readable file are skipped by the loaders.
func New(cfg *Config, version string, logger *slog.Logger) (*Daemon, error) {
	secrets := platform.NewSecrets(cfg.Secrets.Dir)
	hub := platform.NewHub()

	senders, err := buildSenders(&cfg.Notify, secrets, hub)
	if err != nil {
		return nil, err
	}
	notifier := platform.NewNotifier(notifierConfig(&cfg.Notify), senders, logger)

	sink := platform.NewNopSink(logger)
	if cfg.Sink.URL != "" {
		sink = platform.NewSink(context.Background(), sinkConfig(&cfg.Sink), logger)
	}

	var rules []alert.Rule
	if cfg.Alerts.Rules != "" {
		rules, err = alert.LoadRules(cfg.Alerts.Rules, logger)
		if err != nil {
			sink.Stop()
			notifier.Stop()
			return nil, fmt.Errorf("load rules: %w", err)
		}
	}
	alerts := alert.New(rules, sink, notifier, logger)

	runner := platform.NewRunner(logger)

	var (
		docker  *heal.DockerRuntime
		healer  *heal.Orchestrator
		watcher *heal.Watcher
	)
	if cfg.Heal.Enabled {
		docker, err = heal.NewDockerRuntime(cfg.Heal.DockerSocket, cfg.Heal.Include, cfg.Heal.Exclude, logger)
		if err != nil {
			sink.Stop()
			notifier.Stop()
			return nil, fmt.Errorf("docker runtime: %w", err)
		}
		healer = heal.New(healConfig(cfg), docker, runner, sink, notifier, alerts.Observe, logger)
		watcher = heal.NewWatcher(docker, healer, logger)
	}

	var targets []backup.Target
	if cfg.Backups.Targets != "" {
		targets, err = backup.LoadTargets(cfg.Backups.Targets, logger)
		if err != nil {
			sink.Stop()
			notifier.Stop()
			return nil, fmt.Errorf("load backup targets: %w", err)
		}
	}
	backups := backup.New(backupConfig(&cfg.Backups), targets, runner, sink, notifier, logger)

	var (
		nodes    []federate.Node
		aggRules []federate.AggregationRule
	)
	if cfg.Federation.Nodes != "" {
		nodes, aggRules, err = federate.LoadNodes(cfg.Federation.Nodes, logger)
		if err != nil {
			sink.Stop()
			notifier.Stop()
			return nil, fmt.Errorf("load federation nodes: %w", err)
		}
	}
	federation := federate.New(federationConfig(&cfg.Federation), nodes, aggRules, sink, notifier, alerts.Observe, logger)

	origin := cfg.Federation.Origin
	if origin == "" {
		origin, _ = os.Hostname()
	}

	host := sysmon.New(sysmon.Config{
		Interval: cfg.Host.Interval.Duration,
		Mounts:   cfg.Host.Mounts,
	}, sink, alerts.Observe, logger)

	return &Daemon{
		cfg:        cfg,
		logger:     logger.With("component", "daemon"),
		version:    version,
		origin:     origin,
		hub:        hub,
		sink:       sink,
		notifier:   notifier,
		sched:      platform.NewScheduler(logger),
		alerts:     alerts,
		docker:     docker,
		healer:     healer,
		watcher:    watcher,
		backups:    backups,
		federation: federation,
		host:       host,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in reverse start order.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("vigil starting",
		"version", d.version,
		"evaluate_every", d.cfg.Alerts.EvaluateEvery.Duration,
		"heal", d.healer != nil,
		"ops", d.cfg.Ops.Listen,
	)

	if err := d.schedule(); err != nil {
		return err
	}

	d.alerts.WarmupThresholds(ctx)

	if d.healer != nil {
		d.spawn(func() { d.healer.Run(ctx) })
		go d.watcher.Run(ctx)
	}
	d.spawn(func() { d.backups.Run(ctx) })
	d.spawn(func() { d.federation.Run(ctx) })
	d.spawn(func() { d.host.Run(ctx) })
	d.spawn(func() { d.watchEntities(ctx) })

	d.sched.Run(ctx)

	var ops *http.Server
	if d.cfg.Ops.Listen != "" {
		ops = d.startOps()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(ops)
		case <-hup:
			d.logger.Info("reload requested", "signal", "SIGHUP")
			d.reloadEntities()
		}
	}
}

func (d *Daemon) spawn(run func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		run()
	}()
}

// schedule registers the periodic work. Every task also runs once at
// startup, so a freshly started daemon evaluates, scans for due backups,
// and enforces retention immediately.
func (d *Daemon) schedule() error {
	if err := d.sched.Every("alert-evaluation", d.cfg.Alerts.EvaluateEvery.Duration, d.alerts.Evaluate); err != nil {
		return err
	}
	if err := d.sched.Every("backup-scan", d.cfg.Backups.Tick.Duration, d.backups.Tick); err != nil {
		return err
	}
	if err := d.sched.Every("backup-retention", d.cfg.Backups.RetainEvery.Duration, func(context.Context) {
		d.backups.RetainAll()
	}); err != nil {
		return err
	}
	if err := d.sched.Every("alert-propagation", d.cfg.Federation.PushEvery.Duration, d.propagateAlerts); err != nil {
		return err
	}
	for _, expr := range d.cfg.Heal.Maintenance.Windows {
		if err := d.sched.AtCron("maintenance-window", expr, d.openMaintenanceWindow); err != nil {
			return err
		}
	}
	return nil
}

// openMaintenanceWindow is the cron callback: the scheduler window drives
// the healthz status while the healer pauses recovery and runs its routine
// tasks.
func (d *Daemon) openMaintenanceWindow(ctx context.Context) {
	length := d.cfg.Heal.Maintenance.WindowLength.Duration
	if length <= 0 {
		length = 30 * time.Minute
	}
	d.sched.WindowFor(ctx, maintenanceWindow, length)
	if d.healer != nil {
		d.healer.BeginMaintenance()
	}
}

// propagateAlerts pushes unresolved local alerts to federation peers. The
// federation layer filters by severity and deduplicates by fingerprint, so
// polling the active set is idempotent.
func (d *Daemon) propagateAlerts(ctx context.Context) {
	for _, a := range d.alerts.Active() {
		d.federation.Propagate(ctx, remoteAlert(a, d.origin))
	}
}

// remoteAlert maps a local alert onto the wire shape peers exchange.
func remoteAlert(a alert.Alert, origin string) federate.RemoteAlert {
	labels := map[string]string{
		"alertname": a.Name,
		"severity":  wireSeverity(a.Severity),
	}
	if a.Host != "" {
		labels["instance"] = a.Host
	}
	if a.Service != "" {
		labels["service"] = a.Service
	}
	return federate.RemoteAlert{
		Labels: labels,
		Annotations: map[string]string{
			"summary": fmt.Sprintf("%s is %.2f (threshold %.2f)", a.Metric, a.Value, a.Threshold),
		},
		Origin: origin,
	}
}

// wireSeverity maps local severities onto the vocabulary peers exchange:
// medium travels as "warning". Low and info pass through unchanged and are
// filtered before the wire.
func wireSeverity(s platform.Severity) string {
	switch s {
	case platform.SeverityCritical:
		return "critical"
	case platform.SeverityHigh:
		return "high"
	case platform.SeverityMedium:
		return "warning"
	}
	return string(s)
}

// reloadEntities re-reads every entity file and swaps the result into the
// owning component. A file that fails to load keeps its previous entities.
func (d *Daemon) reloadEntities() {
	if path := d.cfg.Alerts.Rules; path != "" {
		rules, err := alert.LoadRules(path, d.logger)
		if err != nil {
			d.logger.Error("rules reload failed, keeping previous", "path", path, "error", err)
		} else {
			d.alerts.ReloadRules(rules)
		}
	}
	if path := d.cfg.Backups.Targets; path != "" {
		targets, err := backup.LoadTargets(path, d.logger)
		if err != nil {
			d.logger.Error("backup targets reload failed, keeping previous", "path", path, "error", err)
		} else {
			d.backups.ReloadTargets(targets)
		}
	}
	if path := d.cfg.Federation.Nodes; path != "" {
		nodes, aggRules, err := federate.LoadNodes(path, d.logger)
		if err != nil {
			d.logger.Error("federation nodes reload failed, keeping previous", "path", path, "error", err)
		} else {
			d.federation.ReloadNodes(nodes, aggRules)
		}
	}
}

// watchEntities reloads entity files when they change on disk. Parent
// directories are watched so editors that replace files (rename then create)
// still trigger, and events are debounced because saves arrive in bursts.
func (d *Daemon) watchEntities(ctx context.Context) {
	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range []string{d.cfg.Alerts.Rules, d.cfg.Backups.Targets, d.cfg.Federation.Nodes} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			d.logger.Warn("entity path not watchable", "path", p, "error", err)
			continue
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	if len(dirs) == 0 {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("entity watcher unavailable, reload via SIGHUP only", "error", err)
		return
	}
	defer w.Close()
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			d.logger.Warn("entity watch failed", "dir", dir, "error", err)
		}
	}

	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !files[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Warn("entity watcher error", "error", err)
		case <-timer.C:
			d.reloadEntities()
		}
	}
}

// opsMux routes /metrics, the health endpoints, the peer alert exchange, and
// the /events stream. Federation peers probe GET /health, pull GET
// /api/v1/alerts, and push POST /api/v1/alerts/sync; /healthz stays as the
// conventional name for local checks.
func (d *Daemon) opsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.HandleFunc("/health", d.handleHealthz)
	mux.HandleFunc("/api/v1/alerts", d.handleAlerts)
	mux.HandleFunc("/api/v1/alerts/sync", d.handleAlertSync)
	mux.HandleFunc("/events", d.handleEvents)
	return mux
}

func (d *Daemon) startOps() *http.Server {
	srv := &http.Server{
		Addr:              d.cfg.Ops.Listen,
		Handler:           d.opsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		d.logger.Info("ops listener started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("ops listener failed", "error", err)
		}
	}()
	return srv
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := "online"
	if d.sched.InWindow(maintenanceWindow) {
		status = "maintenance"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"version": d.version,
	})
}

// handleAlerts serves the active set in the wire shape peers pull.
func (d *Daemon) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	active := d.alerts.Active()
	data := make([]federate.RemoteAlert, 0, len(active))
	for _, a := range active {
		data = append(data, remoteAlert(a, d.origin))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// handleAlertSync ingests one pushed alert. A repeat inside the propagation
// TTL answers 409 so the pushing node stops resending it.
func (d *Daemon) handleAlertSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var a federate.RemoteAlert
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&a); err != nil {
		http.Error(w, "malformed alert", http.StatusBadRequest)
		return
	}
	if len(a.Labels) == 0 {
		http.Error(w, "missing labels", http.StatusBadRequest)
		return
	}
	if !d.federation.Receive(a) {
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleEvents streams hub traffic as server-sent events. Notifications are
// the default topic; the dashboard channel publishes there.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = platform.TopicNotifications
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, ch := d.hub.Subscribe(topic)
	defer d.hub.Unsubscribe(topic, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			fl.Flush()
		}
	}
}

// shutdown stops components in reverse start order: the ops listener stops
// accepting, scheduled work drains, orchestrator loops exit, the in-flight
// backup finishes, then the shared services flush. The notifier stops last
// so shutdown-time notifications still deliver.
func (d *Daemon) shutdown(ops *http.Server) error {
	d.logger.Info("daemon shutting down")

	if ops != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ops.Shutdown(sctx); err != nil {
			d.logger.Warn("ops listener shutdown", "error", err)
		}
		cancel()
	}

	d.sched.Stop()
	if d.watcher != nil {
		d.watcher.Wait()
	}
	d.wg.Wait()
	d.backups.Wait()

	if d.docker != nil {
		if err := d.docker.Close(); err != nil {
			d.logger.Error("close docker", "error", err)
		}
	}
	d.sink.Stop()
	d.notifier.Stop()

	d.logger.Info("daemon stopped")
	return nil
}

// buildSenders assembles the channel senders from config and secrets. The
// dashboard channel is always available; the rest are opt-in.
func buildSenders(nc *NotifyConfig, secrets *platform.Secrets, hub *platform.Hub) (map[platform.Channel]platform.Sender, error) {
	senders := map[platform.Channel]platform.Sender{
		platform.ChannelDashboard: &platform.DashboardSender{Hub: hub},
	}
	if nc.Slack.Enabled {
		url := nc.Slack.WebhookURL
		if url == "" {
			url = secrets.Lookup("slack_webhook_url")
		}
		if url == "" {
			return nil, fmt.Errorf("notify.slack: webhook_url missing from config and secret slack_webhook_url")
		}
		senders[platform.ChannelSlack] = &platform.SlackSender{WebhookURL: url}
	}
	if nc.Email.Enabled {
		port := nc.Email.SMTPPort
		if port == 0 {
			port = 587
		}
		senders[platform.ChannelEmail] = &platform.EmailSender{
			Host:     nc.Email.SMTPHost,
			Port:     port,
			From:     nc.Email.From,
			To:       nc.Email.To,
			Username: nc.Email.Username,
			Password: secrets.Lookup("smtp_password"),
		}
	}
	if nc.SMS.Enabled {
		senders[platform.ChannelSMS] = &platform.SMSSender{
			URL:   nc.SMS.URL,
			From:  nc.SMS.From,
			To:    nc.SMS.To,
			Token: secrets.Lookup("sms_token"),
		}
	}
	if nc.Webhook.Enabled {
		senders[platform.ChannelWebhook] = &platform.WebhookSender{
			URLs:    nc.Webhook.URLs,
			Headers: nc.Webhook.Headers,
			Token:   secrets.Lookup("webhook_token"),
		}
	}
	if nc.PagerDuty.Enabled {
		key := nc.PagerDuty.RoutingKey
		if key == "" {
			key = secrets.Lookup("pagerduty_routing_key")
		}
		if key == "" {
			return nil, fmt.Errorf("notify.pagerduty: routing_key missing from config and secret pagerduty_routing_key")
		}
		source := nc.PagerDuty.Source
		if source == "" {
			source, _ = os.Hostname()
		}
		senders[platform.ChannelPagerDuty] = &platform.PagerDutySender{RoutingKey: key, Source: source}
	}
	return senders, nil
}

func sinkConfig(sc *SinkConfig) platform.SinkConfig {
	return platform.SinkConfig{
		URL: sc.URL,
		Databases: []string{
			platform.DBAlerting,
			platform.DBResources,
			platform.DBMaintenance,
			platform.DBRecovery,
			platform.DBFederation,
		},
		Timeout:    sc.Timeout.Duration,
		QueueSize:  sc.QueueSize,
		BatchSize:  sc.BatchSize,
		FlushEvery: sc.FlushEvery.Duration,
	}
}

func notifierConfig(nc *NotifyConfig) platform.NotifierConfig {
	defaults := make([]platform.Channel, 0, len(nc.Defaults))
	for _, name := range nc.Defaults {
		if ch, err := platform.ParseChannel(name); err == nil {
			defaults = append(defaults, ch)
		}
	}
	return platform.NotifierConfig{
		Defaults:     defaults,
		Window:       nc.Window.Duration,
		MaxPerWindow: nc.MaxPerWindow,
	}
}

func healConfig(cfg *Config) heal.Config {
	mc := cfg.Heal.Maintenance
	configPaths := mc.ConfigPaths
	if len(configPaths) == 0 {
		// Default to the entity files the daemon itself loads.
		for _, p := range []string{cfg.Alerts.Rules, cfg.Backups.Targets, cfg.Federation.Nodes} {
			if p != "" {
				configPaths = append(configPaths, p)
			}
		}
	}
	return heal.Config{
		CheckInterval:   cfg.Heal.CheckInterval.Duration,
		RecoveryTimeout: cfg.Heal.RecoveryTimeout.Duration,
		MaxAttempts:     cfg.Heal.MaxAttempts,
		CooldownWait:    cfg.Heal.CooldownWait.Duration,
		Maintenance: heal.MaintenanceConfig{
			WindowLength:  mc.WindowLength.Duration,
			TasksPerCycle: mc.TasksPerCycle,
			TaskTimeout:   mc.TaskTimeout.Duration,
			LogDirs:       mc.LogDirs,
			LogRetention:  mc.LogRetention.Duration,
			ScratchDir:    cfg.Backups.ScratchDir,
			ConfigPaths:   configPaths,
			Mounts:        mc.Mounts,
			Commands:      mc.Commands,
		},
	}
}

func backupConfig(bc *BackupsConfig) backup.Config {
	locations := make([]backup.Location, 0, len(bc.Locations))
	for _, lc := range bc.Locations {
		lt, err := backup.ParseLocationType(lc.Type)
		if err != nil {
			continue
		}
		locations = append(locations, backup.Location{
			Name:     lc.Name,
			Type:     lt,
			Path:     lc.Path,
			Priority: lc.Priority,
			Default:  lc.Default,
		})
	}
	return backup.Config{
		Tick:            bc.Tick.Duration,
		DefaultSchedule: bc.DefaultSchedule.Duration,
		Timeout:         bc.Timeout.Duration,
		ScratchDir:      bc.ScratchDir,
		Locations:       locations,
	}
}

func federationConfig(fc *FederationConfig) federate.Config {
	return federate.Config{
		ProbeInterval:   fc.ProbeInterval.Duration,
		CollectInterval: fc.CollectInterval.Duration,
		PullInterval:    fc.PullInterval.Duration,
		HealthTimeout:   fc.HealthTimeout.Duration,
		MetricsTimeout:  fc.MetricsTimeout.Duration,
		FetchTimeout:    fc.FetchTimeout.Duration,
		Concurrency:     fc.Concurrency,
	}
}

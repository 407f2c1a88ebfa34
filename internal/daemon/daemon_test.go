package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vigil-dev/vigil/internal/alert"
	"github.com/vigil-dev/vigil/internal/backup"
	"github.com/vigil-dev/vigil/internal/federate"
	"github.com/vigil-dev/vigil/internal/platform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeEntity(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	rewriteEntity(t, path, body)
	return path
}

func rewriteEntity(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// newTestDaemon builds a daemon with metric persistence disabled, healing
// off, and no ops listener. mutate adjusts the config before New.
func newTestDaemon(t *testing.T, mutate func(*Config)) *Daemon {
	t.Helper()
	cfg := &Config{}
	setDefaults(cfg)
	if mutate != nil {
		mutate(cfg)
	}
	d, err := New(cfg, "test", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.notifier.Stop)
	return d
}

const cpuRule = `
rules:
  - id: cpu-high
    name: HighCPU
    metric: cpu_usage
    operator: ">"
    threshold: 80
    severity: medium
    service: api
`

func TestNewBuildsComponents(t *testing.T) {
	d := newTestDaemon(t, nil)

	if d.alerts == nil || d.backups == nil || d.federation == nil || d.host == nil {
		t.Fatal("core components missing")
	}
	if d.healer != nil || d.docker != nil || d.watcher != nil {
		t.Error("healing components built while disabled")
	}
	if d.origin == "" {
		t.Error("origin not defaulted to hostname")
	}
}

func TestNewRejectsUnreadableRules(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Alerts.Rules = filepath.Join(t.TempDir(), "absent.yaml")

	if _, err := New(cfg, "test", testLogger()); err == nil {
		t.Fatal("expected error for unreadable rules file")
	}
}

func TestHealthzReportsMaintenance(t *testing.T) {
	d := newTestDaemon(t, nil)

	get := func() map[string]string {
		t.Helper()
		rr := httptest.NewRecorder()
		d.handleHealthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode healthz: %v", err)
		}
		return body
	}

	body := get()
	if body["status"] != "online" || body["version"] != "test" {
		t.Errorf("healthz = %v", body)
	}

	d.sched.EnterWindow(maintenanceWindow)
	if body := get(); body["status"] != "maintenance" {
		t.Errorf("healthz in window = %v", body)
	}

	d.sched.LeaveWindow(maintenanceWindow)
	if body := get(); body["status"] != "online" {
		t.Errorf("healthz after window = %v", body)
	}
}

func TestOpsMuxServesPeerAPI(t *testing.T) {
	rules := writeEntity(t, "rules.yaml", cpuRule)
	d := newTestDaemon(t, func(cfg *Config) {
		cfg.Alerts.Rules = rules
		cfg.Federation.Origin = "node-a"
	})
	mux := d.opsMux()

	get := func(path string) *httptest.ResponseRecorder {
		t.Helper()
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	// Peers probe /health; it answers exactly like /healthz.
	health, healthz := get("/health"), get("/healthz")
	if health.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", health.Code)
	}
	if health.Body.String() != healthz.Body.String() {
		t.Errorf("/health = %q, /healthz = %q", health.Body.String(), healthz.Body.String())
	}

	d.alerts.Observe("cpu_usage", 95, map[string]string{"host": "web-1", "service": "api"})
	d.alerts.Evaluate(context.Background())

	rr := get("/api/v1/alerts")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/alerts = %d", rr.Code)
	}
	var payload struct {
		Data []federate.RemoteAlert `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(payload.Data) != 1 {
		t.Fatalf("data = %+v, want one alert", payload.Data)
	}
	if a := payload.Data[0]; a.Labels["alertname"] != "HighCPU" || a.Origin != "node-a" {
		t.Errorf("alert = %+v", a)
	}

	rrPost := httptest.NewRecorder()
	mux.ServeHTTP(rrPost, httptest.NewRequest(http.MethodPost, "/api/v1/alerts", nil))
	if rrPost.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/v1/alerts = %d, want 405", rrPost.Code)
	}
}

func TestAlertSyncEndpoint(t *testing.T) {
	d := newTestDaemon(t, nil)
	mux := d.opsMux()

	post := func(body string) *httptest.ResponseRecorder {
		t.Helper()
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/sync", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		mux.ServeHTTP(rr, req)
		return rr
	}

	pushed := `{"labels":{"alertname":"DiskFull","severity":"critical","instance":"db-1","service":"mysql"},"annotations":{"summary":"disk at 99%"},"origin":"peer-b"}`
	if rr := post(pushed); rr.Code != http.StatusOK {
		t.Fatalf("first sync = %d, want 200", rr.Code)
	}
	// The same fingerprint inside the TTL answers conflict.
	if rr := post(pushed); rr.Code != http.StatusConflict {
		t.Errorf("repeat sync = %d, want 409", rr.Code)
	}

	if rr := post("{"); rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rr.Code)
	}
	if rr := post(`{"annotations":{"summary":"no labels"}}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing labels = %d, want 400", rr.Code)
	}

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/sync", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET sync = %d, want 405", rr.Code)
	}
}

func TestRemoteAlertMapping(t *testing.T) {
	a := alert.Alert{
		Name:      "HighCPU",
		Metric:    "cpu_usage",
		Value:     85,
		Threshold: 80,
		Severity:  platform.SeverityMedium,
		Host:      "web-1",
		Service:   "api",
	}
	ra := remoteAlert(a, "node-a")

	if ra.Labels["alertname"] != "HighCPU" || ra.Labels["severity"] != "warning" {
		t.Errorf("labels = %v", ra.Labels)
	}
	if ra.Labels["instance"] != "web-1" || ra.Labels["service"] != "api" {
		t.Errorf("labels = %v", ra.Labels)
	}
	if ra.Origin != "node-a" {
		t.Errorf("origin = %q", ra.Origin)
	}
	if ra.Annotations["summary"] != "cpu_usage is 85.00 (threshold 80.00)" {
		t.Errorf("summary = %q", ra.Annotations["summary"])
	}

	bare := remoteAlert(alert.Alert{Name: "X", Severity: platform.SeverityCritical}, "")
	if _, ok := bare.Labels["instance"]; ok {
		t.Error("empty host produced an instance label")
	}
	if _, ok := bare.Labels["service"]; ok {
		t.Error("empty service produced a service label")
	}
}

func TestWireSeverity(t *testing.T) {
	tests := []struct {
		in   platform.Severity
		want string
	}{
		{platform.SeverityCritical, "critical"},
		{platform.SeverityHigh, "high"},
		{platform.SeverityMedium, "warning"},
		{platform.SeverityLow, "low"},
		{platform.SeverityInfo, "info"},
	}
	for _, tt := range tests {
		if got := wireSeverity(tt.in); got != tt.want {
			t.Errorf("wireSeverity(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type syncRecorder struct {
	mu    sync.Mutex
	syncs []federate.RemoteAlert
}

func (r *syncRecorder) add(ra federate.RemoteAlert) {
	r.mu.Lock()
	r.syncs = append(r.syncs, ra)
	r.mu.Unlock()
}

func (r *syncRecorder) get() []federate.RemoteAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]federate.RemoteAlert(nil), r.syncs...)
}

// newPeerServer serves the federation peer API: healthy, no remote alerts,
// and a sync endpoint that records pushes.
func newPeerServer(t *testing.T, rec *syncRecorder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fmt.Fprintln(w, `{"status":"online"}`)
		case "/metrics":
			fmt.Fprintln(w, "up 1")
		case "/api/v1/alerts":
			fmt.Fprintln(w, `{"data":[]}`)
		case "/api/v1/alerts/sync":
			var ra federate.RemoteAlert
			if err := json.NewDecoder(r.Body).Decode(&ra); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			rec.add(ra)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAlertPropagationEndToEnd(t *testing.T) {
	rec := &syncRecorder{}
	srv := newPeerServer(t, rec)

	rules := writeEntity(t, "rules.yaml", cpuRule)
	nodes := writeEntity(t, "nodes.yaml", fmt.Sprintf("nodes:\n  - id: peer-1\n    endpoint: %s\n", srv.URL))

	d := newTestDaemon(t, func(cfg *Config) {
		cfg.Alerts.Rules = rules
		cfg.Federation.Nodes = nodes
		cfg.Federation.Origin = "node-a"
	})

	ctx := context.Background()
	d.alerts.Observe("cpu_usage", 95, map[string]string{"host": "web-1", "service": "api"})
	d.alerts.Evaluate(ctx)
	if n := len(d.alerts.Active()); n != 1 {
		t.Fatalf("active alerts = %d, want 1", n)
	}

	d.federation.ProbeAll(ctx)
	d.propagateAlerts(ctx)

	syncs := rec.get()
	if len(syncs) != 1 {
		t.Fatalf("syncs = %d, want 1", len(syncs))
	}
	got := syncs[0]
	if got.Labels["alertname"] != "HighCPU" || got.Labels["severity"] != "warning" {
		t.Errorf("labels = %v", got.Labels)
	}
	if got.Labels["instance"] != "web-1" || got.Labels["service"] != "api" {
		t.Errorf("labels = %v", got.Labels)
	}
	if got.Origin != "node-a" {
		t.Errorf("origin = %q", got.Origin)
	}

	// The fingerprint is remembered, so polling the still-active alert
	// again pushes nothing new.
	d.propagateAlerts(ctx)
	if n := len(rec.get()); n != 1 {
		t.Errorf("syncs after repeat poll = %d, want 1", n)
	}
}

func TestReloadEntitiesSwapsRules(t *testing.T) {
	rules := writeEntity(t, "rules.yaml", cpuRule)
	d := newTestDaemon(t, func(cfg *Config) { cfg.Alerts.Rules = rules })

	ctx := context.Background()
	meta := map[string]string{"host": "web-1"}

	d.alerts.Observe("cpu_usage", 60, meta)
	d.alerts.Evaluate(ctx)
	if n := len(d.alerts.Active()); n != 0 {
		t.Fatalf("active before reload = %d, want 0", n)
	}

	rewriteEntity(t, rules, `
rules:
  - id: cpu-high
    name: HighCPU
    metric: cpu_usage
    operator: ">"
    threshold: 40
    severity: medium
`)
	d.reloadEntities()

	d.alerts.Observe("cpu_usage", 60, meta)
	d.alerts.Evaluate(ctx)
	if n := len(d.alerts.Active()); n != 1 {
		t.Fatalf("active after reload = %d, want 1", n)
	}
}

func TestReloadEntitiesKeepsPreviousOnError(t *testing.T) {
	rules := writeEntity(t, "rules.yaml", cpuRule)
	d := newTestDaemon(t, func(cfg *Config) { cfg.Alerts.Rules = rules })

	rewriteEntity(t, rules, "rules: [")
	d.reloadEntities()

	ctx := context.Background()
	d.alerts.Observe("cpu_usage", 95, map[string]string{"host": "web-1"})
	d.alerts.Evaluate(ctx)
	if n := len(d.alerts.Active()); n != 1 {
		t.Fatalf("active = %d, want 1 from the retained rules", n)
	}
}

func TestReloadEntitiesSwapsTargets(t *testing.T) {
	dir := t.TempDir()
	targets := writeEntity(t, "targets.yaml", fmt.Sprintf(`
targets:
  - id: files
    type: directory
    path: %s
`, dir))
	d := newTestDaemon(t, func(cfg *Config) { cfg.Backups.Targets = targets })

	if err := d.backups.TriggerNow("files"); err != nil {
		t.Fatalf("TriggerNow before reload: %v", err)
	}

	rewriteEntity(t, targets, fmt.Sprintf(`
targets:
  - id: other
    type: directory
    path: %s
`, dir))
	d.reloadEntities()

	if err := d.backups.TriggerNow("other"); err != nil {
		t.Fatalf("TriggerNow after reload: %v", err)
	}
}

func TestWatchEntitiesReloadsOnChange(t *testing.T) {
	rules := writeEntity(t, "rules.yaml", cpuRule)
	d := newTestDaemon(t, func(cfg *Config) { cfg.Alerts.Rules = rules })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.watchEntities(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	lowered := `
rules:
  - id: cpu-high
    name: HighCPU
    metric: cpu_usage
    operator: ">"
    threshold: 40
    severity: medium
`
	meta := map[string]string{"host": "web-1"}
	deadline := time.Now().Add(5 * time.Second)
	for i := 0; time.Now().Before(deadline); i++ {
		// Rewrite periodically in case an early event raced the watch
		// registration; spacing exceeds the debounce so the timer fires.
		if i%10 == 0 {
			rewriteEntity(t, rules, lowered)
		}
		d.alerts.Observe("cpu_usage", 60, meta)
		d.alerts.Evaluate(ctx)
		if len(d.alerts.Active()) > 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if len(d.alerts.Active()) == 0 {
		t.Fatal("file change never reloaded the rules")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchEntities did not stop on cancel")
	}
}

func TestRunStartsAndStops(t *testing.T) {
	d := newTestDaemon(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestOpenMaintenanceWindow(t *testing.T) {
	d := newTestDaemon(t, func(cfg *Config) {
		cfg.Heal.Maintenance.WindowLength.Duration = 50 * time.Millisecond
	})

	ctx := context.Background()
	d.openMaintenanceWindow(ctx)
	if !d.sched.InWindow(maintenanceWindow) {
		t.Fatal("window not open after cron callback")
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.sched.InWindow(maintenanceWindow) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.sched.InWindow(maintenanceWindow) {
		t.Fatal("window never closed")
	}
}

func TestBuildSenders(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "slack_webhook_url"), []byte("https://hooks.example.com/T/B/x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "smtp_password"), []byte("hunter2"), 0o600); err != nil {
		t.Fatal(err)
	}
	secrets := platform.NewSecrets(dir)
	hub := platform.NewHub()

	nc := &NotifyConfig{
		Slack: SlackConfig{Enabled: true},
		Email: EmailConfig{
			Enabled:  true,
			SMTPHost: "mail.example.com",
			From:     "vigil@example.com",
			To:       []string{"ops@example.com"},
		},
	}
	senders, err := buildSenders(nc, secrets, hub)
	if err != nil {
		t.Fatalf("buildSenders: %v", err)
	}

	if _, ok := senders[platform.ChannelDashboard]; !ok {
		t.Error("dashboard sender missing")
	}
	slack, ok := senders[platform.ChannelSlack].(*platform.SlackSender)
	if !ok {
		t.Fatal("slack sender missing")
	}
	if slack.WebhookURL != "https://hooks.example.com/T/B/x" {
		t.Errorf("slack webhook = %q, want the trimmed secret", slack.WebhookURL)
	}
	email, ok := senders[platform.ChannelEmail].(*platform.EmailSender)
	if !ok {
		t.Fatal("email sender missing")
	}
	if email.Port != 587 {
		t.Errorf("email port = %d, want default 587", email.Port)
	}
	if email.Password != "hunter2" {
		t.Errorf("email password = %q, want the secret", email.Password)
	}
}

func TestBuildSendersRequiresSlackURL(t *testing.T) {
	nc := &NotifyConfig{Slack: SlackConfig{Enabled: true}}
	if _, err := buildSenders(nc, platform.NewSecrets(""), platform.NewHub()); err == nil {
		t.Fatal("expected error for slack without a webhook url")
	}
}

func TestBuildSendersRequiresPagerDutyKey(t *testing.T) {
	nc := &NotifyConfig{PagerDuty: PagerDutyConfig{Enabled: true}}
	if _, err := buildSenders(nc, platform.NewSecrets(""), platform.NewHub()); err == nil {
		t.Fatal("expected error for pagerduty without a routing key")
	}
}

func TestConfigBuilders(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Backups.ScratchDir = "/var/tmp/vigil"
	cfg.Backups.Locations = []LocationConfig{
		{Name: "primary", Type: "local", Path: "/backups", Priority: 1, Default: true},
		{Name: "offsite", Type: "network", Path: "/mnt/offsite", Priority: 2},
	}
	cfg.Notify.Defaults = []string{"slack", "bogus", "email"}

	bc := backupConfig(&cfg.Backups)
	if len(bc.Locations) != 2 {
		t.Fatalf("locations = %d, want 2", len(bc.Locations))
	}
	if bc.Locations[0].Name != "primary" || !bc.Locations[0].Default {
		t.Errorf("location[0] = %+v", bc.Locations[0])
	}
	if bc.Locations[1].Type != backup.LocationNetwork {
		t.Errorf("location[1] type = %q", bc.Locations[1].Type)
	}

	cfg.Alerts.Rules = "/etc/vigil/rules.yaml"
	hc := healConfig(cfg)
	if hc.Maintenance.ScratchDir != "/var/tmp/vigil" {
		t.Errorf("maintenance scratch = %q, want the backup scratch dir", hc.Maintenance.ScratchDir)
	}
	if hc.CheckInterval != 60*time.Second {
		t.Errorf("check interval = %s", hc.CheckInterval)
	}
	if len(hc.Maintenance.ConfigPaths) != 1 || hc.Maintenance.ConfigPaths[0] != "/etc/vigil/rules.yaml" {
		t.Errorf("config paths = %v, want the loaded entity files", hc.Maintenance.ConfigPaths)
	}

	nc := notifierConfig(&cfg.Notify)
	if len(nc.Defaults) != 2 || nc.Defaults[0] != platform.ChannelSlack || nc.Defaults[1] != platform.ChannelEmail {
		t.Errorf("notifier defaults = %v, unparseable names should be skipped", nc.Defaults)
	}

	sc := sinkConfig(&SinkConfig{URL: "http://tsdb:8086"})
	if sc.URL != "http://tsdb:8086" || len(sc.Databases) != 5 {
		t.Errorf("sink config = %+v", sc)
	}
}

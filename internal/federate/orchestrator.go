package federate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/internal/platform"
)

// ObserveFunc feeds a federated aggregate into local alert evaluation.
type ObserveFunc func(metric string, value float64, meta map[string]string)

const (
	probeHistory = 100
	maxBodyBytes = 4 << 20
)

// Config tunes the federation loops.
type Config struct {
	ProbeInterval   time.Duration // node health cadence, default 30s
	CollectInterval time.Duration // metric collection cadence, default 60s
	PullInterval    time.Duration // remote alert pull cadence, default 60s
	HealthTimeout   time.Duration // per health probe, default 10s
	MetricsTimeout  time.Duration // per metrics availability probe, default 5s
	FetchTimeout    time.Duration // per metrics collection fetch, default 30s
	Concurrency     int           // parallel node fetches, default 5
}

func (c *Config) setDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.CollectInterval <= 0 {
		c.CollectInterval = time.Minute
	}
	if c.PullInterval <= 0 {
		c.PullInterval = time.Minute
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 10 * time.Second
	}
	if c.MetricsTimeout <= 0 {
		c.MetricsTimeout = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
}

// nodeTrack is the mutable per-node state, guarded by the orchestrator lock.
type nodeTrack struct {
	node     Node
	status   NodeStatus
	metrics  bool
	lastSeen time.Time
	version  string
	sync     SyncStatus
	lastSync time.Time
	history  *platform.Ring[ProbeResult]
}

// derive computes uptime percent and mean latency over the probe history.
func (t *nodeTrack) derive() (float64, time.Duration) {
	items := t.history.Items()
	if len(items) == 0 {
		return 0, 0
	}
	ok := 0
	var sum time.Duration
	for _, r := range items {
		if r.OK {
			ok++
		}
		sum += r.Latency
	}
	return 100 * float64(ok) / float64(len(items)), sum / time.Duration(len(items))
}

// Orchestrator probes peer planes, folds their metrics into cross-node
// aggregates, and exchanges alerts with them.
type Orchestrator struct {
	logger   *slog.Logger
	client   *http.Client
	sink     *platform.Sink
	notifier *platform.Notifier
	observe  ObserveFunc
	cfg      Config
	prop     *propagator
	now      func() time.Time

	mu         sync.Mutex
	nodes      []Node
	rules      []AggregationRule
	states     map[string]*nodeTrack
	aggregates map[string]Aggregate
}

// New creates the federation orchestrator over the given peers and rules.
func New(cfg Config, nodes []Node, rules []AggregationRule, sink *platform.Sink, notifier *platform.Notifier, observe ObserveFunc, logger *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	if observe == nil {
		observe = func(string, float64, map[string]string) {}
	}
	return &Orchestrator{
		logger:     logger.With("component", "federation"),
		client:     &http.Client{},
		sink:       sink,
		notifier:   notifier,
		observe:    observe,
		cfg:        cfg,
		prop:       newPropagator(),
		now:        time.Now,
		nodes:      append([]Node(nil), nodes...),
		rules:      append([]AggregationRule(nil), rules...),
		states:     make(map[string]*nodeTrack),
		aggregates: make(map[string]Aggregate),
	}
}

// Run drives the probe, collection, and pull loops until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	probe := time.NewTicker(o.cfg.ProbeInterval)
	defer probe.Stop()
	collect := time.NewTicker(o.cfg.CollectInterval)
	defer collect.Stop()
	pull := time.NewTicker(o.cfg.PullInterval)
	defer pull.Stop()

	o.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-probe.C:
			o.ProbeAll(ctx)
		case <-collect.C:
			o.Collect(ctx)
		case <-pull.C:
			o.Pull(ctx)
		}
	}
}

// ProbeAll health-checks every peer, bounded by the configured concurrency.
func (o *Orchestrator) ProbeAll(ctx context.Context) {
	o.mu.Lock()
	nodes := append([]Node(nil), o.nodes...)
	o.mu.Unlock()

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.probe(ctx, n)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) probe(ctx context.Context, n Node) {
	res, version := o.probeHealth(ctx, n)
	metricsOK := o.probeMetrics(ctx, n)
	platform.FederationProbes.WithLabelValues(string(res.Status)).Inc()

	o.mu.Lock()
	tr := o.states[n.ID]
	if tr == nil {
		tr = &nodeTrack{node: n, status: StatusUnknown, sync: SyncNever, history: platform.NewRing[ProbeResult](probeHistory)}
		o.states[n.ID] = tr
	}
	prev := tr.status
	tr.node = n
	tr.status = res.Status
	tr.metrics = metricsOK
	if version != "" {
		tr.version = version
	}
	if res.OK {
		tr.lastSeen = res.Time
	}
	tr.history.Append(res)
	uptime, _ := tr.derive()
	o.mu.Unlock()

	o.sink.Write(platform.DBFederation, platform.Point{
		Measurement: "node_health",
		Tags:        map[string]string{"node": n.ID, "status": string(res.Status)},
		Fields: map[string]float64{
			"online":            boolField(res.Status == StatusOnline),
			"response_ms":       float64(res.Latency.Milliseconds()),
			"metrics_available": boolField(metricsOK),
			"uptime_percent":    uptime,
		},
		Time: res.Time,
	})

	if prev != res.Status {
		o.transition(n, prev, res.Status)
	}
}

// probeHealth classifies a peer from its /health endpoint: a 200 with a
// parseable status is believed, any other 200 counts as online, non-200 is
// degraded, and a failed request is offline.
func (o *Orchestrator) probeHealth(ctx context.Context, n Node) (ProbeResult, string) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()

	start := o.now()
	res := ProbeResult{Time: start, Status: StatusOffline}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/health", nil)
	if err != nil {
		return res, ""
	}
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}
	resp, err := o.client.Do(req)
	res.Latency = o.now().Sub(start)
	if err != nil {
		o.logger.Debug("health probe failed", "node", n.ID, "error", err)
		return res, ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode != http.StatusOK {
		o.logger.Debug("health probe degraded", "node", n.ID, "code", resp.StatusCode)
		res.Status = StatusDegraded
		return res, ""
	}
	res.OK = true

	var payload struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		res.Status = StatusOnline
		return res, ""
	}
	switch s := NodeStatus(payload.Status); s {
	case StatusOnline, StatusDegraded, StatusOffline, StatusMaintenance, StatusUnknown:
		res.Status = s
	default:
		// "healthy" and anything unrecognized in a 200 both mean online.
		res.Status = StatusOnline
	}
	return res, payload.Version
}

// probeMetrics reports whether any of the peer's metrics endpoints serves a
// non-empty page.
func (o *Orchestrator) probeMetrics(ctx context.Context, n Node) bool {
	for _, path := range metricsEndpoints(n) {
		if o.probeMetricsPath(ctx, n, path) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) probeMetricsPath(ctx context.Context, n Node, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.MetricsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+path, nil)
	if err != nil {
		return false
	}
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	return resp.StatusCode == http.StatusOK && len(body) > 0
}

// metricsEndpoints returns the node's exposition paths, defaulting to
// /metrics.
func metricsEndpoints(n Node) []string {
	if len(n.MetricsEndpoints) == 0 {
		return []string{"/metrics"}
	}
	return n.MetricsEndpoints
}

func (o *Orchestrator) transition(n Node, from, to NodeStatus) {
	o.logger.Info("node status changed", "node", n.ID, "from", from, "to", to)
	switch {
	case to == StatusOffline:
		o.notifier.Notify(platform.Notification{
			Key:      "node:" + n.ID,
			Title:    "Node offline: " + n.Name,
			Body:     fmt.Sprintf("%s stopped answering health probes (was %s)", n.Endpoint, from),
			Severity: platform.SeverityHigh,
			Time:     o.now(),
		})
	case from == StatusOffline && to == StatusOnline:
		o.notifier.Notify(platform.Notification{
			Key:      "node:" + n.ID,
			Title:    "Node recovered: " + n.Name,
			Body:     n.Endpoint + " is answering health probes again",
			Severity: platform.SeverityInfo,
			Time:     o.now(),
		})
	}
}

type nodeSamples struct {
	node    Node
	samples []Sample
}

// Collect fetches metrics from online peers concurrently and folds them
// through the aggregation rules.
func (o *Orchestrator) Collect(ctx context.Context) {
	online := o.onlineNodes()
	o.mu.Lock()
	rules := append([]AggregationRule(nil), o.rules...)
	o.mu.Unlock()
	if len(rules) == 0 || len(online) == 0 {
		return
	}

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	var outMu sync.Mutex
	var results []nodeSamples
	for _, n := range online {
		if !n.Can(CapMetrics) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			samples, err := o.fetchSamples(ctx, n)
			if err != nil {
				o.logger.Warn("metric fetch failed", "node", n.ID, "error", err)
				return
			}
			outMu.Lock()
			results = append(results, nodeSamples{n, samples})
			outMu.Unlock()
		}()
	}
	wg.Wait()

	now := o.now()
	for _, r := range rules {
		agg := fold(r, results, now)
		o.mu.Lock()
		o.aggregates[r.Name] = agg
		o.mu.Unlock()
		if len(agg.Nodes) == 0 {
			continue
		}

		tags := map[string]string{"metric": r.Name}
		for k, v := range agg.Labels {
			tags[k] = v
		}
		o.sink.Write(platform.DBFederation, platform.Point{
			Measurement: "federated_metrics",
			Tags:        tags,
			Fields: map[string]float64{
				"value":      agg.Value,
				"confidence": agg.Confidence,
				"nodes":      float64(len(agg.Nodes)),
			},
			Time: now,
		})

		meta := map[string]string{"origin": "federation"}
		for k, v := range agg.Labels {
			meta[k] = v
		}
		o.observe(r.Name, agg.Value, meta)
	}
}

// fold applies one rule across the fetched samples.
func fold(r AggregationRule, results []nodeSamples, now time.Time) Aggregate {
	var contribs []contribution
	var sets []map[string]string
	seen := make(map[string]bool)
	var nodes []string
	for _, res := range results {
		for _, s := range res.samples {
			if s.Metric != r.Source || !matchesSelector(s.Labels, r.Labels) {
				continue
			}
			// Empty summaries export NaN quantiles; non-finite values never fold.
			if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
				continue
			}
			contribs = append(contribs, contribution{value: s.Value, weight: res.node.Weight, labels: s.Labels})
			sets = append(sets, s.Labels)
			if !seen[res.node.ID] {
				seen[res.node.ID] = true
				nodes = append(nodes, res.node.ID)
			}
		}
	}
	sort.Strings(nodes)
	value, conf := aggregate(r.Method, contribs)
	return Aggregate{
		Name:       r.Name,
		Value:      value,
		Confidence: conf,
		Labels:     mergeLabels(sets),
		Nodes:      nodes,
		Time:       now,
	}
}

// fetchSamples pulls every metrics endpoint the node exposes. Endpoints that
// fail are skipped; the fetch only errors when none produced samples.
func (o *Orchestrator) fetchSamples(ctx context.Context, n Node) ([]Sample, error) {
	var samples []Sample
	var firstErr error
	for _, path := range metricsEndpoints(n) {
		page, err := o.fetchPage(ctx, n, path)
		if err != nil {
			o.logger.Debug("metrics endpoint fetch failed", "node", n.ID, "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		samples = append(samples, page...)
	}
	if samples == nil && firstErr != nil {
		return nil, firstErr
	}
	return samples, nil
}

func (o *Orchestrator) fetchPage(ctx context.Context, n Node, path string) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}
	return parseExposition(io.LimitReader(resp.Body, maxBodyBytes), o.now())
}

// onlineNodes returns the peers currently classified online, ordered by
// priority then ID.
func (o *Orchestrator) onlineNodes() []Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	var online []Node
	for _, n := range o.nodes {
		if tr := o.states[n.ID]; tr != nil && tr.status == StatusOnline {
			online = append(online, n)
		}
	}
	sort.Slice(online, func(i, j int) bool {
		if online[i].Priority != online[j].Priority {
			return online[i].Priority < online[j].Priority
		}
		return online[i].ID < online[j].ID
	})
	return online
}

// markSync records the outcome of an alert exchange with a peer.
func (o *Orchestrator) markSync(id string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr := o.states[id]
	if tr == nil {
		return
	}
	if ok {
		tr.sync = SyncOK
		tr.lastSync = o.now()
	} else {
		tr.sync = SyncFailed
	}
}

// NodeStates returns a copy of every peer's tracked state, sorted by ID.
func (o *Orchestrator) NodeStates() []NodeState {
	o.mu.Lock()
	defer o.mu.Unlock()
	states := make([]NodeState, 0, len(o.states))
	for _, tr := range o.states {
		uptime, avg := tr.derive()
		states = append(states, NodeState{
			ID:               tr.node.ID,
			Name:             tr.node.Name,
			Type:             tr.node.Type,
			Status:           tr.status,
			MetricsAvailable: tr.metrics,
			LastSeen:         tr.lastSeen,
			ResponseTime:     avg,
			UptimePercent:    uptime,
			Version:          tr.version,
			SyncStatus:       tr.sync,
			LastSync:         tr.lastSync,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// Aggregates returns the latest folded value per rule, sorted by name.
func (o *Orchestrator) Aggregates() []Aggregate {
	o.mu.Lock()
	defer o.mu.Unlock()
	aggs := make([]Aggregate, 0, len(o.aggregates))
	for _, a := range o.aggregates {
		aggs = append(aggs, a)
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].Name < aggs[j].Name })
	return aggs
}

// ReloadNodes swaps the peer and rule sets. State for removed peers is
// dropped; stale aggregates are kept until their rule next folds.
func (o *Orchestrator) ReloadNodes(nodes []Node, rules []AggregationRule) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodes = append([]Node(nil), nodes...)
	o.rules = append([]AggregationRule(nil), rules...)
	keep := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		keep[n.ID] = true
	}
	for id := range o.states {
		if !keep[id] {
			delete(o.states, id)
		}
	}
	o.logger.Info("federation nodes reloaded", "nodes", len(nodes), "rules", len(rules))
}

func boolField(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

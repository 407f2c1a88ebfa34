package federate

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigil-dev/vigil/internal/platform"
)

const (
	propagateTTL = 10 * time.Minute
	syncTimeout  = 5 * time.Second
)

// RemoteAlert is the wire form alerts take between nodes.
type RemoteAlert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	Origin      string            `json:"origin,omitempty"`
}

// propagator tracks which fingerprints already crossed the wire and paces
// outbound syncs.
type propagator struct {
	limiter *rate.Limiter

	mu   sync.Mutex
	seen map[string]time.Time
}

func newPropagator() *propagator {
	return &propagator{
		limiter: rate.NewLimiter(5, 10),
		seen:    make(map[string]time.Time),
	}
}

// remember records a fingerprint and reports whether it was new. Expired
// entries are swept on the way through.
func (p *propagator) remember(fp string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, t := range p.seen {
		if now.Sub(t) > propagateTTL {
			delete(p.seen, k)
		}
	}
	if _, ok := p.seen[fp]; ok {
		return false
	}
	p.seen[fp] = now
	return true
}

// fingerprint identifies an alert across nodes by its routing labels, in a
// fixed order so every node derives the same value.
func fingerprint(labels map[string]string) string {
	parts := make([]string, 0, 4)
	for _, k := range []string{"alertname", "instance", "job", "service"} {
		if v, ok := labels[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// shouldPropagate filters alerts worth crossing node boundaries: severe
// enough, not host-local, and attributable to a service or job.
func shouldPropagate(a RemoteAlert) bool {
	switch a.Labels["severity"] {
	case "critical", "high", "warning":
	default:
		return false
	}
	if strings.HasPrefix(a.Labels["instance"], "localhost") {
		return false
	}
	return a.Labels["service"] != "" || a.Labels["job"] != ""
}

// Propagate pushes an alert to every online peer. Alerts that fail the
// filter or already propagated within the TTL are skipped; the return
// reports whether the alert was accepted.
func (o *Orchestrator) Propagate(ctx context.Context, a RemoteAlert) bool {
	if !shouldPropagate(a) {
		return false
	}
	fp := fingerprint(a.Labels)
	if !o.prop.remember(fp, o.now()) {
		return false
	}
	for _, n := range o.onlineNodes() {
		if !n.Can(CapAlerts) {
			continue
		}
		// Pacing waits rather than drops: every online peer gets the alert.
		if err := o.prop.limiter.Wait(ctx); err != nil {
			o.logger.Warn("alert propagation interrupted", "fingerprint", fp, "error", err)
			break
		}
		if err := o.push(ctx, n, a); err != nil {
			o.logger.Warn("alert propagation failed", "node", n.ID, "error", err)
			o.markSync(n.ID, false)
			continue
		}
		o.markSync(n.ID, true)
	}
	return true
}

// push syncs one alert to one peer. A 409 means the peer already has it.
func (o *Orchestrator) push(ctx context.Context, n Node, a RemoteAlert) error {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint+"/api/v1/alerts/sync", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("peer returned %d", resp.StatusCode)
	}
	return nil
}

// Receive ingests one alert pushed by a peer. It reports false when the
// fingerprint already crossed the wire within the TTL, so the transport can
// answer 409 and the pusher stops resending.
func (o *Orchestrator) Receive(a RemoteAlert) bool {
	fp := fingerprint(a.Labels)
	if !o.prop.remember(fp, o.now()) {
		return false
	}
	source := a.Origin
	if source == "" {
		source = "peer"
	}
	o.notifyRemote(source, a, fp)
	return true
}

// Pull fetches active alerts from online peers and feeds unseen ones to the
// local notifier, tagged with their origin.
func (o *Orchestrator) Pull(ctx context.Context) {
	for _, n := range o.onlineNodes() {
		if !n.Can(CapAlerts) {
			continue
		}
		alerts, err := o.fetchAlerts(ctx, n)
		if err != nil {
			o.logger.Warn("alert pull failed", "node", n.ID, "error", err)
			o.markSync(n.ID, false)
			continue
		}
		o.markSync(n.ID, true)
		for _, a := range alerts {
			fp := fingerprint(a.Labels)
			if !o.prop.remember(fp, o.now()) {
				continue
			}
			o.notifyRemote(n.ID, a, fp)
		}
	}
}

func (o *Orchestrator) fetchAlerts(ctx context.Context, n Node) ([]RemoteAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/api/v1/alerts", nil)
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
		return nil, fmt.Errorf("peer returned %d", resp.StatusCode)
	}

	var payload struct {
		Data []RemoteAlert `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

func (o *Orchestrator) notifyRemote(source string, a RemoteAlert, fp string) {
	name := a.Labels["alertname"]
	if name == "" {
		name = "alert"
	}
	origin := a.Origin
	if origin == "" {
		origin = source
	}
	body := a.Annotations["summary"]
	if body == "" {
		body = a.Annotations["description"]
	}
	if body == "" {
		body = fmt.Sprintf("%s on %s", name, a.Labels["instance"])
	}

	fields := []platform.Field{{Title: "origin", Value: origin}}
	for _, k := range []string{"instance", "service", "job"} {
		if v := a.Labels[k]; v != "" {
			fields = append(fields, platform.Field{Title: k, Value: v})
		}
	}
	o.notifier.Notify(platform.Notification{
		Key:      "federated:" + fp,
		Title:    "Remote alert: " + name,
		Body:     body,
		Severity: remoteSeverity(a.Labels["severity"]),
		Time:     o.now(),
		Fields:   fields,
	})
	o.logger.Info("remote alert received", "source", source, "alert", name, "origin", origin)
}

// remoteSeverity maps the cross-node severity vocabulary onto the local one.
func remoteSeverity(s string) platform.Severity {
	switch s {
	case "critical":
		return platform.SeverityCritical
	case "high":
		return platform.SeverityHigh
	case "warning":
		return platform.SeverityMedium
	}
	return platform.SeverityInfo
}

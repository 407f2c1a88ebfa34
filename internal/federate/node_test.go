package federate

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeNodes(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadNodes(t *testing.T) {
	path := writeNodes(t, `
nodes:
  - id: eu-1
    name: Frankfurt
    type: primary
    endpoint: https://eu-1.example.com/
    token: s3cret
    capabilities: [metrics]
    metrics_endpoints: [/metrics, app/metrics]
    weight: 2
    priority: 1
    labels: {region: eu}
  - id: us-1
    endpoint: http://us-1.example.com:8080
aggregations:
  - name: fleet_cpu
    source: cpu_usage
    method: average
  - name: fleet_requests
    source: http_requests_total
    method: sum
    labels: {env: prod}
`)
	nodes, rules, err := LoadNodes(path, testLogger())
	if err != nil {
		t.Fatalf("LoadNodes: %v", err)
	}
	if len(nodes) != 2 || len(rules) != 2 {
		t.Fatalf("got %d nodes, %d rules", len(nodes), len(rules))
	}

	eu := nodes[0]
	if eu.Name != "Frankfurt" || eu.Type != NodePrimary || eu.Weight != 2 || eu.Token != "s3cret" || eu.Priority != 1 {
		t.Errorf("eu = %+v", eu)
	}
	if eu.Endpoint != "https://eu-1.example.com" {
		t.Errorf("trailing slash should be trimmed, got %q", eu.Endpoint)
	}
	if !slices.Equal(eu.MetricsEndpoints, []string{"/metrics", "/app/metrics"}) {
		t.Errorf("metrics endpoints should get a leading slash, got %v", eu.MetricsEndpoints)
	}
	if !eu.Can(CapMetrics) || eu.Can(CapAlerts) {
		t.Errorf("capabilities = %v", eu.Capabilities)
	}

	us := nodes[1]
	if us.Name != "us-1" {
		t.Errorf("name should default to id, got %q", us.Name)
	}
	if us.Type != NodeSecondary {
		t.Errorf("type should default to secondary, got %q", us.Type)
	}
	if us.Weight != 1 {
		t.Errorf("weight should default to 1, got %v", us.Weight)
	}
	if !slices.Equal(us.MetricsEndpoints, []string{"/metrics"}) {
		t.Errorf("metrics endpoints should default to /metrics, got %v", us.MetricsEndpoints)
	}
	if !us.Can(CapMetrics) || !us.Can(CapAlerts) {
		t.Errorf("empty capabilities should allow everything, got %v", us.Capabilities)
	}

	if rules[0].Method != MethodAverage || rules[0].Source != "cpu_usage" {
		t.Errorf("rule = %+v", rules[0])
	}
	if rules[1].Labels["env"] != "prod" {
		t.Errorf("rule labels = %v", rules[1].Labels)
	}
}

func TestLoadNodesSkipsInvalid(t *testing.T) {
	path := writeNodes(t, `
nodes:
  - id: good
    endpoint: http://good.example.com
  - name: no id
    endpoint: http://x.example.com
  - id: no-endpoint
  - id: bad-scheme
    endpoint: ftp://files.example.com
  - id: bad-type
    endpoint: http://x.example.com
    type: tertiary
  - id: negative
    endpoint: http://x.example.com
    weight: -1
  - id: good
    endpoint: http://dup.example.com
aggregations:
  - name: ok
    source: cpu_usage
    method: max
  - name: bad-method
    source: cpu_usage
    method: mode
  - source: missing-name
    method: sum
  - name: ok
    source: duplicate
    method: sum
`)
	nodes, rules, err := LoadNodes(path, testLogger())
	if err != nil {
		t.Fatalf("LoadNodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "good" || nodes[0].Endpoint != "http://good.example.com" {
		t.Errorf("nodes = %+v", nodes)
	}
	if len(rules) != 1 || rules[0].Name != "ok" || rules[0].Source != "cpu_usage" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestParseMethod(t *testing.T) {
	for _, s := range []string{"sum", "average", "min", "max", "count", "p95", "weighted_average"} {
		if _, err := ParseMethod(s); err != nil {
			t.Errorf("ParseMethod(%q): %v", s, err)
		}
	}
	if _, err := ParseMethod("median"); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestParseNodeType(t *testing.T) {
	for _, s := range []string{"primary", "secondary", "edge", "cloud", "hybrid"} {
		if _, err := ParseNodeType(s); err != nil {
			t.Errorf("ParseNodeType(%q): %v", s, err)
		}
	}
	if typ, err := ParseNodeType(""); err != nil || typ != NodeSecondary {
		t.Errorf("empty type = %q, %v, want secondary", typ, err)
	}
	if _, err := ParseNodeType("tertiary"); err == nil {
		t.Error("expected error for unknown type")
	}
}

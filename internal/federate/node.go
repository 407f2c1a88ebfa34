package federate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeStatus is a peer's health classification.
type NodeStatus string

// Node statuses.
const (
	StatusOnline      NodeStatus = "online"
	StatusDegraded    NodeStatus = "degraded"
	StatusOffline     NodeStatus = "offline"
	StatusMaintenance NodeStatus = "maintenance"
	StatusUnknown     NodeStatus = "unknown"
)

// NodeType classifies a peer's role in the fleet.
type NodeType string

// Node types.
const (
	NodePrimary   NodeType = "primary"
	NodeSecondary NodeType = "secondary"
	NodeEdge      NodeType = "edge"
	NodeCloud     NodeType = "cloud"
	NodeHybrid    NodeType = "hybrid"
)

// ParseNodeType validates a node type from config. Empty defaults to
// secondary.
func ParseNodeType(s string) (NodeType, error) {
	switch t := NodeType(s); t {
	case NodePrimary, NodeSecondary, NodeEdge, NodeCloud, NodeHybrid:
		return t, nil
	case "":
		return NodeSecondary, nil
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// SyncStatus is the outcome of the last alert exchange with a peer.
type SyncStatus string

// Sync statuses.
const (
	SyncNever  SyncStatus = "never"
	SyncOK     SyncStatus = "ok"
	SyncFailed SyncStatus = "failed"
)

// Capabilities a peer can advertise. A node with an empty capability list
// advertises everything.
const (
	CapMetrics = "metrics"
	CapAlerts  = "alerts"
)

// Node is one configured federation peer.
type Node struct {
	ID               string
	Name             string
	Type             NodeType
	Endpoint         string   // base URL, no trailing slash
	Token            string   // optional bearer token
	Capabilities     []string // advertised features, empty means all
	MetricsEndpoints []string // exposition paths under the endpoint
	Weight           float64
	Priority         int // collection and sync order, lower first
	Labels           map[string]string
}

// Can reports whether the node advertises a capability.
func (n Node) Can(capability string) bool {
	if len(n.Capabilities) == 0 {
		return true
	}
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ProbeResult is one health-check outcome.
type ProbeResult struct {
	Time    time.Time
	OK      bool
	Latency time.Duration
	Status  NodeStatus
}

// NodeState is the tracked health of a peer, derived from its probe history
// and alert exchanges.
type NodeState struct {
	ID               string
	Name             string
	Type             NodeType
	Status           NodeStatus
	MetricsAvailable bool
	LastSeen         time.Time
	ResponseTime     time.Duration
	UptimePercent    float64
	Version          string
	SyncStatus       SyncStatus
	LastSync         time.Time
}

// Method is an aggregation function over per-node sample values.
type Method string

// Aggregation methods.
const (
	MethodSum             Method = "sum"
	MethodAverage         Method = "average"
	MethodMin             Method = "min"
	MethodMax             Method = "max"
	MethodCount           Method = "count"
	MethodP95             Method = "p95"
	MethodWeightedAverage Method = "weighted_average"
)

// ParseMethod validates an aggregation method from config.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodSum, MethodAverage, MethodMin, MethodMax, MethodCount, MethodP95, MethodWeightedAverage:
		return m, nil
	}
	return "", fmt.Errorf("unknown aggregation method %q", s)
}

// AggregationRule folds one metric across peers. Label selectors, when set,
// restrict which samples contribute.
type AggregationRule struct {
	Name   string // output metric name
	Source string // input metric name on the peers
	Method Method
	Labels map[string]string
}

// Sample is one parsed metric value from a peer.
type Sample struct {
	Metric string
	Value  float64
	Labels map[string]string
	Time   time.Time
}

// Aggregate is one folded cross-node value.
type Aggregate struct {
	Name       string
	Value      float64
	Confidence float64
	Labels     map[string]string
	Nodes      []string // contributing node ids, sorted
	Time       time.Time
}

type nodeSpec struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Endpoint     string            `yaml:"endpoint"`
	Token        string            `yaml:"token"`
	Capabilities []string          `yaml:"capabilities"`
	Metrics      []string          `yaml:"metrics_endpoints"`
	Weight       float64           `yaml:"weight"`
	Priority     int               `yaml:"priority"`
	Labels       map[string]string `yaml:"labels"`
}

type ruleSpec struct {
	Name   string            `yaml:"name"`
	Source string            `yaml:"source"`
	Method string            `yaml:"method"`
	Labels map[string]string `yaml:"labels"`
}

type nodeFile struct {
	Nodes        []nodeSpec `yaml:"nodes"`
	Aggregations []ruleSpec `yaml:"aggregations"`
}

// LoadNodes reads peers and aggregation rules from a YAML file. Invalid
// entries are logged and skipped; only an unreadable or unparseable file is
// an error.
func LoadNodes(path string, logger *slog.Logger) ([]Node, []AggregationRule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read nodes: %w", err)
	}
	var f nodeFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, nil, fmt.Errorf("parse nodes: %w", err)
	}

	nodes := make([]Node, 0, len(f.Nodes))
	seen := make(map[string]bool)
	for i, spec := range f.Nodes {
		n, err := spec.build()
		if err != nil {
			logger.Error("skipping invalid federation node", "index", i, "id", spec.ID, "error", err)
			continue
		}
		if seen[n.ID] {
			logger.Error("skipping duplicate federation node", "id", n.ID)
			continue
		}
		seen[n.ID] = true
		nodes = append(nodes, n)
	}

	rules := make([]AggregationRule, 0, len(f.Aggregations))
	names := make(map[string]bool)
	for i, spec := range f.Aggregations {
		r, err := spec.build()
		if err != nil {
			logger.Error("skipping invalid aggregation rule", "index", i, "name", spec.Name, "error", err)
			continue
		}
		if names[r.Name] {
			logger.Error("skipping duplicate aggregation rule", "name", r.Name)
			continue
		}
		names[r.Name] = true
		rules = append(rules, r)
	}
	return nodes, rules, nil
}

func (s nodeSpec) build() (Node, error) {
	if s.ID == "" {
		return Node{}, errors.New("missing id")
	}
	if s.Endpoint == "" {
		return Node{}, errors.New("missing endpoint")
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return Node{}, fmt.Errorf("endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Node{}, fmt.Errorf("endpoint scheme %q not supported", u.Scheme)
	}
	typ, err := ParseNodeType(s.Type)
	if err != nil {
		return Node{}, err
	}
	if s.Weight < 0 {
		return Node{}, errors.New("weight must not be negative")
	}

	n := Node{
		ID:           s.ID,
		Name:         s.Name,
		Type:         typ,
		Endpoint:     strings.TrimRight(s.Endpoint, "/"),
		Token:        s.Token,
		Capabilities: s.Capabilities,
		Weight:       s.Weight,
		Priority:     s.Priority,
		Labels:       s.Labels,
	}
	for _, p := range s.Metrics {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		n.MetricsEndpoints = append(n.MetricsEndpoints, p)
	}
	if len(n.MetricsEndpoints) == 0 {
		n.MetricsEndpoints = []string{"/metrics"}
	}
	if n.Name == "" {
		n.Name = n.ID
	}
	if n.Weight == 0 {
		n.Weight = 1
	}
	return n, nil
}

func (s ruleSpec) build() (AggregationRule, error) {
	if s.Name == "" {
		return AggregationRule{}, errors.New("missing name")
	}
	if s.Source == "" {
		return AggregationRule{}, errors.New("missing source metric")
	}
	m, err := ParseMethod(s.Method)
	if err != nil {
		return AggregationRule{}, err
	}
	return AggregationRule{Name: s.Name, Source: s.Source, Method: m, Labels: s.Labels}, nil
}

package alert

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigil-dev/vigil/internal/platform"
)

// Operator compares an observed value against a threshold.
type Operator string

// Supported operators.
const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// defaultEqualityTolerance bounds float comparison error for == and !=.
const defaultEqualityTolerance = 1e-3

// ParseOperator validates an operator from config.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Check reports whether value breaches threshold under the operator.
func (o Operator) Check(value, threshold, tolerance float64) bool {
	if tolerance <= 0 {
		tolerance = defaultEqualityTolerance
	}
	switch o {
	case OpGreater:
		return value > threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLess:
		return value < threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return math.Abs(value-threshold) <= tolerance
	case OpNotEqual:
		return math.Abs(value-threshold) > tolerance
	}
	return false
}

// Upper reports whether the operator alerts on high values.
func (o Operator) Upper() bool {
	return o == OpGreater || o == OpGreaterEqual
}

// Lower reports whether the operator alerts on low values.
func (o Operator) Lower() bool {
	return o == OpLess || o == OpLessEqual
}

// EscalationStep raises an alert that keeps breaching past After.
type EscalationStep struct {
	Level     int
	After     time.Duration
	Threshold float64
	Severity  platform.Severity
	Channels  []platform.Channel
}

// Rule defines a breach condition over a metric. The metric matches exactly
// or as a prefix of the observed name, so "cpu_usage" also covers
// "cpu_usage_user".
type Rule struct {
	ID                string
	Name              string
	Metric            string
	Operator          Operator
	Threshold         float64
	Dynamic           bool
	Sensitivity       float64
	Severity          platform.Severity
	Service           string
	SustainFor        time.Duration // how long the breach must hold before firing
	Suppress          time.Duration
	EqualityTolerance float64
	Channels          []platform.Channel
	Escalations       []EscalationStep
}

// Matches reports whether the rule applies to an observed metric name.
func (r *Rule) Matches(metric string) bool {
	return metric == r.Metric || strings.HasPrefix(metric, r.Metric)
}

type escalationSpec struct {
	Level     int      `yaml:"level"`
	After     string   `yaml:"after"`
	Threshold float64  `yaml:"threshold"`
	Severity  string   `yaml:"severity"`
	Channels  []string `yaml:"channels"`
}

type ruleSpec struct {
	ID                string           `yaml:"id"`
	Name              string           `yaml:"name"`
	Metric            string           `yaml:"metric"`
	Operator          string           `yaml:"operator"`
	Threshold         float64          `yaml:"threshold"`
	Dynamic           bool             `yaml:"dynamic"`
	Sensitivity       float64          `yaml:"sensitivity"`
	Severity          string           `yaml:"severity"`
	Service           string           `yaml:"service"`
	SustainFor        string           `yaml:"sustain_for"`
	Suppress          string           `yaml:"suppress_for"`
	EqualityTolerance float64          `yaml:"equality_tolerance"`
	Channels          []string         `yaml:"channels"`
	Escalations       []escalationSpec `yaml:"escalations"`
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// LoadRules reads rule definitions from a YAML file. Invalid rules are
// logged and skipped; only an unreadable or unparseable file is an error.
func LoadRules(path string, logger *slog.Logger) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(f.Rules))
	seen := make(map[string]bool)
	for i, spec := range f.Rules {
		r, err := spec.build()
		if err != nil {
			logger.Error("skipping invalid alert rule", "index", i, "id", spec.ID, "error", err)
			continue
		}
		if seen[r.ID] {
			logger.Error("skipping duplicate alert rule", "id", r.ID)
			continue
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}
	return rules, nil
}

func (s ruleSpec) build() (Rule, error) {
	if s.ID == "" {
		return Rule{}, errors.New("missing id")
	}
	if s.Metric == "" {
		return Rule{}, errors.New("missing metric")
	}
	op, err := ParseOperator(s.Operator)
	if err != nil {
		return Rule{}, err
	}
	sev, err := platform.ParseSeverity(s.Severity)
	if err != nil {
		return Rule{}, err
	}

	r := Rule{
		ID:                s.ID,
		Name:              s.Name,
		Metric:            s.Metric,
		Operator:          op,
		Threshold:         s.Threshold,
		Dynamic:           s.Dynamic,
		Sensitivity:       s.Sensitivity,
		Severity:          sev,
		Service:           s.Service,
		EqualityTolerance: s.EqualityTolerance,
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Sensitivity <= 0 {
		r.Sensitivity = 2.0
	}
	if s.SustainFor != "" {
		d, err := time.ParseDuration(s.SustainFor)
		if err != nil {
			return Rule{}, fmt.Errorf("sustain_for: %w", err)
		}
		if d < 0 {
			return Rule{}, fmt.Errorf("sustain_for must not be negative, got %s", d)
		}
		r.SustainFor = d
	}
	if s.Suppress != "" {
		d, err := time.ParseDuration(s.Suppress)
		if err != nil {
			return Rule{}, fmt.Errorf("suppress_for: %w", err)
		}
		r.Suppress = d
	}
	for _, c := range s.Channels {
		ch, err := platform.ParseChannel(c)
		if err != nil {
			return Rule{}, err
		}
		r.Channels = append(r.Channels, ch)
	}
	for _, es := range s.Escalations {
		step, err := es.build()
		if err != nil {
			return Rule{}, fmt.Errorf("escalation level %d: %w", es.Level, err)
		}
		r.Escalations = append(r.Escalations, step)
	}
	sort.Slice(r.Escalations, func(i, j int) bool {
		return r.Escalations[i].Level < r.Escalations[j].Level
	})
	return r, nil
}

func (s escalationSpec) build() (EscalationStep, error) {
	if s.Level <= 0 {
		return EscalationStep{}, errors.New("level must be positive")
	}
	after, err := time.ParseDuration(s.After)
	if err != nil {
		return EscalationStep{}, fmt.Errorf("after: %w", err)
	}
	sev, err := platform.ParseSeverity(s.Severity)
	if err != nil {
		return EscalationStep{}, err
	}
	step := EscalationStep{
		Level:     s.Level,
		After:     after,
		Threshold: s.Threshold,
		Severity:  sev,
	}
	for _, c := range s.Channels {
		ch, err := platform.ParseChannel(c)
		if err != nil {
			return EscalationStep{}, err
		}
		step.Channels = append(step.Channels, ch)
	}
	return step, nil
}

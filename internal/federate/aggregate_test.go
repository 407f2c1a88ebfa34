package federate

import (
	"math"
	"testing"
)

func contribs(values ...float64) []contribution {
	cs := make([]contribution, len(values))
	for i, v := range values {
		cs[i] = contribution{value: v, weight: 1}
	}
	return cs
}

func closeTo(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		method   Method
		contribs []contribution
		value    float64
		conf     float64
	}{
		{"sum", MethodSum, contribs(1, 2, 3), 6, 3.0 / 5},
		{"sum full confidence", MethodSum, contribs(1, 1, 1, 1, 1, 1), 6, 1},
		{"average", MethodAverage, contribs(2, 4, 6), 4, 1},
		{"average partial", MethodAverage, contribs(2, 4), 3, 2.0 / 3},
		{"min", MethodMin, contribs(5, 2, 9), 2, 1},
		{"max", MethodMax, contribs(5, 2, 9), 9, 1},
		{"count", MethodCount, contribs(7, 7), 2, 1},
		{"p95 single value", MethodP95, contribs(42), 42, 0.1},
		{"p95 two values", MethodP95, contribs(20, 10), 20, 0.2},
		{"weighted average", MethodWeightedAverage,
			[]contribution{{value: 10, weight: 1}, {value: 20, weight: 3}}, 17.5, 2.0 / 3},
		{"weighted zero weights", MethodWeightedAverage,
			[]contribution{{value: 10, weight: 0}}, 0, 0},
		{"no contributions", MethodSum, nil, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, conf := aggregate(tt.method, tt.contribs)
			if !closeTo(value, tt.value) || !closeTo(conf, tt.conf) {
				t.Errorf("aggregate = (%v, %v), want (%v, %v)", value, conf, tt.value, tt.conf)
			}
		})
	}
}

func TestAggregateP95LargeSet(t *testing.T) {
	var cs []contribution
	for v := range 20 {
		cs = append(cs, contribution{value: float64(v + 1), weight: 1})
	}
	value, conf := aggregate(MethodP95, cs)
	if value != 20 || conf != 1 {
		t.Errorf("p95 over 1..20 = (%v, %v), want (20, 1)", value, conf)
	}
}

func TestMergeLabels(t *testing.T) {
	tests := []struct {
		name string
		sets []map[string]string
		want map[string]string
	}{
		{
			name: "identical values kept",
			sets: []map[string]string{
				{"region": "eu", "dc": "fra"},
				{"region": "eu", "dc": "fra"},
			},
			want: map[string]string{"region": "eu", "dc": "fra"},
		},
		{
			name: "key missing somewhere dropped",
			sets: []map[string]string{
				{"region": "eu", "host": "a"},
				{"region": "eu"},
			},
			want: map[string]string{"region": "eu"},
		},
		{
			name: "distinct values collapse with count",
			sets: []map[string]string{
				{"host": "a"},
				{"host": "b"},
				{"host": "c"},
				{"host": "a"},
			},
			want: map[string]string{"host": "multiple[3]"},
		},
		{
			name: "empty input",
			sets: nil,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeLabels(tt.sets)
			if len(got) != len(tt.want) {
				t.Fatalf("mergeLabels = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("label %q = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestMatchesSelector(t *testing.T) {
	labels := map[string]string{"job": "api", "env": "prod"}
	if !matchesSelector(labels, nil) {
		t.Error("nil selector should match")
	}
	if !matchesSelector(labels, map[string]string{"env": "prod"}) {
		t.Error("matching selector rejected")
	}
	if matchesSelector(labels, map[string]string{"env": "staging"}) {
		t.Error("mismatching selector accepted")
	}
	if matchesSelector(labels, map[string]string{"team": "core"}) {
		t.Error("absent key should not match")
	}
}

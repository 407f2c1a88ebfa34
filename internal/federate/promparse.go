package federate

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// parseExposition parses Prometheus text exposition into flat samples the
// aggregation rules can select on. Histogram and summary series come through
// under their conventional _bucket/_sum/_count names with le and quantile
// labels restored. Samples without an explicit timestamp get now. Families
// are emitted in name order so repeated parses of the same page agree.
func parseExposition(r io.Reader, now time.Time) ([]Sample, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse exposition: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	var samples []Sample
	for _, name := range names {
		mf := families[name]
		for _, m := range mf.GetMetric() {
			samples = append(samples, flatten(name, mf.GetType(), m, now)...)
		}
	}
	return samples, nil
}

func flatten(name string, typ dto.MetricType, m *dto.Metric, now time.Time) []Sample {
	ts := now
	if msec := m.GetTimestampMs(); msec != 0 {
		ts = time.UnixMilli(msec)
	}
	labels := labelMap(m.GetLabel())

	switch typ {
	case dto.MetricType_COUNTER:
		return []Sample{{Metric: name, Value: m.GetCounter().GetValue(), Labels: labels, Time: ts}}
	case dto.MetricType_GAUGE:
		return []Sample{{Metric: name, Value: m.GetGauge().GetValue(), Labels: labels, Time: ts}}
	case dto.MetricType_SUMMARY:
		s := m.GetSummary()
		out := make([]Sample, 0, len(s.GetQuantile())+2)
		for _, q := range s.GetQuantile() {
			out = append(out, Sample{
				Metric: name,
				Value:  q.GetValue(),
				Labels: cloneWith(labels, "quantile", formatLabelValue(q.GetQuantile())),
				Time:   ts,
			})
		}
		return append(out,
			Sample{Metric: name + "_sum", Value: s.GetSampleSum(), Labels: labels, Time: ts},
			Sample{Metric: name + "_count", Value: float64(s.GetSampleCount()), Labels: labels, Time: ts})
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		out := make([]Sample, 0, len(h.GetBucket())+2)
		for _, b := range h.GetBucket() {
			out = append(out, Sample{
				Metric: name + "_bucket",
				Value:  float64(b.GetCumulativeCount()),
				Labels: cloneWith(labels, "le", formatLabelValue(b.GetUpperBound())),
				Time:   ts,
			})
		}
		return append(out,
			Sample{Metric: name + "_sum", Value: h.GetSampleSum(), Labels: labels, Time: ts},
			Sample{Metric: name + "_count", Value: float64(h.GetSampleCount()), Labels: labels, Time: ts})
	default:
		return []Sample{{Metric: name, Value: m.GetUntyped().GetValue(), Labels: labels, Time: ts}}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	labels := make(map[string]string, len(pairs))
	for _, p := range pairs {
		labels[p.GetName()] = p.GetValue()
	}
	return labels
}

func cloneWith(labels map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

func formatLabelValue(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// correlationWindow bounds how far apart two same-service alerts may start
// and still join the same incident.
const correlationWindow = 5 * time.Minute

// Correlate picks the correlation id for a newly fired alert. Matching is
// tried in order against active alerts: same service started within the
// correlation window, then same host within the window, then same metric
// family (the segment before the first underscore). With no match a fresh
// id is minted.
func Correlate(a *Alert, active []*Alert) string {
	if a.Service != "" {
		for _, other := range active {
			if skipCorrelation(a, other) || other.Service == "" {
				continue
			}
			if other.Service == a.Service && absDuration(a.StartedAt.Sub(other.StartedAt)) <= correlationWindow {
				return other.CorrelationID
			}
		}
	}
	if a.Host != "" {
		for _, other := range active {
			if skipCorrelation(a, other) {
				continue
			}
			if other.Host == a.Host && absDuration(a.StartedAt.Sub(other.StartedAt)) <= correlationWindow {
				return other.CorrelationID
			}
		}
	}
	family := metricFamily(a.Metric)
	for _, other := range active {
		if skipCorrelation(a, other) {
			continue
		}
		if metricFamily(other.Metric) == family {
			return other.CorrelationID
		}
	}
	return fmt.Sprintf("corr-%d-%s", a.StartedAt.Unix(), shortHash(a.ID))
}

func skipCorrelation(a, other *Alert) bool {
	return other.ID == a.ID || other.Status == StatusResolved || other.CorrelationID == ""
}

// metricFamily groups metrics by the segment before the first underscore, so
// cpu_usage and cpu_steal fall into one incident.
func metricFamily(metric string) string {
	return strings.SplitN(metric, "_", 2)[0]
}

// shortHash returns the first 8 hex characters of the SHA-256 of s.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

package federate

import (
	"fmt"
	"math"
	"slices"
)

// contribution is one node's sample for a rule.
type contribution struct {
	value  float64
	weight float64
	labels map[string]string
}

// aggregate folds contributions with the given method. The second return is
// a confidence in [0, 1] that grows with the number of contributing nodes;
// how many nodes count as full confidence depends on the method.
func aggregate(method Method, contribs []contribution) (float64, float64) {
	n := len(contribs)
	if n == 0 {
		return 0, 0
	}
	values := make([]float64, n)
	for i, c := range contribs {
		values[i] = c.value
	}

	switch method {
	case MethodSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum, confidence(n, 5)

	case MethodAverage:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(n), confidence(n, 3)

	case MethodMin:
		return slices.Min(values), 1

	case MethodMax:
		return slices.Max(values), 1

	case MethodCount:
		return float64(n), 1

	case MethodP95:
		slices.Sort(values)
		idx := int(math.Floor(0.95 * float64(n)))
		if idx >= n {
			idx = n - 1
		}
		return values[idx], confidence(n, 10)

	case MethodWeightedAverage:
		var sum, wsum float64
		for _, c := range contribs {
			sum += c.value * c.weight
			wsum += c.weight
		}
		if wsum == 0 {
			return 0, 0
		}
		return sum / wsum, confidence(n, 3)
	}
	return 0, 0
}

func confidence(n, full int) float64 {
	if n >= full {
		return 1
	}
	return float64(n) / float64(full)
}

// mergeLabels keeps keys present in every contributing label set. A key with
// more than one distinct value collapses to "multiple[<k>]" where k is the
// distinct count.
func mergeLabels(sets []map[string]string) map[string]string {
	if len(sets) == 0 {
		return nil
	}
	merged := make(map[string]string)
	for k, v := range sets[0] {
		distinct := map[string]bool{v: true}
		inAll := true
		for _, s := range sets[1:] {
			other, ok := s[k]
			if !ok {
				inAll = false
				break
			}
			distinct[other] = true
		}
		if !inAll {
			continue
		}
		if len(distinct) > 1 {
			merged[k] = fmt.Sprintf("multiple[%d]", len(distinct))
		} else {
			merged[k] = v
		}
	}
	return merged
}

// matchesSelector reports whether a sample's labels satisfy a rule's label
// selectors.
func matchesSelector(labels, selector map[string]string) bool {
	for k, want := range selector {
		if labels[k] != want {
			return false
		}
	}
	return true
}

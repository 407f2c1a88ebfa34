package platform

import "fmt"

// HumanBytes formats a byte count into a compact human-readable string like "30.9M" or "1.2G".
func HumanBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		v := float64(b) / (1 << 30)
		if v >= 100 {
			return fmt.Sprintf("%.0fG", v)
		}
		if v >= 10 {
			return fmt.Sprintf("%.1fG", v)
		}
		return fmt.Sprintf("%.2fG", v)
	case b >= 1<<20:
		v := float64(b) / (1 << 20)
		if v >= 100 {
			return fmt.Sprintf("%.0fM", v)
		}
		if v >= 10 {
			return fmt.Sprintf("%.1fM", v)
		}
		return fmt.Sprintf("%.2fM", v)
	case b >= 1<<10:
		v := float64(b) / (1 << 10)
		if v >= 100 {
			return fmt.Sprintf("%.0fK", v)
		}
		if v >= 10 {
			return fmt.Sprintf("%.1fK", v)
		}
		return fmt.Sprintf("%.2fK", v)
	default:
		return fmt.Sprintf("%dB", b)
	}
}

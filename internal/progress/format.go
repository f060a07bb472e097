package progress

import "fmt"

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit && exp < 4; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTP"[exp])
}

// FormatRate renders a bytes-per-second rate.
func FormatRate(bps float64) string {
	return FormatBytes(int64(bps)) + "/s"
}

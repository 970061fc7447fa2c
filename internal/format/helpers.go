package format

import (
	"fmt"
	"strings"
	"time"
)

// FmtCount formats a counter with a K/M suffix.
func FmtCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1000:
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

// FmtDuration formats a duration as "Xh Ym", "Xm Ys" or "Ys".
func FmtDuration(d time.Duration) string {
	s := int(d.Seconds())
	switch {
	case s >= 3600:
		return fmt.Sprintf("%dh %dm", s/3600, s%3600/60)
	case s >= 60:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%ds", s)
}

// FmtEnergy prints an energy with four decimals.
func FmtEnergy(e float64) string { return fmt.Sprintf("%.4f", e) }

// FmtPercent prints a fraction in [0,1] as a percentage.
func FmtPercent(f float64) string { return fmt.Sprintf("%.1f%%", f*100) }

// Truncate shortens s to maxLen bytes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// FirstLine returns s up to its first newline.
func FirstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// BoolMark returns "✓" for true and "✗" for false.
func BoolMark(v bool) string {
	if v {
		return "✓"
	}
	return "✗"
}
